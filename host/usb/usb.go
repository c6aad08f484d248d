// Package usb opens a USB card reader through libusb.
package usb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/gousb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cardreader/core"
	"cardreader/protocol"
)

const controlTimeout = 500 * time.Millisecond

// Pipe is a protocol.BulkPipe over the reader's default interface.
type Pipe struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	log  *zap.Logger
}

// DeviceInfo identifies an attached reader.
type DeviceInfo struct {
	Bus, Address int
	VendorID     uint16
	ProductID    uint16
	Profile      string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("bus %03d addr %03d %04x:%04x %s", d.Bus, d.Address, d.VendorID, d.ProductID, d.Profile)
}

// Open claims the first device matching vid and pid.
func Open(vid, pid uint16, log *zap.Logger) (*Pipe, error) {
	if log == nil {
		log = zap.NewNop()
	}
	uctx := gousb.NewContext()
	p, err := open(uctx, vid, pid, log)
	if err != nil {
		uctx.Close()
		return nil, err
	}
	return p, nil
}

func open(uctx *gousb.Context, vid, pid uint16, log *zap.Logger) (*Pipe, error) {
	dev, err := uctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, fmt.Errorf("usb open %04x:%04x: %w", vid, pid, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("usb %04x:%04x not found: %w", vid, pid, protocol.ErrNoMedia)
	}
	dev.ControlTimeout = controlTimeout
	if err := dev.SetAutoDetach(true); err != nil {
		log.Warn("auto detach unavailable", zap.Error(err))
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("usb claim: %w", err)
	}
	inNum, outNum, err := bulkEndpoints(intf.Setting.Endpoints)
	if err == nil {
		var p Pipe
		p.in, err = intf.InEndpoint(inNum)
		if err == nil {
			p.out, err = intf.OutEndpoint(outNum)
		}
		if err == nil {
			p.ctx, p.dev, p.done, p.log = uctx, dev, done, log
			log.Info("usb reader opened",
				zap.String("device", fmt.Sprintf("%04x:%04x", vid, pid)),
				zap.Int("bulk_in", inNum), zap.Int("bulk_out", outNum))
			return &p, nil
		}
	}
	done()
	dev.Close()
	return nil, fmt.Errorf("usb endpoints: %w", err)
}

// bulkEndpoints picks the lowest numbered bulk IN and OUT endpoints.
func bulkEndpoints(eps map[gousb.EndpointAddress]gousb.EndpointDesc) (in, out int, err error) {
	addrs := make([]int, 0, len(eps))
	for a := range eps {
		addrs = append(addrs, int(a))
	}
	sort.Ints(addrs)

	in, out = -1, -1
	for _, a := range addrs {
		ep := eps[gousb.EndpointAddress(a)]
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionIn && in < 0:
			in = ep.Number
		case ep.Direction == gousb.EndpointDirectionOut && out < 0:
			out = ep.Number
		}
	}
	if in < 0 || out < 0 {
		return 0, 0, fmt.Errorf("no bulk endpoint pair: %w", protocol.ErrUnsupported)
	}
	return in, out, nil
}

func (p *Pipe) BulkOut(ctx context.Context, b []byte) (int, error) {
	return p.out.WriteContext(ctx, b)
}

func (p *Pipe) BulkIn(ctx context.Context, b []byte) (int, error) {
	return p.in.ReadContext(ctx, b)
}

func (p *Pipe) ControlOut(ctx context.Context, request uint8, value, index uint16, data []byte) error {
	_, err := p.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice, request, value, index, data)
	return err
}

func (p *Pipe) ControlIn(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error) {
	return p.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice, request, value, index, data)
}

// Close releases the interface and the device.
func (p *Pipe) Close() error {
	p.done()
	return multierr.Combine(p.dev.Close(), p.ctx.Close())
}

// List returns the attached devices that have a built-in profile.
func List() ([]DeviceInfo, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()

	var found []DeviceInfo
	_, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if info, ok := match(desc); ok {
			found = append(found, info)
		}
		return false
	})
	return found, err
}

func match(desc *gousb.DeviceDesc) (DeviceInfo, bool) {
	p, ok := core.LookupDeviceProfile(protocol.KindPacket, uint16(desc.Vendor), uint16(desc.Product))
	if !ok {
		return DeviceInfo{}, false
	}
	return DeviceInfo{
		Bus:       desc.Bus,
		Address:   desc.Address,
		VendorID:  uint16(desc.Vendor),
		ProductID: uint16(desc.Product),
		Profile:   p.Name,
	}, true
}
