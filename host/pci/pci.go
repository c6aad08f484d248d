//go:build linux

// Package pci maps a PCIe card reader's register BAR and a u-dma-buf
// region through sysfs.
package pci

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"cardreader/core"
	"cardreader/protocol"
)

const pageSize = 4096

// Config locates the reader and its DMA memory.
type Config struct {
	SysfsRoot string // normally /sys
	DevRoot   string // normally /dev
	Address   string // PCI address, e.g. 0000:02:00.0
	BAR       int
	DMABuffer string // u-dma-buf device name
}

// Window implements protocol.RegisterWindow over the mapped BAR. The
// first page-aligned part of the DMA region holds the command area and
// scatter-gather table; the rest backs data transfers.
type Window struct {
	regs    []byte
	dma     []byte
	dmaBus  uint32
	dataOff int
	log     *zap.Logger
}

// Open maps the register BAR and DMA region described by cfg.
func Open(cfg Config, log *zap.Logger) (*Window, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dev := filepath.Join(cfg.SysfsRoot, "bus/pci/devices", cfg.Address)
	regs, err := mapFile(filepath.Join(dev, "resource"+strconv.Itoa(cfg.BAR)), 0)
	if err != nil {
		return nil, fmt.Errorf("pci %s BAR%d: %w", cfg.Address, cfg.BAR, err)
	}

	class := filepath.Join(cfg.SysfsRoot, "class/u-dma-buf", cfg.DMABuffer)
	phys, err := readHex(filepath.Join(class, "phys_addr"))
	if err == nil && phys > 0xFFFFFFFF {
		err = fmt.Errorf("phys_addr 0x%x above 4GiB: %w", phys, protocol.ErrUnsupported)
	}
	var size uint64
	if err == nil {
		size, err = readUint(filepath.Join(class, "size"))
	}
	var dma []byte
	if err == nil {
		dma, err = mapFile(filepath.Join(cfg.DevRoot, cfg.DMABuffer), int(size))
	}
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("dma buffer %s: %w", cfg.DMABuffer, err), unix.Munmap(regs))
	}

	dataOff := (protocol.HostBufferSize + pageSize - 1) &^ (pageSize - 1)
	if len(dma) <= dataOff {
		return nil, multierr.Combine(
			fmt.Errorf("dma buffer %s: %d bytes: %w", cfg.DMABuffer, len(dma), protocol.ErrBadArgument),
			unix.Munmap(dma), unix.Munmap(regs))
	}
	log.Info("pci reader mapped",
		zap.String("address", cfg.Address),
		zap.Int("bar_size", len(regs)),
		zap.Int("dma_size", len(dma)),
		zap.String("dma_bus", fmt.Sprintf("0x%08x", phys)))
	return &Window{regs: regs, dma: dma, dmaBus: uint32(phys), dataOff: dataOff, log: log}, nil
}

// mapFile maps size bytes of path shared and writable. Zero size maps the
// whole file.
func mapFile(path string, size int) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if size == 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		size = int(st.Size())
	}
	if size <= 0 {
		return nil, fmt.Errorf("%s: empty: %w", path, protocol.ErrBadArgument)
	}
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (w *Window) word(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(w.regs) {
		panic(fmt.Sprintf("pci: register offset 0x%x out of range", off))
	}
	return (*uint32)(unsafe.Pointer(&w.regs[off]))
}

func (w *Window) Load32(off uint32) uint32 {
	return atomic.LoadUint32(w.word(off))
}

func (w *Window) Store32(off uint32, v uint32) {
	atomic.StoreUint32(w.word(off), v)
}

func (w *Window) HostBuffer() ([]byte, uint32) {
	return w.dma[:protocol.HostBufferSize], w.dmaBus
}

func (w *Window) DMABuffer(n int) ([]byte, uint32, error) {
	if n > len(w.dma)-w.dataOff {
		return nil, 0, fmt.Errorf("dma buffer of %d bytes, %d mapped: %w",
			n, len(w.dma)-w.dataOff, protocol.ErrBadArgument)
	}
	return w.dma[w.dataOff : w.dataOff+n], w.dmaBus + uint32(w.dataOff), nil
}

// Close unmaps both regions.
func (w *Window) Close() error {
	err := multierr.Combine(unix.Munmap(w.dma), unix.Munmap(w.regs))
	w.dma, w.regs = nil, nil
	return err
}

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readHex(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 0, 64)
}

// DeviceID reads the vendor and device IDs of the PCI function at addr.
func DeviceID(sysfsRoot, addr string) (vid, pid uint16, err error) {
	dev := filepath.Join(sysfsRoot, "bus/pci/devices", addr)
	v, err := readHex(filepath.Join(dev, "vendor"))
	if err != nil {
		return 0, 0, err
	}
	d, err := readHex(filepath.Join(dev, "device"))
	if err != nil {
		return 0, 0, err
	}
	return uint16(v), uint16(d), nil
}

// Device is a PCI function with a built-in profile.
type Device struct {
	Address   string
	VendorID  uint16
	ProductID uint16
	Profile   string
}

func (d Device) String() string {
	return fmt.Sprintf("%s %04x:%04x %s", d.Address, d.VendorID, d.ProductID, d.Profile)
}

// Scan lists the PCI functions under sysfsRoot that match a profile.
func Scan(sysfsRoot string) ([]Device, error) {
	entries, err := os.ReadDir(filepath.Join(sysfsRoot, "bus/pci/devices"))
	if err != nil {
		return nil, err
	}
	var found []Device
	for _, e := range entries {
		vid, pid, err := DeviceID(sysfsRoot, e.Name())
		if err != nil {
			continue
		}
		p, ok := core.LookupDeviceProfile(protocol.KindDirect, vid, pid)
		if !ok {
			continue
		}
		found = append(found, Device{Address: e.Name(), VendorID: vid, ProductID: pid, Profile: p.Name})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Address < found[j].Address })
	return found, nil
}
