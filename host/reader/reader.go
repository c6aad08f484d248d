// Package reader assembles a card reader from configuration: transport,
// chip profile, batch capture and engine, plus the SD card bring-up that
// sits on top of the engine.
package reader

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cardreader/capture"
	"cardreader/chipsim"
	"cardreader/config"
	"cardreader/core"
	"cardreader/host/serial"
	"cardreader/host/usb"
	"cardreader/protocol"
)

// Reader is an opened card reader.
type Reader struct {
	cfg     *config.Config
	log     *zap.Logger
	tr      protocol.Transport
	ctl     *core.Controller
	capture *capture.Writer
	closers []io.Closer

	// set for the sim transport only
	chip *chipsim.Chip

	card *CardInfo
}

// Open builds the transport named by cfg, resolves the chip profile and
// initializes the controller.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Reader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reader{cfg: cfg, log: log}

	p, err := r.openTransport(cfg)
	if err != nil {
		r.closeAll()
		return nil, err
	}

	if cfg.Capture != "" {
		w, err := capture.Create(cfg.Capture, log)
		if err != nil {
			r.closeAll()
			return nil, err
		}
		r.capture = w
		r.closers = append(r.closers, w)
		r.tr.SetRecorder(w)
	}

	r.ctl, err = core.NewController(r.tr, p, cfg.Options(log))
	if err != nil {
		r.closeAll()
		return nil, err
	}
	if err := r.ctl.Init(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("init %s: %w", p.Name, err)
	}
	log.Info("reader ready",
		zap.String("transport", cfg.Transport),
		zap.String("profile", p.Name))
	return r, nil
}

// openTransport sets r.tr and returns the profile for the opened chip.
func (r *Reader) openTransport(cfg *config.Config) (*core.Profile, error) {
	log := r.log
	switch cfg.Transport {
	case config.TransportSim:
		p, err := cfg.ResolveProfile(0, 0, 0)
		if err != nil {
			return nil, err
		}
		r.chip = chipsim.New(chipsim.NewCard(cfg.SimCardMB << 20))
		if p.Kind == protocol.KindDirect {
			r.tr = protocol.NewDirectTransport(chipsim.NewWindow(r.chip), log)
		} else {
			r.tr = protocol.NewPacketTransport(chipsim.NewPipe(r.chip), log)
		}
		return p, nil

	case config.TransportPCI:
		return r.openPCI(cfg)

	case config.TransportUSB:
		vid, pid := cfg.VendorID, cfg.ProductID
		if pid == 0 && cfg.Profile != "" {
			if named, ok := core.LookupProfile(cfg.Profile); ok {
				vid, pid = named.VendorID, named.ProductID
			}
		}
		p, err := cfg.ResolveProfile(protocol.KindPacket, vid, pid)
		if err != nil {
			return nil, err
		}
		pipe, err := usb.Open(vid, pid, log)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, pipe)
		r.tr = protocol.NewPacketTransport(pipe, log)
		return p, nil

	case config.TransportSerial:
		p, err := cfg.ResolveProfile(protocol.KindPacket, cfg.VendorID, cfg.ProductID)
		if err != nil {
			return nil, err
		}
		sc := serial.DefaultConfig(cfg.Device)
		sc.Baud = cfg.Baud
		pipe, err := serial.OpenBridge(sc, log)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, pipe)
		r.tr = protocol.NewPacketTransport(pipe, log)
		return p, nil
	}
	return nil, fmt.Errorf("transport %q: %w", cfg.Transport, protocol.ErrUnsupported)
}

// Controller returns the engine.
func (r *Reader) Controller() *core.Controller {
	return r.ctl
}

// Sim returns the simulated chip, or nil on real hardware.
func (r *Reader) Sim() *chipsim.Chip {
	return r.chip
}

// Capture returns the batch trace writer, or nil when tracing is off.
func (r *Reader) Capture() *capture.Writer {
	return r.capture
}

// Card returns what InitCard learned about the card, or nil.
func (r *Reader) Card() *CardInfo {
	return r.card
}

// SetSimCardPresent inserts or removes the simulated card and tells the
// engine.
func (r *Reader) SetSimCardPresent(present bool) error {
	if r.chip == nil {
		return fmt.Errorf("card insertion needs the sim transport: %w", protocol.ErrUnsupported)
	}
	r.chip.SetCardPresent(present)
	if !present {
		r.card = nil
	}
	r.ctl.NotifyCardEvent(present)
	return nil
}

func (r *Reader) closeAll() error {
	var err error
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i].Close())
	}
	r.closers = nil
	return err
}

// Close stops the engine and releases the transport.
func (r *Reader) Close() error {
	if r.ctl != nil {
		r.ctl.Close()
	}
	return r.closeAll()
}
