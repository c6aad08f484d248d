//go:build linux

package reader

import (
	"cardreader/config"
	"cardreader/core"
	"cardreader/host/pci"
	"cardreader/protocol"
)

func (r *Reader) openPCI(cfg *config.Config) (*core.Profile, error) {
	vid, pid, err := pci.DeviceID(cfg.SysfsRoot, cfg.Device)
	if err != nil {
		return nil, err
	}
	p, err := cfg.ResolveProfile(protocol.KindDirect, vid, pid)
	if err != nil {
		return nil, err
	}
	win, err := pci.Open(pci.Config{
		SysfsRoot: cfg.SysfsRoot,
		DevRoot:   "/dev",
		Address:   cfg.Device,
		BAR:       cfg.BAR,
		DMABuffer: cfg.DMABuffer,
	}, r.log)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, win)
	r.tr = protocol.NewDirectTransport(win, r.log)
	return p, nil
}
