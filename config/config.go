// Package config loads reader configuration from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"cardreader/core"
	"cardreader/protocol"
)

// LoadConfig parses a JSON configuration and applies defaults
func LoadConfig(jsonData []byte) (*Config, error) {
	var config Config

	if err := json.Unmarshal(jsonData, &config); err != nil {
		return nil, err
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFile reads and parses the configuration file at path
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills in missing configuration values
func applyDefaults(config *Config) {
	if config.Transport == "" {
		config.Transport = TransportSim
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	switch config.Transport {
	case TransportSim:
		if config.Profile == "" {
			config.Profile = "rts5227"
		}
		if config.SimCardMB == 0 {
			config.SimCardMB = 64
		}
	case TransportPCI:
		if config.SysfsRoot == "" {
			config.SysfsRoot = "/sys"
		}
		if config.DMABuffer == "" {
			config.DMABuffer = "udmabuf0"
		}
	case TransportUSB:
		if config.VendorID == 0 {
			config.VendorID = 0x0BDA
		}
	case TransportSerial:
		if config.Device == "" {
			config.Device = "/dev/ttyACM0"
		}
		if config.Baud == 0 {
			config.Baud = 921600
		}
	}
}

// Validate rejects configurations no transport can open
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportSim, TransportUSB, TransportSerial:
	case TransportPCI:
		if c.Device == "" {
			return fmt.Errorf("pci transport needs a device address: %w", protocol.ErrBadArgument)
		}
	default:
		return fmt.Errorf("transport %q: %w", c.Transport, protocol.ErrBadArgument)
	}
	if c.Profile != "" {
		if _, ok := core.LookupProfile(c.Profile); !ok {
			return fmt.Errorf("profile %q: %w", c.Profile, protocol.ErrBadArgument)
		}
	}
	if c.BAR < 0 || c.BAR > 5 {
		return fmt.Errorf("BAR %d: %w", c.BAR, protocol.ErrBadArgument)
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// DefaultSimConfig returns a configuration for the simulated reader
func DefaultSimConfig() *Config {
	return &Config{
		Transport: TransportSim,
		Profile:   "rts5227",
		SimCardMB: 64,
		LogLevel:  "info",
	}
}

// DefaultPCIConfig returns a configuration for a PCIe reader at addr
func DefaultPCIConfig(addr string) *Config {
	return &Config{
		Transport: TransportPCI,
		Device:    addr,
		SysfsRoot: "/sys",
		DMABuffer: "udmabuf0",
		LogLevel:  "info",
	}
}

// DefaultUSBConfig returns a configuration for a USB reader
func DefaultUSBConfig() *Config {
	return &Config{
		Transport: TransportUSB,
		VendorID:  0x0BDA,
		LogLevel:  "info",
	}
}

// Options converts the timeouts into engine options
func (c *Config) Options(log *zap.Logger) core.Options {
	t := c.Timeouts
	return core.Options{
		Logger:         log,
		CommandTimeout: time.Duration(t.Command),
		BusyTimeout:    time.Duration(t.Busy),
		ShortTimeout:   time.Duration(t.Short),
		BatchTimeout:   time.Duration(t.Batch),
		DataTimeout:    time.Duration(t.Data),
		PollInterval:   time.Duration(t.PollInterval),
		PollAttempts:   t.PollAttempts,
		VoltageSettle:  time.Duration(t.VoltageSettle),
	}
}

// ResolveProfile returns a copy of the configured profile, or the one
// matching the given device IDs, with the overrides applied
func (c *Config) ResolveProfile(kind protocol.Kind, vid, pid uint16) (*core.Profile, error) {
	var p *core.Profile
	var ok bool
	if c.Profile != "" {
		p, ok = core.LookupProfile(c.Profile)
	} else {
		p, ok = core.LookupDeviceProfile(kind, vid, pid)
	}
	if !ok {
		return nil, fmt.Errorf("no profile for %04x:%04x: %w", vid, pid, protocol.ErrUnsupported)
	}
	p = p.Clone()

	o := c.Overrides
	if o.NumPhases != 0 {
		p.NumPhases = o.NumPhases
	}
	if o.PowerOnDelay != 0 {
		p.PowerOnDelay = time.Duration(o.PowerOnDelay)
	}
	if o.SoftwareCRC7 != nil {
		p.SoftwareCRC7 = *o.SoftwareCRC7
	}
	if o.NoUHS {
		p.Caps &^= core.CapUHS | core.CapVoltageSwitch
		delete(p.SignalVoltage, core.Voltage180)
	}
	if o.No8Bit {
		p.Caps &^= core.Cap8Bit
	}
	if o.MaxDivider != 0 {
		p.MaxDivider = o.MaxDivider
	}
	if d := o.Driving330; d != nil {
		p.Driving[core.Voltage330] = core.Driving{Clk: d.Clk, Cmd: d.Cmd, Dat: d.Dat}
	}
	if d := o.Driving180; d != nil {
		p.Driving[core.Voltage180] = core.Driving{Clk: d.Clk, Cmd: d.Cmd, Dat: d.Dat}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile overrides: %w", err)
	}
	return p, nil
}

// Logger builds a development logger at the configured level
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = level
	zc.DisableStacktrace = true
	return zc.Build()
}
