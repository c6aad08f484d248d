package serial

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"cardreader/protocol"
)

// NativePort wraps the tarm/serial implementation
type NativePort struct {
	port *serial.Port
	cfg  *Config
}

// Open opens a native serial port
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("serial: nil config: %w", protocol.ErrBadArgument)
	}

	serialConfig := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeout) * time.Millisecond,
	}

	port, err := serial.OpenPort(serialConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}

	return &NativePort{
		port: port,
		cfg:  cfg,
	}, nil
}

// Read reads data from the serial port
func (p *NativePort) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

// Write writes data to the serial port
func (p *NativePort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the serial port
func (p *NativePort) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Flush discards unread input left over from a previous session.
func (p *NativePort) Flush() error {
	return p.port.Flush()
}

// OpenBridge opens the bridge UART and returns a pipe for the packet
// transport.
func OpenBridge(cfg *Config, log *zap.Logger) (*protocol.BridgePipe, error) {
	port, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return NewBridge(port, log)
}

// NewBridge flushes port and starts a bridge pipe on it.
func NewBridge(port Port, log *zap.Logger) (*protocol.BridgePipe, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial flush: %w", err)
	}
	log.Debug("bridge started")
	return protocol.NewBridgePipe(port), nil
}
