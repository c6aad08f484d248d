// Package serial opens the UART link to a card reader bridge board.
package serial

import (
	"io"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (using github.com/tarm/serial)
// - Mock serial (for testing)
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate of the bridge UART
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultConfig returns the bridge board defaults
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        921600,
		ReadTimeout: 0, // the bridge read loop blocks until Close
	}
}
