package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport names
const (
	TransportSim    = "sim"
	TransportPCI    = "pci"
	TransportUSB    = "usb"
	TransportSerial = "serial"
)

// Duration is a time.Duration that reads "150ms" style strings or plain
// milliseconds from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x * float64(time.Millisecond)))
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("duration: unexpected %s", b)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Timeouts overrides the engine's wait bounds. Zero fields keep the
// engine defaults.
type Timeouts struct {
	Command       Duration // Command without data
	Busy          Duration // R1b busy wait
	Short         Duration // Ping-pong buffer transfer
	Batch         Duration // Plain register batch
	Data          Duration // DMA payload
	PollInterval  Duration // Bus line and data idle polls
	PollAttempts  int
	VoltageSettle Duration // Regulator settle before the 1.8V line check
}

// ProfileOverrides patch the selected chip profile.
type ProfileOverrides struct {
	NumPhases     int      // Receive phases to search
	PowerOnDelay  Duration // Partial to full power step
	SoftwareCRC7  *bool    // Recompute response CRC7 on the host
	NoUHS         bool     // Stay at 3.3V default speed
	No8Bit        bool     // Never select an 8-bit bus
	MaxDivider    uint8    // Largest SSC post divider
	Driving330    *DrivingOverride
	Driving180    *DrivingOverride
}

// DrivingOverride replaces one pad drive table entry.
type DrivingOverride struct {
	Clk, Cmd, Dat uint8
}

// Config is the complete reader configuration.
type Config struct {
	Transport string // sim, pci, usb or serial
	Profile   string // Chip profile; empty selects by device IDs

	// pci: sysfs address (0000:02:00.0); serial: tty path
	Device string

	VendorID  uint16 // usb match
	ProductID uint16
	BAR       int    // pci register BAR
	DMABuffer string // pci: u-dma-buf device backing DMA memory
	SysfsRoot string
	Baud      int    // serial bridge

	SimCardMB int // sim: card capacity

	Timeouts  Timeouts
	Overrides ProfileOverrides

	LogLevel string // debug, info, warn, error
	Capture  string // Batch trace file, empty to disable
}
