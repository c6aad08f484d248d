package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"

	"cardreader/protocol"
)

// Voltage is an SD signalling level in millivolts.
type Voltage int

const (
	Voltage330 Voltage = 3300
	Voltage180 Voltage = 1800
)

func (v Voltage) String() string {
	return fmt.Sprintf("%d.%dV", v/1000, v%1000/100)
}

// RegBit names a single control bit.
type RegBit struct {
	Addr uint16
	Bit  uint8
}

// Caps are optional capabilities of a chip variant.
type Caps uint32

const (
	Cap8Bit Caps = 1 << iota
	CapUHS
	CapVoltageSwitch
)

// Driving holds the SD 3.0 pad drive strengths for one signalling level.
type Driving struct {
	Clk, Cmd, Dat uint8
}

// Profile describes one chip variant. Everything the engine does
// differently per variant is data here; the code paths are shared.
type Profile struct {
	Name      string
	Kind      protocol.Kind
	VendorID  uint16
	ProductID uint16
	Caps      Caps

	// Tuning. The sample phase is selected in RXPhaseReg; the phase
	// generator is reset through PhaseResetReg.
	NumPhases     int
	RXPhaseReg    uint16
	PhaseResetReg uint16

	// Clock synthesizer
	InitialClock   physic.Frequency
	InitialDivider uint8
	MinSSCMHz      int
	MinN, MaxN     int
	MinDivider     uint8
	MaxDivider     uint8
	NMul, NDiv     int
	NOffset        int
	MCUDividend    int
	ClockDivMask   uint8
	ClockGate      RegBit
	StableWait     time.Duration

	// SSCSettle is written once the synthesizer restarts.
	SSCSettle []protocol.RegisterOp

	// Card control
	CardDetect     RegBit
	PowerOnDelay   time.Duration
	PullCtlEnable  []protocol.RegisterOp
	PullCtlDisable []protocol.RegisterOp
	SignalVoltage  map[Voltage][]protocol.RegisterOp
	Driving        map[Voltage]Driving
	BringUp        []protocol.RegisterOp

	// SoftwareCRC7 recomputes the CRC7 of short responses on the host, for
	// parts whose CRC7 status flag is unreliable.
	SoftwareCRC7 bool
}

// toN converts an SSC clock in MHz to the synthesizer's N value.
func (p *Profile) toN(mhz int) int {
	return mhz*p.NMul/p.NDiv - p.NOffset
}

// toClock is the inverse of toN.
func (p *Profile) toClock(n int) int {
	return (n + p.NOffset) * p.NDiv / p.NMul
}

// Validate checks that p is usable.
func (p *Profile) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("profile: empty name: %w", protocol.ErrBadArgument)
	case p.NumPhases <= 0 || p.NumPhases > 32:
		return fmt.Errorf("profile %s: %d phases: %w", p.Name, p.NumPhases, protocol.ErrBadArgument)
	case p.NMul <= 0 || p.NDiv <= 0:
		return fmt.Errorf("profile %s: clock map %d/%d: %w", p.Name, p.NMul, p.NDiv, protocol.ErrBadArgument)
	case p.MinN > p.MaxN || p.MinDivider > p.MaxDivider:
		return fmt.Errorf("profile %s: empty clock range: %w", p.Name, protocol.ErrBadArgument)
	case p.MCUDividend <= 0:
		return fmt.Errorf("profile %s: mcu dividend %d: %w", p.Name, p.MCUDividend, protocol.ErrBadArgument)
	}
	return nil
}

// Clone returns a copy of p that can be modified without touching the
// registered profile.
func (p *Profile) Clone() *Profile {
	c := *p
	c.PullCtlEnable = append([]protocol.RegisterOp(nil), p.PullCtlEnable...)
	c.PullCtlDisable = append([]protocol.RegisterOp(nil), p.PullCtlDisable...)
	c.BringUp = append([]protocol.RegisterOp(nil), p.BringUp...)
	c.SSCSettle = append([]protocol.RegisterOp(nil), p.SSCSettle...)
	c.SignalVoltage = make(map[Voltage][]protocol.RegisterOp, len(p.SignalVoltage))
	for v, ops := range p.SignalVoltage {
		c.SignalVoltage[v] = append([]protocol.RegisterOp(nil), ops...)
	}
	c.Driving = make(map[Voltage]Driving, len(p.Driving))
	for v, d := range p.Driving {
		c.Driving[v] = d
	}
	return &c
}

// ProfileRegistry holds the known chip variants
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	ids      map[uint64]string
}

var globalProfiles = NewProfileRegistry()

// NewProfileRegistry creates an empty registry
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{
		profiles: make(map[string]*Profile),
		ids:      make(map[uint64]string),
	}
}

// RegisterProfile adds p to the global registry
func RegisterProfile(p *Profile) error {
	return globalProfiles.Register(p)
}

// LookupProfile finds a profile in the global registry by name
func LookupProfile(name string) (*Profile, bool) {
	return globalProfiles.Get(name)
}

// LookupDeviceProfile finds the profile for a vendor/device pair on the
// given bus
func LookupDeviceProfile(kind protocol.Kind, vid, pid uint16) (*Profile, bool) {
	return globalProfiles.ByDeviceID(kind, vid, pid)
}

// ProfileNames lists the globally registered profiles
func ProfileNames() []string {
	return globalProfiles.Names()
}

// ProfileCount returns the number of globally registered profiles
func ProfileCount() int {
	return globalProfiles.Count()
}

// Register adds a profile. Names must be unique.
func (r *ProfileRegistry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[p.Name]; exists {
		return fmt.Errorf("profile %s already registered: %w", p.Name, protocol.ErrBusy)
	}
	r.profiles[p.Name] = p
	if p.VendorID != 0 {
		r.ids[deviceKey(p.Kind, p.VendorID, p.ProductID)] = p.Name
	}
	return nil
}

// Get retrieves a profile by name
func (r *ProfileRegistry) Get(name string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

func deviceKey(kind protocol.Kind, vid, pid uint16) uint64 {
	return uint64(kind)<<32 | uint64(vid)<<16 | uint64(pid)
}

// ByDeviceID retrieves a profile by bus IDs
func (r *ProfileRegistry) ByDeviceID(kind protocol.Kind, vid, pid uint16) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.ids[deviceKey(kind, vid, pid)]
	if !ok {
		return nil, false
	}
	return r.profiles[name], true
}

// Names returns the sorted profile names
func (r *ProfileRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered profiles
func (r *ProfileRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}
