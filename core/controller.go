// Package core is the card reader engine: SD transactions, clock and phase
// control, and card management on top of a protocol.Transport.
package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cardreader/protocol"
)

// Options configure a Controller. Zero fields take the defaults.
type Options struct {
	Logger *zap.Logger

	CommandTimeout time.Duration // Case 1 commands
	BusyTimeout    time.Duration // R1b commands
	ShortTimeout   time.Duration // Case 2 transfers
	BatchTimeout   time.Duration // plain register batches
	DataTimeout    time.Duration // Case 3 payload

	// Bounded polls (bus lines, data idle) sleep PollInterval between at
	// most PollAttempts reads.
	PollInterval time.Duration
	PollAttempts int

	// VoltageSettle is how long the card regulator gets after a switch to
	// 1.8V before the bus lines are checked.
	VoltageSettle time.Duration

	QueueDepth int
}

// DefaultOptions returns the timeouts the chip documentation calls for.
func DefaultOptions() Options {
	return Options{
		CommandTimeout: 100 * time.Millisecond,
		BusyTimeout:    3000 * time.Millisecond,
		ShortTimeout:   200 * time.Millisecond,
		BatchTimeout:   100 * time.Millisecond,
		DataTimeout:    10 * time.Second,
		PollInterval:   20 * time.Millisecond,
		PollAttempts:   200,
		VoltageSettle:  50 * time.Millisecond,
		QueueDepth:     64,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = d.CommandTimeout
	}
	if o.BusyTimeout == 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.ShortTimeout == 0 {
		o.ShortTimeout = d.ShortTimeout
	}
	if o.BatchTimeout == 0 {
		o.BatchTimeout = d.BatchTimeout
	}
	if o.DataTimeout == 0 {
		o.DataTimeout = d.DataTimeout
	}
	if o.PollInterval == 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PollAttempts == 0 {
		o.PollAttempts = d.PollAttempts
	}
	if o.VoltageSettle == 0 {
		o.VoltageSettle = d.VoltageSettle
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = d.QueueDepth
	}
}

func (o *Options) pollTimeout() time.Duration {
	return o.PollInterval * time.Duration(o.PollAttempts)
}

// Controller drives one card reader. All chip access runs on its executor,
// so methods are safe for concurrent use and execute in call order.
type Controller struct {
	t       protocol.Transport
	profile *Profile
	opts    Options
	log     *zap.Logger
	exec    *Executor
	dma     *dmaEngine

	// State below is owned by the executor goroutine.
	clockMHz int   // cached SSC clock, 0 when unknown
	clockDiv uint8 // SD_CFG1 divider programmed with clockMHz
	present  bool
	busWidth int
	voltage  Voltage
	phase    int
	history  History
	onCard   func(present bool)
}

// NewController binds a transport to a chip profile. The profile must be
// for the transport's bus.
func NewController(t protocol.Transport, p *Profile, opts Options) (*Controller, error) {
	if t == nil || p == nil {
		return nil, fmt.Errorf("controller: nil transport or profile: %w", protocol.ErrBadArgument)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if t.Kind() != p.Kind {
		return nil, fmt.Errorf("profile %s needs a %v transport, got %v: %w",
			p.Name, p.Kind, t.Kind(), protocol.ErrBadArgument)
	}
	opts.applyDefaults()
	c := &Controller{
		t:        t,
		profile:  p,
		opts:     opts,
		log:      opts.Logger.With(zap.String("chip", p.Name)),
		busWidth: 1,
		voltage:  Voltage330,
		phase:    NoPhase,
	}
	c.exec = NewExecutor(opts.QueueDepth, c.log)
	c.dma = &dmaEngine{t: t, log: c.log}
	return c, nil
}

// Close stops the executor. Pending calls fail with ErrClosed.
func (c *Controller) Close() {
	c.exec.Close()
}

// Profile returns the chip profile the controller was built with.
func (c *Controller) Profile() *Profile {
	return c.profile
}

// do runs fn on the executor. Once fn starts it is not interrupted by
// ctx; only timeouts bound it.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context) error) error {
	inner := context.WithoutCancel(ctx)
	return c.exec.Do(ctx, func() error { return fn(inner) })
}

// Init applies the profile's bring-up registers and probes for a card.
func (c *Controller) Init(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context) error {
		if err := c.initChip(ctx); err != nil {
			return err
		}
		_, err := c.cardPresent(ctx)
		return err
	})
}

// Request executes one storage request.
func (c *Controller) Request(ctx context.Context, req *Request) Result {
	var res Result
	err := c.do(ctx, func(ctx context.Context) error {
		res = c.request(ctx, req)
		return nil
	})
	if err != nil {
		return Result{Err: err}
	}
	return res
}

// SendCommand executes a command without data.
func (c *Controller) SendCommand(ctx context.Context, cmd *Command) Result {
	return c.Request(ctx, &Request{Cmd: cmd})
}

// SwitchClock reprograms the card clock.
func (c *Controller) SwitchClock(ctx context.Context, cfg ClockConfig) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.switchClock(ctx, cfg)
	})
}

// ClockMHz returns the cached SSC clock, 0 when unknown.
func (c *Controller) ClockMHz(ctx context.Context) (int, error) {
	var mhz int
	err := c.do(ctx, func(context.Context) error {
		mhz = c.clockMHz
		return nil
	})
	return mhz, err
}

// TuneReceive searches for the best receive sample phase using the given
// tuning opcode and applies it.
func (c *Controller) TuneReceive(ctx context.Context, op uint8) (int, error) {
	var phase int
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		phase, err = c.tuneReceive(ctx, op)
		return err
	})
	return phase, err
}

// CardPresent reads the card-detect state.
func (c *Controller) CardPresent(ctx context.Context) (bool, error) {
	var present bool
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		present, err = c.cardPresent(ctx)
		return err
	})
	return present, err
}

// PowerOn powers the card slot.
func (c *Controller) PowerOn(ctx context.Context) error {
	return c.do(ctx, c.powerOn)
}

// PowerOff removes card power.
func (c *Controller) PowerOff(ctx context.Context) error {
	return c.do(ctx, c.powerOff)
}

// SetBusWidth selects a 1, 4 or 8 bit data bus.
func (c *Controller) SetBusWidth(ctx context.Context, width int) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.setBusWidth(ctx, width)
	})
}

// SwitchVoltage changes the signalling level.
func (c *Controller) SwitchVoltage(ctx context.Context, v Voltage) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.switchVoltage(ctx, v)
	})
}

// SetDriving applies the pad drive strengths for v.
func (c *Controller) SetDriving(ctx context.Context, v Voltage) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.setDriving(ctx, v)
	})
}

// ResetHardware clears error state on host and card side and forgets the
// programmed clock.
func (c *Controller) ResetHardware(ctx context.Context) error {
	return c.do(ctx, c.resetHardware)
}

// NotifyCardEvent reports an insertion or removal. The update is queued
// behind work already submitted.
func (c *Controller) NotifyCardEvent(present bool) bool {
	return c.exec.Post(func() {
		c.cardEvent(present)
	})
}

// OnCardEvent installs fn to be called, on the executor, whenever the card
// presence changes.
func (c *Controller) OnCardEvent(ctx context.Context, fn func(present bool)) error {
	return c.do(ctx, func(context.Context) error {
		c.onCard = fn
		return nil
	})
}

// ReadRegister reads one chip register.
func (c *Controller) ReadRegister(ctx context.Context, addr uint16) (uint8, error) {
	var v uint8
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		v, err = c.t.ReadRegister(ctx, addr)
		return err
	})
	return v, err
}

// WriteRegister writes the masked bits of one chip register.
func (c *Controller) WriteRegister(ctx context.Context, addr uint16, mask, value uint8) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.t.WriteRegister(ctx, addr, mask, value)
	})
}

// History returns recent engine events, oldest first.
func (c *Controller) History(ctx context.Context) ([]Event, error) {
	var events []Event
	err := c.do(ctx, func(context.Context) error {
		events = c.history.Events()
		return nil
	})
	return events, err
}

// enqueue appends ops to the open batch.
func (c *Controller) enqueue(ops ...protocol.RegisterOp) error {
	for _, op := range ops {
		if err := c.t.Enqueue(op); err != nil {
			return err
		}
	}
	return nil
}

// runBatch executes ops as one or more capacity-sized batches.
func (c *Controller) runBatch(ctx context.Context, ops []protocol.RegisterOp, timeout time.Duration) error {
	for len(ops) > 0 {
		n := min(len(ops), c.t.Capacity())
		c.t.Begin()
		if err := c.enqueue(ops[:n]...); err != nil {
			return err
		}
		if err := c.t.End(ctx, timeout, 0); err != nil {
			return err
		}
		ops = ops[n:]
	}
	return nil
}
