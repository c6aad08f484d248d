package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"cardreader/protocol"
)

// SSCDepth is a spread-spectrum modulation depth class.
type SSCDepth uint8

const (
	SSCDepthDefault SSCDepth = iota // 500 kHz
	SSCDepth4M
	SSCDepth2M
	SSCDepth1M
	SSCDepth500K
	SSCDepth250K
)

func (d SSCDepth) String() string {
	switch d {
	case SSCDepth4M:
		return "4M"
	case SSCDepth2M:
		return "2M"
	case SSCDepth1M:
		return "1M"
	case SSCDepth500K, SSCDepthDefault:
		return "500K"
	case SSCDepth250K:
		return "250K"
	}
	return fmt.Sprintf("depth(%d)", uint8(d))
}

// reg returns the SSC_CTL2 depth value for d.
func (d SSCDepth) reg() uint8 {
	switch d {
	case SSCDepth4M:
		return protocol.SSCDepth4M
	case SSCDepth2M:
		return protocol.SSCDepth2M
	case SSCDepth1M:
		return protocol.SSCDepth1M
	case SSCDepth250K:
		return protocol.SSCDepth250K
	}
	return protocol.SSCDepth500K
}

// doubleDepth steps a depth register value one class deeper, stopping at
// the deepest enabled class.
func doubleDepth(depth uint8) uint8 {
	if depth > protocol.SSCDepth4M {
		return depth - 1
	}
	return depth
}

// ClockConfig is a card clock request.
type ClockConfig struct {
	Clock physic.Frequency
	Depth SSCDepth

	// Initial selects the profile's fixed identification clock.
	Initial bool
	// Double runs the synthesizer at twice the card clock.
	Double bool
	// VariablePhase resets the phase generator after the switch.
	VariablePhase bool
}

// ClockSettings are the register values derived from a ClockConfig.
type ClockSettings struct {
	SSCMHz    int
	N         uint8
	Divider   uint8
	MCU       uint8
	Depth     uint8
	SDDivider uint8
}

// ComputeClock derives synthesizer settings for cfg on chip p. It does
// not touch hardware.
func ComputeClock(p *Profile, cfg ClockConfig) (ClockSettings, error) {
	clk := cfg.Clock
	sdDiv := uint8(protocol.SDClkDivide0)
	if cfg.Initial {
		clk = p.InitialClock
		sdDiv = p.InitialDivider
	}

	mhz := int(clk / physic.MegaHertz)
	if cfg.Double && !cfg.Initial {
		mhz *= 2
	}
	s := ClockSettings{SSCMHz: mhz, SDDivider: sdDiv}

	n := p.toN(mhz)
	if mhz <= p.MinSSCMHz {
		return s, fmt.Errorf("ssc clock %d MHz at or below %d MHz: %w", mhz, p.MinSSCMHz, protocol.ErrInvalid)
	}
	if n < 0 || n > p.MaxN {
		return s, fmt.Errorf("ssc clock %d MHz: N %d out of range: %w", mhz, n, protocol.ErrInvalid)
	}
	s.MCU = uint8(min(p.MCUDividend/mhz+3, 15))

	div := p.MinDivider
	for n < p.MinN && div < p.MaxDivider {
		n = p.toN(p.toClock(n) * 2)
		div++
	}
	s.N = uint8(n)
	s.Divider = div

	depth := cfg.Depth.reg()
	if cfg.Double {
		depth = doubleDepth(depth)
	}
	if div > p.MinDivider {
		if depth > div-1 {
			depth -= div - 1
		} else {
			depth = protocol.SSCDepth4M
		}
	}
	s.Depth = depth
	return s, nil
}

const switchTimeout = 2 * time.Second

// switchClock programs the synthesizer for cfg unless it already runs at
// the requested clock, in which case no register is touched.
func (c *Controller) switchClock(ctx context.Context, cfg ClockConfig) error {
	p := c.profile
	if cfg.Clock == 0 && !cfg.Initial {
		c.clockMHz = 0
		return nil
	}
	s, err := ComputeClock(p, cfg)
	if err != nil {
		return err
	}
	if s.SSCMHz == c.clockMHz && s.SDDivider == c.clockDiv {
		return nil
	}

	c.log.Debug("switch clock",
		zap.Int("ssc_mhz", s.SSCMHz),
		zap.Uint8("n", s.N),
		zap.Uint8("div", s.Divider),
		zap.Uint8("mcu", s.MCU),
		zap.Uint8("depth", s.Depth),
		zap.Bool("initial", cfg.Initial),
		zap.Bool("double", cfg.Double))

	gate := p.ClockGate
	ops := []protocol.RegisterOp{
		protocol.Write(protocol.SDCfg1, protocol.SDClkDivideMask, s.SDDivider),
		protocol.Write(gate.Addr, gate.Bit, gate.Bit),
		protocol.Write(protocol.CLKDiv, p.ClockDivMask, s.Divider<<4|s.MCU),
		protocol.Write(protocol.SSCCtl1, protocol.SSCRstb, 0),
		protocol.Write(protocol.SSCCtl2, protocol.SSCDepthMask, s.Depth),
		protocol.Write(protocol.SSCDivN0, 0xFF, s.N),
		protocol.Write(protocol.SSCCtl1, protocol.SSCRstb, protocol.SSCRstb),
	}
	if cfg.VariablePhase {
		ops = append(ops,
			protocol.Write(protocol.SDVPClk0Ctl, protocol.PhaseNotReset, 0),
			protocol.Write(protocol.SDVPClk0Ctl, protocol.PhaseNotReset, protocol.PhaseNotReset))
	}
	ops = append(ops, p.SSCSettle...)
	if err := c.runBatch(ctx, ops, switchTimeout); err != nil {
		c.clockMHz = 0
		c.record(EvtClock, 0, 0, uint32(s.SSCMHz), err)
		return fmt.Errorf("switch clock to %d MHz: %w", s.SSCMHz, err)
	}

	time.Sleep(p.StableWait)
	if err := c.t.WriteRegister(ctx, gate.Addr, gate.Bit, 0); err != nil {
		c.clockMHz = 0
		c.record(EvtClock, 0, 0, uint32(s.SSCMHz), err)
		return fmt.Errorf("switch clock to %d MHz: %w", s.SSCMHz, err)
	}
	c.clockMHz, c.clockDiv = s.SSCMHz, s.SDDivider
	c.record(EvtClock, 0, 0, uint32(s.SSCMHz), nil)
	return nil
}
