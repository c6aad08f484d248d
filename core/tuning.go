package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cardreader/protocol"
)

// NoPhase is returned when no sample phase is usable.
const NoPhase = 0xFF

const tuningTrials = 3

// PhaseMap has bit i set when sample phase i passed.
type PhaseMap struct {
	Bits  uint32
	Width int
}

// FullPhaseMap returns a map with every one of width phases set.
func FullPhaseMap(width int) PhaseMap {
	if width >= 32 {
		return PhaseMap{Bits: 0xFFFFFFFF, Width: 32}
	}
	return PhaseMap{Bits: 1<<uint(width) - 1, Width: width}
}

// Has reports whether phase i passed.
func (m PhaseMap) Has(i int) bool {
	return m.Bits&(1<<uint(i%m.Width)) != 0
}

func (m PhaseMap) String() string {
	return fmt.Sprintf("%0*b", m.Width, m.Bits)
}

// PhaseRunLength counts consecutive passing phases from start, wrapping
// around, up to a full revolution.
func PhaseRunLength(m PhaseMap, start int) int {
	for i := 0; i < m.Width; i++ {
		if !m.Has(start + i) {
			return i
		}
	}
	return m.Width
}

// SearchFinalPhase picks the middle of the longest run of passing phases.
// The first of equally long runs wins. An empty map gives NoPhase.
func SearchFinalPhase(m PhaseMap) int {
	if m.Bits == 0 || m.Width == 0 {
		return NoPhase
	}
	bestStart, bestLen := 0, 0
	for start := 0; start < m.Width; {
		l := PhaseRunLength(m, start)
		if l > bestLen {
			bestStart, bestLen = start, l
		}
		start += max(l, 1)
	}
	return (bestStart + bestLen/2) % m.Width
}

// tuneReceive finds and applies the receive sample phase.
func (c *Controller) tuneReceive(ctx context.Context, op uint8) (int, error) {
	if !isTuning(op) {
		return NoPhase, fmt.Errorf("cmd%d is not a tuning command: %w", op, protocol.ErrBadArgument)
	}
	if !c.present {
		return NoPhase, fmt.Errorf("tuning: %w", protocol.ErrNoMedia)
	}
	size := 64
	if op == OpSendTuningHS200 && c.busWidth == 8 {
		size = 128
	}
	return c.tuneWith(ctx, func(phase int) (bool, error) {
		return c.measurePhase(ctx, op, size, phase)
	})
}

// tuneWith runs the tuning trials with measure probing one phase.
func (c *Controller) tuneWith(ctx context.Context, measure func(phase int) (bool, error)) (phase int, err error) {
	defer func() {
		c.record(EvtTune, 0, 0, uint32(phase), err)
	}()

	n := c.profile.NumPhases
	final := FullPhaseMap(n)
	for trial := 0; trial < tuningTrials; trial++ {
		raw := PhaseMap{Width: n}
		for i := 0; i < n; i++ {
			ok, err := measure(i)
			if err != nil {
				return NoPhase, err
			}
			if ok {
				raw.Bits |= 1 << uint(i)
			}
		}
		c.log.Debug("tuning trial", zap.Int("trial", trial), zap.Stringer("map", raw))
		final.Bits &= raw.Bits
		if raw.Bits == 0 {
			break
		}
	}
	c.log.Debug("tuning result", zap.Stringer("map", final))
	if final.Bits == 0 {
		return NoPhase, fmt.Errorf("tuning: no phase passed every trial: %w", protocol.ErrInvalid)
	}

	phase = SearchFinalPhase(final)
	if err := c.changePhase(ctx, phase); err != nil {
		return NoPhase, fmt.Errorf("tuning: apply phase %d: %w", phase, err)
	}
	c.phase = phase
	c.log.Debug("rx phase selected", zap.Int("phase", phase))
	return phase, nil
}

// measurePhase sends one tuning block at the given phase.
func (c *Controller) measurePhase(ctx context.Context, op uint8, size, phase int) (bool, error) {
	if err := c.changePhase(ctx, phase); err != nil {
		return false, err
	}
	cmd := &Command{Op: op, Resp: RespR1}
	err := c.readShort(ctx, cmd, &Data{Dir: protocol.DirFromCard, BlockSize: size, Blocks: 1})
	if err == nil {
		return true, nil
	}
	c.log.Debug("tuning probe failed", zap.Int("phase", phase), zap.Error(err))
	if werr := c.waitDataIdle(ctx); werr != nil {
		c.log.Debug("data lines busy after probe", zap.Error(werr))
	}
	if cerr := c.clearError(ctx); cerr != nil {
		c.log.Warn("clear after tuning probe failed", zap.Error(cerr))
	}
	return false, nil
}

// changePhase selects the receive sample phase, resetting the phase
// generator around the change.
func (c *Controller) changePhase(ctx context.Context, phase int) error {
	p := c.profile
	gate := p.ClockGate
	return c.runBatch(ctx, []protocol.RegisterOp{
		protocol.Write(gate.Addr, gate.Bit, gate.Bit),
		protocol.Write(p.PhaseResetReg, protocol.PhaseNotReset, 0),
		protocol.Write(p.RXPhaseReg, protocol.PhaseSelectMask, uint8(phase)),
		protocol.Write(p.PhaseResetReg, protocol.PhaseNotReset, protocol.PhaseNotReset),
		protocol.Write(gate.Addr, gate.Bit, 0),
		protocol.Write(protocol.SDCfg1, protocol.SDAsyncFIFONotRst, 0),
	}, c.opts.BatchTimeout)
}

// waitDataIdle polls until the SD data state machine is idle.
func (c *Controller) waitDataIdle(ctx context.Context) error {
	return protocol.Poll(ctx, c.opts.pollTimeout(), c.opts.PollInterval, func() (bool, error) {
		v, err := c.t.ReadRegister(ctx, protocol.SDDataState)
		if err != nil {
			return false, err
		}
		return v&protocol.SDDataIdle != 0, nil
	})
}
