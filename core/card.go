package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cardreader/protocol"
)

const busLines = protocol.SDCmdStatus | protocol.SDDATStatusMask

// cardPresent reads the card-detect bit and refreshes the cached state.
func (c *Controller) cardPresent(ctx context.Context) (bool, error) {
	det := c.profile.CardDetect
	v, err := c.t.ReadRegister(ctx, det.Addr)
	if err != nil {
		return false, fmt.Errorf("card detect: %w", err)
	}
	present := v&det.Bit != 0
	if present != c.present {
		c.cardEvent(present)
	}
	return present, nil
}

// cardEvent updates the presence state. A removed card loses its clock
// and tuning.
func (c *Controller) cardEvent(present bool) {
	c.record(EvtCardEvent, 0, 0, boolValue(present), nil)
	if present == c.present {
		return
	}
	c.present = present
	c.log.Info("card", zap.Bool("present", present))
	if !present {
		c.clockMHz = 0
		c.phase = NoPhase
		c.busWidth = 1
	}
	if c.onCard != nil {
		c.onCard(present)
	}
}

func boolValue(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// initChip applies the profile's bring-up registers.
func (c *Controller) initChip(ctx context.Context) error {
	if err := c.runBatch(ctx, c.profile.BringUp, c.opts.BatchTimeout); err != nil {
		return fmt.Errorf("init %s: %w", c.profile.Name, err)
	}
	if d, ok := c.profile.Driving[Voltage330]; ok {
		if err := c.applyDriving(ctx, d); err != nil {
			return fmt.Errorf("init %s: %w", c.profile.Name, err)
		}
	}
	c.clockMHz = 0
	c.log.Debug("chip initialized", zap.Int("ops", len(c.profile.BringUp)))
	return nil
}

// powerOn selects the SD slot, then ramps card power through the partial
// step before enabling the outputs.
func (c *Controller) powerOn(ctx context.Context) error {
	p := c.profile
	ops := []protocol.RegisterOp{
		protocol.Write(protocol.CardSelect, protocol.CardSelectMask, protocol.SDModSel),
		protocol.Write(protocol.CardShareMode, protocol.CardShareMask, protocol.CardShare48SD),
		protocol.Write(protocol.CardClkEn, protocol.SDClkEn, protocol.SDClkEn),
	}
	ops = append(ops, p.PullCtlEnable...)
	if err := c.runBatch(ctx, ops, c.opts.BatchTimeout); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if err := c.t.WriteRegister(ctx, protocol.CardPwrCtl, protocol.SDPowerMask, protocol.SDPartialPowerOn); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	time.Sleep(p.PowerOnDelay)
	if err := c.t.WriteRegister(ctx, protocol.CardPwrCtl, protocol.SDPowerMask, protocol.SDPowerOn); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	if err := c.t.WriteRegister(ctx, protocol.CardOE, protocol.SDOutputEn, protocol.SDOutputEn); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	c.log.Debug("card powered on")
	return nil
}

// powerOff disables clock and outputs and removes power.
func (c *Controller) powerOff(ctx context.Context) error {
	ops := []protocol.RegisterOp{
		protocol.Write(protocol.CardClkEn, protocol.SDClkEn, 0),
		protocol.Write(protocol.CardOE, protocol.SDOutputEn, 0),
		protocol.Write(protocol.CardPwrCtl, protocol.SDPowerMask, protocol.SDPowerOff),
	}
	ops = append(ops, c.profile.PullCtlDisable...)
	c.clockMHz = 0
	c.phase = NoPhase
	if err := c.runBatch(ctx, ops, c.opts.BatchTimeout); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	c.log.Debug("card powered off")
	return nil
}

// setBusWidth programs the data bus width.
func (c *Controller) setBusWidth(ctx context.Context, width int) error {
	var v uint8
	switch width {
	case 1:
		v = protocol.SDBusWidth1
	case 4:
		v = protocol.SDBusWidth4
	case 8:
		if c.profile.Caps&Cap8Bit == 0 {
			return fmt.Errorf("%s has no 8-bit bus: %w", c.profile.Name, protocol.ErrUnsupported)
		}
		v = protocol.SDBusWidth8
	default:
		return fmt.Errorf("bus width %d: %w", width, protocol.ErrBadArgument)
	}
	if err := c.t.WriteRegister(ctx, protocol.SDCfg1, protocol.SDBusWidthMask, v); err != nil {
		return fmt.Errorf("bus width %d: %w", width, err)
	}
	c.busWidth = width
	return nil
}

// switchVoltage moves the signalling level. Going to 1.8V follows CMD11:
// the card must hold its lines low, the clock stops while the regulator
// switches, and the lines must come back high once it restarts.
func (c *Controller) switchVoltage(ctx context.Context, v Voltage) error {
	ops, ok := c.profile.SignalVoltage[v]
	if !ok {
		return fmt.Errorf("%s: signal voltage %v: %w", c.profile.Name, v, protocol.ErrUnsupported)
	}
	low := v == Voltage180
	if low {
		if err := c.waitLinesLow(ctx); err != nil {
			return err
		}
	}
	if err := c.runBatch(ctx, ops, c.opts.BatchTimeout); err != nil {
		return fmt.Errorf("signal voltage %v: %w", v, err)
	}
	if err := c.setDriving(ctx, v); err != nil {
		return err
	}
	if low {
		if err := c.waitLinesHigh(ctx); err != nil {
			return err
		}
	}
	c.voltage = v
	c.log.Debug("signal voltage", zap.Stringer("v", v))
	return nil
}

// waitLinesLow checks that the card drives CMD and DAT low after the
// voltage switch command, then stops the clock.
func (c *Controller) waitLinesLow(ctx context.Context) error {
	time.Sleep(time.Millisecond)
	stat, err := c.t.ReadRegister(ctx, protocol.SDBusStat)
	if err != nil {
		return fmt.Errorf("voltage switch: %w", err)
	}
	if stat&busLines != 0 {
		return fmt.Errorf("voltage switch: bus lines 0x%02X not low: %w", stat&busLines, protocol.ErrInvalid)
	}
	if err := c.t.WriteRegister(ctx, protocol.SDBusStat, 0xFF, protocol.SDClkForceStop); err != nil {
		return fmt.Errorf("voltage switch: %w", err)
	}
	return nil
}

// waitLinesHigh restarts the clock and polls until the lines read high at
// the new level. On failure the clock is stopped for good.
func (c *Controller) waitLinesHigh(ctx context.Context) error {
	time.Sleep(c.opts.VoltageSettle)
	if err := c.t.WriteRegister(ctx, protocol.SDBusStat, 0xFF, protocol.SDClkToggleEn); err != nil {
		return fmt.Errorf("voltage switch: %w", err)
	}
	const toggle = protocol.SDClkToggleEn | protocol.SDClkForceStop
	err := protocol.Poll(ctx, c.opts.pollTimeout(), c.opts.PollInterval, func() (bool, error) {
		stat, err := c.t.ReadRegister(ctx, protocol.SDBusStat)
		if err != nil {
			return false, err
		}
		return stat&busLines == busLines, nil
	})
	if err != nil {
		err = multierr.Combine(
			fmt.Errorf("voltage switch: bus lines not high: %w", err),
			c.t.WriteRegister(ctx, protocol.SDBusStat, toggle, 0),
			c.t.WriteRegister(ctx, protocol.CardClkEn, 0xFF, 0))
		return err
	}
	return c.t.WriteRegister(ctx, protocol.SDBusStat, toggle, 0)
}

// setDriving applies the pad drive table for v.
func (c *Controller) setDriving(ctx context.Context, v Voltage) error {
	d, ok := c.profile.Driving[v]
	if !ok {
		return fmt.Errorf("%s: no driving table for %v: %w", c.profile.Name, v, protocol.ErrUnsupported)
	}
	if err := c.applyDriving(ctx, d); err != nil {
		return fmt.Errorf("driving %v: %w", v, err)
	}
	return nil
}

func (c *Controller) applyDriving(ctx context.Context, d Driving) error {
	return c.runBatch(ctx, []protocol.RegisterOp{
		protocol.Write(protocol.SD30ClkDrive, 0xFF, d.Clk),
		protocol.Write(protocol.SD30CmdDrive, 0xFF, d.Cmd),
		protocol.Write(protocol.SD30DatDrive, 0xFF, d.Dat),
	}, c.opts.BatchTimeout)
}

// resetHardware clears host and card error state and drops the cached
// clock so the next switch reprograms it.
func (c *Controller) resetHardware(ctx context.Context) error {
	c.clockMHz = 0
	c.phase = NoPhase
	return c.clearError(ctx)
}
