package core

import (
	"context"
	"errors"
	"testing"

	"periph.io/x/conn/v3/physic"

	"cardreader/protocol"
)

func TestInitAppliesBringUp(t *testing.T) {
	r := newRig(t, "rts5227")
	if r.chip.Reg(protocol.GPIOCtl)&0x02 == 0 {
		t.Error("GPIO_CTL not set")
	}
	if got := r.chip.Reg(protocol.CardPwrCtl) & protocol.SDPowerMask; got != protocol.SDPowerOff {
		t.Errorf("card power = %d, want off", got)
	}
	if got := r.chip.Reg(protocol.SD30ClkDrive); got != 0x96 {
		t.Errorf("clock drive = 0x%02X, want 0x96", got)
	}

	u := newRig(t, "rts5129")
	if got := u.chip.Reg(protocol.CardShareMode) & protocol.CardShareMask; got != protocol.CardShare48SD {
		t.Errorf("share mode = 0x%02X", got)
	}
}

func TestPowerCycle(t *testing.T) {
	for _, name := range bothKinds {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, name)
			ctx := context.Background()
			p := r.ctl.Profile()

			if err := r.ctl.PowerOn(ctx); err != nil {
				t.Fatalf("PowerOn() = %v", err)
			}
			if got := r.chip.Reg(protocol.CardPwrCtl) & protocol.SDPowerMask; got != protocol.SDPowerOn {
				t.Errorf("card power = %d, want on", got)
			}
			if r.chip.Reg(protocol.CardOE)&protocol.SDOutputEn == 0 {
				t.Error("outputs not enabled")
			}
			if r.chip.Reg(protocol.CardClkEn)&protocol.SDClkEn == 0 {
				t.Error("card clock not enabled")
			}
			for _, op := range p.PullCtlEnable {
				if got := r.chip.Reg(op.Addr); got != op.Value {
					t.Errorf("pull 0x%04X = 0x%02X, want 0x%02X", op.Addr, got, op.Value)
				}
			}

			if err := r.ctl.SwitchClock(ctx, ClockConfig{Clock: 25 * physic.MegaHertz, Depth: SSCDepth1M}); err != nil {
				t.Fatalf("SwitchClock() = %v", err)
			}
			if err := r.ctl.PowerOff(ctx); err != nil {
				t.Fatalf("PowerOff() = %v", err)
			}
			if got := r.chip.Reg(protocol.CardPwrCtl) & protocol.SDPowerMask; got != protocol.SDPowerOff {
				t.Errorf("card power = %d, want off", got)
			}
			if r.chip.Reg(protocol.CardOE)&protocol.SDOutputEn != 0 {
				t.Error("outputs left enabled")
			}
			for _, op := range p.PullCtlDisable {
				if got := r.chip.Reg(op.Addr); got != op.Value {
					t.Errorf("pull 0x%04X = 0x%02X, want 0x%02X", op.Addr, got, op.Value)
				}
			}
			if mhz, _ := r.ctl.ClockMHz(ctx); mhz != 0 {
				t.Errorf("clock cache = %d MHz after power off", mhz)
			}
		})
	}
}

func TestSetBusWidth(t *testing.T) {
	tests := []struct {
		profile string
		width   int
		want    uint8
		err     error
	}{
		{"rts5227", 1, protocol.SDBusWidth1, nil},
		{"rts5227", 4, protocol.SDBusWidth4, nil},
		{"rts5227", 8, protocol.SDBusWidth8, nil},
		{"rts5129", 4, protocol.SDBusWidth4, nil},
		{"rts5129", 8, 0, protocol.ErrUnsupported},
		{"rts5227", 2, 0, protocol.ErrBadArgument},
	}
	for _, tt := range tests {
		r := newRig(t, tt.profile)
		err := r.ctl.SetBusWidth(context.Background(), tt.width)
		if !errors.Is(err, tt.err) {
			t.Errorf("%s SetBusWidth(%d) = %v, want %v", tt.profile, tt.width, err, tt.err)
			continue
		}
		if err != nil {
			continue
		}
		if got := r.chip.Reg(protocol.SDCfg1) & protocol.SDBusWidthMask; got != tt.want {
			t.Errorf("%s width %d: SD_CFG1 bus bits = %d, want %d", tt.profile, tt.width, got, tt.want)
		}
	}
}

func TestSwitchVoltageAfterCMD11(t *testing.T) {
	for _, name := range bothKinds {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, name)
			r.initCard(t)
			ctx := context.Background()

			r.cmd(t, OpSwitchVoltage, 0, RespR1)
			if err := r.ctl.SwitchVoltage(ctx, Voltage180); err != nil {
				t.Fatalf("SwitchVoltage(1.8V) = %v", err)
			}
			if r.chip.Reg(protocol.SDPadCtl)&protocol.SDIOUsing1V8 == 0 {
				t.Error("pads not at 1.8V")
			}
			if got := r.chip.Reg(protocol.LDOCtl) & protocol.TuneSD18Mask; got != protocol.TuneSD18V18 {
				t.Errorf("LDO tune = 0x%02X", got)
			}
			stat := r.chip.Reg(protocol.SDBusStat)
			if stat&(protocol.SDClkToggleEn|protocol.SDClkForceStop) != 0 {
				t.Errorf("clock toggle bits left at 0x%02X", stat)
			}
			want := r.ctl.Profile().Driving[Voltage180]
			if got := r.chip.Reg(protocol.SD30DatDrive); got != want.Dat {
				t.Errorf("data drive = 0x%02X, want 0x%02X", got, want.Dat)
			}
			r.cmd(t, OpSendStatus, uint32(r.rca)<<16, RespR1)

			if err := r.ctl.SwitchVoltage(ctx, Voltage330); err != nil {
				t.Fatalf("SwitchVoltage(3.3V) = %v", err)
			}
			if r.chip.Reg(protocol.SDPadCtl)&protocol.SDIOUsing1V8 != 0 {
				t.Error("pads still at 1.8V")
			}
		})
	}
}

func TestSwitchVoltageLinesHigh(t *testing.T) {
	r := newRig(t, "rts5227")
	r.initCard(t)

	err := r.ctl.SwitchVoltage(context.Background(), Voltage180)
	if !errors.Is(err, protocol.ErrInvalid) {
		t.Fatalf("SwitchVoltage() without cmd11 = %v, want ErrInvalid", err)
	}
	if r.chip.Reg(protocol.SDPadCtl)&protocol.SDIOUsing1V8 != 0 {
		t.Error("pads switched despite the failed check")
	}
}

func TestSwitchVoltageUnsupported(t *testing.T) {
	r := newRig(t, "rts5139")
	if err := r.ctl.SwitchVoltage(context.Background(), Voltage180); !errors.Is(err, protocol.ErrUnsupported) {
		t.Errorf("SwitchVoltage() = %v, want ErrUnsupported", err)
	}
	if err := r.ctl.SwitchVoltage(context.Background(), Voltage330); err != nil {
		t.Errorf("SwitchVoltage(3.3V) = %v", err)
	}
}

func TestSwitchVoltageCommandFailureStopsToggle(t *testing.T) {
	r := newRig(t, "rts5227")
	r.chip.SetCardPresent(false)

	res := r.ctl.SendCommand(context.Background(), &Command{Op: OpSwitchVoltage, Resp: RespR1})
	if res.Err == nil {
		t.Fatal("cmd11 succeeded without a card")
	}
	if stat := r.chip.Reg(protocol.SDBusStat); stat&protocol.SDClkToggleEn != 0 {
		t.Errorf("clock toggle left enabled: 0x%02X", stat)
	}
}

func TestSetDriving(t *testing.T) {
	r := newRig(t, "rts5249")
	if err := r.ctl.SetDriving(context.Background(), Voltage180); err != nil {
		t.Fatal(err)
	}
	got := Driving{
		Clk: r.chip.Reg(protocol.SD30ClkDrive),
		Cmd: r.chip.Reg(protocol.SD30CmdDrive),
		Dat: r.chip.Reg(protocol.SD30DatDrive),
	}
	if want := (Driving{Clk: 0x35, Cmd: 0x33, Dat: 0x33}); got != want {
		t.Errorf("driving = %+v, want %+v", got, want)
	}
	if err := r.ctl.SetDriving(context.Background(), Voltage(1200)); !errors.Is(err, protocol.ErrUnsupported) {
		t.Errorf("SetDriving(1.2V) = %v, want ErrUnsupported", err)
	}
}

func TestCardEventCallback(t *testing.T) {
	r := newRig(t, "rts5129")
	ctx := context.Background()

	events := make(chan bool, 4)
	if err := r.ctl.OnCardEvent(ctx, func(present bool) { events <- present }); err != nil {
		t.Fatal(err)
	}
	if err := r.ctl.SwitchClock(ctx, ClockConfig{Clock: 50 * physic.MegaHertz, Depth: SSCDepth1M}); err != nil {
		t.Fatal(err)
	}

	r.chip.SetCardPresent(false)
	present, err := r.ctl.CardPresent(ctx)
	if err != nil || present {
		t.Fatalf("CardPresent() = %v, %v", present, err)
	}
	if got := <-events; got {
		t.Error("callback saw insertion, want removal")
	}
	if mhz, _ := r.ctl.ClockMHz(ctx); mhz != 0 {
		t.Errorf("clock cache kept %d MHz across removal", mhz)
	}

	// a repeated state is not an event
	r.ctl.NotifyCardEvent(false)
	r.ctl.NotifyCardEvent(true)
	if _, err := r.ctl.History(ctx); err != nil {
		t.Fatal(err)
	}
	if got := <-events; !got {
		t.Error("callback saw removal, want insertion")
	}
	select {
	case e := <-events:
		t.Errorf("unexpected event %v", e)
	default:
	}
}

func TestResetHardwareClearsStop(t *testing.T) {
	r := newRig(t, "rts5227")
	if err := r.ctl.ResetHardware(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.chip.Reg(protocol.SDTransfer); got&protocol.SDStatIdle == 0 {
		t.Errorf("SD_TRANSFER = 0x%02X, want idle", got)
	}
}

func TestVoltageString(t *testing.T) {
	if got := Voltage180.String(); got != "1.8V" {
		t.Errorf("Voltage180 = %q", got)
	}
	if got := Voltage330.String(); got != "3.3V" {
		t.Errorf("Voltage330 = %q", got)
	}
}
