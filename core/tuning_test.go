package core

import (
	"context"
	"errors"
	"testing"

	"cardreader/protocol"
)

func TestSearchFinalPhaseSingleRun(t *testing.T) {
	for _, width := range []int{16, 32} {
		for start := 0; start < width; start++ {
			for l := 1; start+l <= width; l++ {
				m := PhaseMap{Width: width}
				for i := start; i < start+l; i++ {
					m.Bits |= 1 << uint(i)
				}
				want := (start + l/2) % width
				if got := SearchFinalPhase(m); got != want {
					t.Fatalf("SearchFinalPhase(%v) = %d, want %d", m, got, want)
				}
			}
		}
	}
}

func TestSearchFinalPhase(t *testing.T) {
	tests := []struct {
		name  string
		bits  uint32
		width int
		want  int
	}{
		{"empty", 0, 32, NoPhase},
		{"empty narrow", 0, 4, NoPhase},
		{"full", 0xFFFFFFFF, 32, 16},
		{"full 16", 0xFFFF, 16, 8},
		{"single", 1 << 5, 32, 5},
		{"wraparound", 0xC0000007, 32, 0},
		{"longest wins", 0b0000_1111_1100_0011, 16, 9},
		{"first of equal runs", 0b0111_0000_0111_0000, 16, 5},
		{"intersection", 0b1110, 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SearchFinalPhase(PhaseMap{Bits: tt.bits, Width: tt.width}); got != tt.want {
				t.Errorf("SearchFinalPhase(%0*b) = %d, want %d", tt.width, tt.bits, got, tt.want)
			}
		})
	}
}

func TestPhaseRunLength(t *testing.T) {
	m := PhaseMap{Bits: 0xC0000007, Width: 32}
	tests := []struct{ start, want int }{
		{0, 3},
		{2, 1},
		{3, 0},
		{30, 5},
		{31, 4},
	}
	for _, tt := range tests {
		if got := PhaseRunLength(m, tt.start); got != tt.want {
			t.Errorf("PhaseRunLength(%v, %d) = %d, want %d", m, tt.start, got, tt.want)
		}
	}
	if got := PhaseRunLength(FullPhaseMap(16), 7); got != 16 {
		t.Errorf("full map run = %d, want 16", got)
	}
}

// scripted returns a measure function replaying one map per trial.
func scripted(width int, maps ...uint32) (func(int) (bool, error), *int) {
	calls := 0
	return func(phase int) (bool, error) {
		trial := calls / width
		calls++
		return maps[trial]&(1<<uint(phase)) != 0, nil
	}, &calls
}

func TestTuneIntersectsTrials(t *testing.T) {
	p := mustProfile(t, "rts5227").Clone()
	p.Name = "four-phase"
	p.NumPhases = 4
	r := newRigWith(t, p)

	measure, calls := scripted(4, 0b1111, 0b1110, 0b1111)
	var phase int
	err := r.ctl.do(context.Background(), func(ctx context.Context) error {
		var err error
		phase, err = r.ctl.tuneWith(ctx, measure)
		return err
	})
	if err != nil {
		t.Fatalf("tuneWith() = %v", err)
	}
	if phase != 2 {
		t.Errorf("phase = %d, want 2", phase)
	}
	if *calls != 12 {
		t.Errorf("measured %d phases, want 12", *calls)
	}
	if got := r.chip.Reg(protocol.SDVPClk1Ctl) & protocol.PhaseSelectMask; got != 2 {
		t.Errorf("RX phase register = %d, want 2", got)
	}
}

func TestTuneEmptyTrialAborts(t *testing.T) {
	p := mustProfile(t, "rts5227").Clone()
	p.NumPhases = 4
	r := newRigWith(t, p)

	measure, calls := scripted(4, 0b0110, 0, 0b1111)
	err := r.ctl.do(context.Background(), func(ctx context.Context) error {
		_, err := r.ctl.tuneWith(ctx, measure)
		return err
	})
	if !errors.Is(err, protocol.ErrInvalid) {
		t.Fatalf("tuneWith() = %v, want ErrInvalid", err)
	}
	if *calls != 8 {
		t.Errorf("measured %d phases, want 8", *calls)
	}
}

func TestTuneMeasureError(t *testing.T) {
	r := newRig(t, "rts5227")
	boom := errors.New("boom")
	err := r.ctl.do(context.Background(), func(ctx context.Context) error {
		_, err := r.ctl.tuneWith(ctx, func(int) (bool, error) { return false, boom })
		return err
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tuneWith() = %v, want %v", err, boom)
	}
}

func TestTuneReceiveOnChip(t *testing.T) {
	tests := []struct {
		profile string
		pass    uint32
		want    int
	}{
		{"rts5227", 0x00FF0000, 20},
		{"rts5227", 0xC0000007, 0},
		{"rts5129", 0b0000_0111_1100_0000, 8},
		{"rts5129", 0xFFFF, 8},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			r := newRig(t, tt.profile)
			r.card.PassPhases = tt.pass
			phase, err := r.ctl.TuneReceive(context.Background(), OpSendTuning)
			if err != nil {
				t.Fatalf("TuneReceive() = %v", err)
			}
			if phase != tt.want {
				t.Errorf("phase = %d, want %d", phase, tt.want)
			}
			rx := r.chip.Reg(protocol.SDVPClk1Ctl)
			if got := int(rx & protocol.PhaseSelectMask); got != tt.want {
				t.Errorf("RX phase register = %d, want %d", got, tt.want)
			}
			if reset := r.chip.Reg(r.ctl.Profile().PhaseResetReg); reset&protocol.PhaseNotReset == 0 {
				t.Error("phase generator left in reset")
			}
			if r.chip.Reg(protocol.SDCfg1)&protocol.SDAsyncFIFONotRst != 0 {
				t.Error("async FIFO reset bit left set")
			}
		})
	}
}

func TestTuneReceiveNoPassingPhase(t *testing.T) {
	r := newRig(t, "rts5129")
	r.card.PassPhases = 0

	_, err := r.ctl.TuneReceive(context.Background(), OpSendTuning)
	if !errors.Is(err, protocol.ErrInvalid) {
		t.Fatalf("TuneReceive() = %v, want ErrInvalid", err)
	}
	tuning := 0
	for _, op := range r.chip.Commands() {
		if op == OpSendTuning {
			tuning++
		}
	}
	// the first empty trial ends the search
	if tuning != 16 {
		t.Errorf("sent %d tuning blocks, want 16", tuning)
	}
}

func TestTuneReceiveRejectsOpcode(t *testing.T) {
	r := newRig(t, "rts5227")
	if _, err := r.ctl.TuneReceive(context.Background(), OpReadSingle); !errors.Is(err, protocol.ErrBadArgument) {
		t.Errorf("TuneReceive(cmd17) = %v, want ErrBadArgument", err)
	}
}
