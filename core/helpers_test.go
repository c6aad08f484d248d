package core

import (
	"context"
	"testing"
	"time"

	"cardreader/chipsim"
	"cardreader/protocol"
)

// rig is a controller wired to a simulated chip.
type rig struct {
	chip *chipsim.Chip
	card *chipsim.Card
	tr   protocol.Transport
	ctl  *Controller
	log  *batchLog
	rca  uint16
}

func testOptions() Options {
	return Options{
		CommandTimeout: 50 * time.Millisecond,
		BusyTimeout:    100 * time.Millisecond,
		ShortTimeout:   50 * time.Millisecond,
		BatchTimeout:   50 * time.Millisecond,
		DataTimeout:    50 * time.Millisecond,
		PollInterval:   time.Millisecond,
		PollAttempts:   20,
		VoltageSettle:  time.Millisecond,
	}
}

func newTransport(kind protocol.Kind, chip *chipsim.Chip) protocol.Transport {
	if kind == protocol.KindDirect {
		dt := protocol.NewDirectTransport(chipsim.NewWindow(chip), nil)
		dt.SetPollInterval(10 * time.Microsecond)
		return dt
	}
	return protocol.NewPacketTransport(chipsim.NewPipe(chip), nil)
}

func newRig(t *testing.T, profile string) *rig {
	t.Helper()
	return newRigWith(t, mustProfile(t, profile))
}

func newRigWith(t *testing.T, p *Profile) *rig {
	t.Helper()
	card := chipsim.NewCard(4 << 20)
	for i := range card.Data {
		card.Data[i] = byte(i*7 + i/512)
	}
	chip := chipsim.New(card)
	tr := newTransport(p.Kind, chip)
	log := &batchLog{}
	tr.SetRecorder(log)

	ctl, err := NewController(tr, p, testOptions())
	if err != nil {
		t.Fatalf("NewController() = %v", err)
	}
	t.Cleanup(ctl.Close)
	if err := ctl.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	return &rig{chip: chip, card: card, tr: tr, ctl: ctl, log: log}
}

// cmd sends a command and fails the test on error.
func (r *rig) cmd(t *testing.T, op uint8, arg uint32, rsp RespType) *Command {
	t.Helper()
	c := &Command{Op: op, Arg: arg, Resp: rsp}
	if res := r.ctl.SendCommand(context.Background(), c); res.Err != nil || res.Cleanup != nil {
		t.Fatalf("cmd%d: err=%v cleanup=%v", op, res.Err, res.Cleanup)
	}
	return c
}

// initCard runs SD identification and selects the card.
func (r *rig) initCard(t *testing.T) {
	t.Helper()
	r.cmd(t, OpGoIdle, 0, RespR0)
	r.cmd(t, OpSendIfCond, 0x1AA, RespR7)
	for i := 0; ; i++ {
		if i == 10 {
			t.Fatal("card never left busy")
		}
		r.cmd(t, OpAppCmd, 0, RespR1)
		ocr := r.cmd(t, AppOpSendOpCond, 0x40FF8000, RespR3)
		if ocr.Words[0]&(1<<31) != 0 {
			break
		}
	}
	r.cmd(t, OpAllSendCID, 0, RespR2)
	rel := r.cmd(t, OpSendRelAddr, 0, RespR6)
	r.rca = uint16(rel.Words[0] >> 16)
	r.cmd(t, OpSelectCard, uint32(r.rca)<<16, RespR1b)
}

// batchLog records every executed batch.
type batchLog struct {
	recs []protocol.Record
}

func (l *batchLog) Record(r *protocol.Record) {
	rec := *r
	rec.Ops = append([]protocol.RegisterOp(nil), r.Ops...)
	rec.Response = append([]byte(nil), r.Response...)
	l.recs = append(l.recs, rec)
}

func (l *batchLog) last() protocol.Record {
	return l.recs[len(l.recs)-1]
}

// countingTransport counts every call that reaches the chip.
type countingTransport struct {
	protocol.Transport
	calls int
}

func (c *countingTransport) Begin() {
	c.calls++
	c.Transport.Begin()
}

func (c *countingTransport) Enqueue(op protocol.RegisterOp) error {
	c.calls++
	return c.Transport.Enqueue(op)
}

func (c *countingTransport) End(ctx context.Context, timeout time.Duration, flags protocol.EndFlags) error {
	c.calls++
	return c.Transport.End(ctx, timeout, flags)
}

func (c *countingTransport) ReadRegister(ctx context.Context, addr uint16) (uint8, error) {
	c.calls++
	return c.Transport.ReadRegister(ctx, addr)
}

func (c *countingTransport) WriteRegister(ctx context.Context, addr uint16, mask, value uint8) error {
	c.calls++
	return c.Transport.WriteRegister(ctx, addr, mask, value)
}

func (c *countingTransport) ReadSeq(ctx context.Context, addr uint16, p []byte) error {
	c.calls++
	return c.Transport.ReadSeq(ctx, addr, p)
}

func (c *countingTransport) WriteSeq(ctx context.Context, addr uint16, p []byte) error {
	c.calls++
	return c.Transport.WriteSeq(ctx, addr, p)
}

func (c *countingTransport) TransferData(ctx context.Context, dir protocol.Direction, p []byte, timeout time.Duration) error {
	c.calls++
	return c.Transport.TransferData(ctx, dir, p, timeout)
}

func (c *countingTransport) ClearError(ctx context.Context) error {
	c.calls++
	return c.Transport.ClearError(ctx)
}

func mustProfile(t *testing.T, name string) *Profile {
	t.Helper()
	p, ok := LookupProfile(name)
	if !ok {
		t.Fatalf("profile %s not registered", name)
	}
	return p
}
