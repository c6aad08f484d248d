package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Host register window offsets
const (
	RegHCBAR   = 0x00 // host command buffer bus address
	RegHCBCTLR = 0x04 // host command buffer control
	RegHDBAR   = 0x08 // host data buffer (SG table) bus address
	RegHDBCTLR = 0x0C // host data buffer control
	RegHAIMR   = 0x10 // single register access
	RegBIPR    = 0x14 // interrupt pending, write 1 to clear
	RegBIER    = 0x18 // interrupt enable
)

// HCBCTLR bits
const (
	StartCmd  = 1 << 31
	HWAutoRsp = 1 << 30
	StopCmd   = 1 << 28
)

// HDBCTLR bits
const (
	TrigDMA  = 1 << 31
	DMARead  = 1 << 29
	StopDMA  = 1 << 28
	ADMAMode = 2 << 26
)

// HAIMR bits
const (
	HAIMRTransStart = 1 << 31
	HAIMRWrite      = 1 << 30
)

// BIPR bits
const (
	CmdDoneInt   = 1 << 31
	DataDoneInt  = 1 << 30
	TransOKInt   = 1 << 29
	TransFailInt = 1 << 28
	SDInt        = 1 << 25
	SDExist      = 1 << 16

	doneMask = CmdDoneInt | DataDoneInt | TransOKInt | TransFailInt
)

// Scatter-gather descriptor options
const (
	SGValid     = 0x01
	SGEnd       = 0x02
	SGInt       = 0x04
	SGTransData = 0x20

	SGTableOffset  = DirectCapacity * 4
	SGMaxEntries   = 128
	SGMaxLen       = 0x80000
	HostBufferSize = SGTableOffset + SGMaxEntries*8
)

// Chip registers touched by the host-side error clear
const (
	regDMACTL = 0xFE2C
	regRBCTL  = 0xFE34
	dmaRst    = 0x80
	rbFlush   = 0x80
)

const (
	haimrSpins          = 1024
	defaultPollInterval = 50 * time.Microsecond
	seqTimeout          = 250 * time.Millisecond
)

// DirectTransport executes batches through a memory-mapped register window.
// Each operation occupies one little-endian 32-bit slot of the host command
// area; the chip writes response bytes back over the start of the area.
type DirectTransport struct {
	win          RegisterWindow
	batch        *Batch
	resp         []byte
	pending      int
	pendingOps   []RegisterOp
	pendingFlags EndFlags
	pollInterval time.Duration
	recorder     Recorder
	log          *zap.Logger
}

// NewDirectTransport creates a transport over win. A nil logger disables logging.
func NewDirectTransport(win RegisterWindow, log *zap.Logger) *DirectTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &DirectTransport{
		win:          win,
		batch:        NewBatch(DirectCapacity),
		resp:         make([]byte, 0, DirectCapacity),
		pending:      -1,
		pollInterval: defaultPollInterval,
		log:          log.Named("direct"),
	}
}

// SetPollInterval changes the completion polling interval
func (t *DirectTransport) SetPollInterval(d time.Duration) {
	t.pollInterval = d
}

func (t *DirectTransport) SetRecorder(r Recorder) { t.recorder = r }
func (t *DirectTransport) Kind() Kind             { return KindDirect }
func (t *DirectTransport) Capacity() int          { return t.batch.Capacity() }
func (t *DirectTransport) Begin()                 { t.batch.Begin() }
func (t *DirectTransport) Response() []byte       { return t.resp }

func (t *DirectTransport) Enqueue(op RegisterOp) error {
	return t.batch.Enqueue(op)
}

// End writes the batch into the command area and starts it. With a data
// flag the batch is left running and TransferData waits for completion.
func (t *DirectTransport) End(ctx context.Context, timeout time.Duration, flags EndFlags) error {
	defer t.batch.Begin()

	t.resp = t.resp[:0]
	n := t.batch.Len()
	if n == 0 {
		return nil
	}

	buf, bus := t.win.HostBuffer()
	for i, op := range t.batch.Ops() {
		op.PutSlot(buf[i*4:])
	}

	t.win.Store32(RegBIPR, doneMask)
	t.win.Store32(RegHCBAR, bus)
	t.win.Store32(RegHCBCTLR, uint32(n*4)&0x00FFFFFF|StartCmd|HWAutoRsp)

	if flags&(EndDataIn|EndDataOut) != 0 {
		t.pending = t.batch.Responses()
		t.pendingOps = append(t.pendingOps[:0], t.batch.Ops()...)
		t.pendingFlags = flags
		t.log.Debug("batch started", zap.Int("ops", n), zap.Uint8("flags", uint8(flags)))
		return nil
	}

	err := t.waitInt(ctx, timeout, TransOKInt)
	if err == nil {
		t.resp = append(t.resp, buf[:t.batch.Responses()]...)
	}
	t.record(t.batch.Ops(), timeout, flags, err)
	t.log.Debug("batch done", zap.Int("ops", n), zap.Error(err))
	if err != nil {
		return fmt.Errorf("direct batch of %d ops: %w", n, err)
	}
	return nil
}

// waitInt polls the interrupt pending register for want or a failure.
func (t *DirectTransport) waitInt(ctx context.Context, timeout time.Duration, want uint32) error {
	var status uint32
	err := Poll(ctx, timeout, t.pollInterval, func() (bool, error) {
		status = t.win.Load32(RegBIPR)
		return status&(want|TransFailInt) != 0, nil
	})
	t.win.Store32(RegBIPR, status&doneMask)
	if err != nil {
		return err
	}
	if status&TransFailInt != 0 {
		return fmt.Errorf("transfer fail (BIPR 0x%08X): %w", status, ErrInvalid)
	}
	return nil
}

func (t *DirectTransport) record(ops []RegisterOp, timeout time.Duration, flags EndFlags, err error) {
	if t.recorder == nil {
		return
	}
	t.recorder.Record(&Record{
		Kind:     KindDirect,
		Timeout:  timeout,
		Flags:    flags,
		Ops:      ops,
		Response: t.resp,
		Err:      err,
	})
}

// TransferData moves p through the scatter-gather DMA engine and waits for
// both the data phase and the batch that started it.
func (t *DirectTransport) TransferData(ctx context.Context, dir Direction, p []byte, timeout time.Duration) error {
	defer func() { t.pending = -1 }()

	if len(p) == 0 || len(p) > MaxTransfer {
		return fmt.Errorf("transfer of %d bytes: %w", len(p), ErrBadArgument)
	}
	dma, dmaBus, err := t.win.DMABuffer(len(p))
	if err != nil {
		return classify("dma buffer", err)
	}
	if len(dma) < len(p) {
		return fmt.Errorf("dma buffer %d < %d bytes: %w", len(dma), len(p), ErrDMA)
	}
	if dir == DirToCard {
		copy(dma, p)
	}

	host, hostBus := t.win.HostBuffer()
	entries := t.fillSGTable(host[SGTableOffset:], dmaBus, len(p))
	if entries > SGMaxEntries {
		return fmt.Errorf("transfer needs %d descriptors: %w", entries, ErrBadArgument)
	}

	ctl := uint32(TrigDMA | ADMAMode)
	if dir == DirFromCard {
		ctl |= DMARead
	}
	t.win.Store32(RegHDBAR, hostBus+SGTableOffset)
	t.win.Store32(RegHDBCTLR, ctl)

	err = t.waitInt(ctx, timeout, DataDoneInt)
	if err == nil && t.pending > 0 {
		t.resp = append(t.resp[:0], host[:t.pending]...)
	}
	t.record(t.pendingOps, timeout, t.pendingFlags, err)
	if err != nil {
		return fmt.Errorf("dma %s %d bytes: %w", dir, len(p), err)
	}
	if dir == DirFromCard {
		copy(p, dma)
	}
	return nil
}

// fillSGTable writes one descriptor per SGMaxLen chunk and returns the
// number of descriptors needed.
func (t *DirectTransport) fillSGTable(tbl []byte, addr uint32, n int) int {
	count := (n + SGMaxLen - 1) / SGMaxLen
	if count > SGMaxEntries {
		return count
	}
	for i := 0; i < count; i++ {
		l := min(n-i*SGMaxLen, SGMaxLen)
		opt := uint64(SGValid | SGTransData)
		if i == count-1 {
			opt |= SGEnd
		}
		d := uint64(addr+uint32(i*SGMaxLen))<<32 | uint64(l)<<12 | opt
		binary.LittleEndian.PutUint64(tbl[i*8:], d)
	}
	return count
}

// ReadRegister performs a single register read through HAIMR.
func (t *DirectTransport) ReadRegister(ctx context.Context, addr uint16) (uint8, error) {
	t.win.Store32(RegHAIMR, HAIMRTransStart|uint32(addr&0x3FFF)<<16)
	v, err := t.waitHAIMR()
	if err != nil {
		return 0, fmt.Errorf("read 0x%04X: %w", addr, err)
	}
	return uint8(v), nil
}

// WriteRegister performs a single masked register write through HAIMR.
func (t *DirectTransport) WriteRegister(ctx context.Context, addr uint16, mask, value uint8) error {
	t.win.Store32(RegHAIMR, HAIMRTransStart|HAIMRWrite|Write(addr, mask, value).Slot()&0x3FFFFFFF)
	v, err := t.waitHAIMR()
	if err != nil {
		return fmt.Errorf("write 0x%04X: %w", addr, err)
	}
	if uint8(v)&mask != value&mask {
		return fmt.Errorf("write 0x%04X: readback 0x%02X: %w", addr, uint8(v), ErrIO)
	}
	return nil
}

func (t *DirectTransport) waitHAIMR() (uint32, error) {
	for i := 0; i < haimrSpins; i++ {
		v := t.win.Load32(RegHAIMR)
		if v&HAIMRTransStart == 0 {
			return v, nil
		}
	}
	return 0, ErrTimeout
}

// ReadSeq reads len(p) consecutive registers in capacity-sized batches.
func (t *DirectTransport) ReadSeq(ctx context.Context, addr uint16, p []byte) error {
	for off := 0; off < len(p); off += t.Capacity() {
		n := min(len(p)-off, t.Capacity())
		t.Begin()
		for i := 0; i < n; i++ {
			if err := t.Enqueue(Read(addr + uint16(off+i))); err != nil {
				return err
			}
		}
		if err := t.End(ctx, seqTimeout, 0); err != nil {
			return err
		}
		copy(p[off:], t.resp)
	}
	return nil
}

// WriteSeq writes p to consecutive registers in capacity-sized batches.
func (t *DirectTransport) WriteSeq(ctx context.Context, addr uint16, p []byte) error {
	for off := 0; off < len(p); off += t.Capacity() {
		n := min(len(p)-off, t.Capacity())
		t.Begin()
		for i := 0; i < n; i++ {
			if err := t.Enqueue(Write(addr+uint16(off+i), 0xFF, p[off+i])); err != nil {
				return err
			}
		}
		if err := t.End(ctx, seqTimeout, 0); err != nil {
			return err
		}
	}
	return nil
}

// ClearError stops the command and DMA engines, resets the chip DMA and
// flushes the ring buffer.
func (t *DirectTransport) ClearError(ctx context.Context) error {
	t.pending = -1
	t.win.Store32(RegHCBCTLR, StopCmd)
	t.win.Store32(RegHDBCTLR, StopDMA)
	t.win.Store32(RegBIPR, doneMask)
	if err := t.WriteRegister(ctx, regDMACTL, dmaRst, dmaRst); err != nil {
		return err
	}
	return t.WriteRegister(ctx, regRBCTL, rbFlush, rbFlush)
}

var _ Transport = (*DirectTransport)(nil)
