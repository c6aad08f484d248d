package protocol

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Chip registers touched by the packetized error clear
const (
	regSFSMED    = 0xF400
	regMCFIFOCtl = 0xFD0B
	regMCDMARst  = 0xFD0C
	sfsmClear    = 0xF8
	fifoFlush    = 0x01
	dmaReset     = 0x01
)

const ep0Timeout = 100 * time.Millisecond

// PacketTransport executes batches as packets over a bulk pipe. Header and
// records share one fixed I/O buffer which is reused for responses.
type PacketTransport struct {
	pipe  BulkPipe
	iobuf [IOBufSize]byte
	batch *Batch
	resp  []byte

	// pending response bytes owed after a data phase, -1 when none
	pending      int
	pendingOps   []RegisterOp
	pendingFlags EndFlags

	recorder Recorder
	log      *zap.Logger
}

// NewPacketTransport creates a transport over pipe. A nil logger disables logging.
func NewPacketTransport(pipe BulkPipe, log *zap.Logger) *PacketTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &PacketTransport{
		pipe:    pipe,
		batch:   NewBatch(PacketCapacity),
		resp:    make([]byte, 0, PacketCapacity),
		pending: -1,
		log:     log.Named("packet"),
	}
}

func (t *PacketTransport) SetRecorder(r Recorder) { t.recorder = r }
func (t *PacketTransport) Kind() Kind             { return KindPacket }
func (t *PacketTransport) Capacity() int          { return t.batch.Capacity() }
func (t *PacketTransport) Begin()                 { t.batch.Begin() }
func (t *PacketTransport) Response() []byte       { return t.resp }

func (t *PacketTransport) Enqueue(op RegisterOp) error {
	return t.batch.Enqueue(op)
}

// End sends the batch packet. When the batch holds read or check ops the
// response is read back immediately, or after the data phase when a data
// flag is given.
func (t *PacketTransport) End(ctx context.Context, timeout time.Duration, flags EndFlags) error {
	defer t.batch.Begin()

	t.resp = t.resp[:0]
	if t.batch.Len() == 0 {
		return nil
	}
	n, err := EncodeBatch(t.iobuf[:], t.batch, flags)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = t.bulkOut(ctx, t.iobuf[:n])
	if err == nil && flags&(EndDataIn|EndDataOut) != 0 {
		t.pending = t.batch.Responses()
		t.pendingOps = append(t.pendingOps[:0], t.batch.Ops()...)
		t.pendingFlags = flags
		t.log.Debug("batch sent", zap.Int("ops", t.batch.Len()), zap.Uint8("flags", uint8(flags)))
		return nil
	}
	if err == nil && t.batch.Responses() > 0 {
		err = t.readResponse(ctx, t.batch.Responses())
	}
	t.record(t.batch.Ops(), timeout, flags, err)
	t.log.Debug("batch done", zap.Int("ops", t.batch.Len()), zap.Error(err))
	if err != nil {
		return fmt.Errorf("packet batch of %d ops: %w", t.batch.Len(), err)
	}
	return nil
}

func (t *PacketTransport) bulkOut(ctx context.Context, p []byte) error {
	n, err := t.pipe.BulkOut(ctx, p)
	if err != nil {
		return classify("bulk out", err)
	}
	if n != len(p) {
		return fmt.Errorf("bulk out: incomplete write %d/%d bytes: %w", n, len(p), ErrIO)
	}
	return nil
}

// readResponse reads an aligned response of n meaningful bytes.
func (t *PacketTransport) readResponse(ctx context.Context, n int) error {
	want := Align4(n)
	got, err := t.pipe.BulkIn(ctx, t.iobuf[:want])
	if err != nil {
		return classify("bulk in", err)
	}
	if got < n {
		return fmt.Errorf("bulk in: short response %d/%d bytes: %w", got, n, ErrIO)
	}
	t.resp = append(t.resp[:0], t.iobuf[:n]...)
	return nil
}

func (t *PacketTransport) record(ops []RegisterOp, timeout time.Duration, flags EndFlags, err error) {
	if t.recorder == nil {
		return
	}
	t.recorder.Record(&Record{
		Kind:     KindPacket,
		Timeout:  timeout,
		Flags:    flags,
		Ops:      ops,
		Response: t.resp,
		Err:      err,
	})
}

// TransferData moves p over the bulk endpoints, then collects the response
// of the batch that started the transfer.
func (t *PacketTransport) TransferData(ctx context.Context, dir Direction, p []byte, timeout time.Duration) error {
	pending := t.pending
	t.pending = -1

	if len(p) == 0 || len(p) > MaxTransfer {
		return fmt.Errorf("transfer of %d bytes: %w", len(p), ErrBadArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	moved := 0
	var err error
	for moved < len(p) && err == nil {
		var n int
		if dir == DirToCard {
			n, err = t.pipe.BulkOut(ctx, p[moved:])
		} else {
			n, err = t.pipe.BulkIn(ctx, p[moved:])
		}
		if err == nil && n == 0 {
			break
		}
		moved += n
	}
	if err != nil {
		err = classify("bulk data", err)
	} else if moved != len(p) {
		err = fmt.Errorf("bulk data moved %d/%d bytes: %w", moved, len(p), ErrDMA)
	}
	if err == nil && pending > 0 {
		err = t.readResponse(ctx, pending)
	}
	t.record(t.pendingOps, timeout, t.pendingFlags, err)
	if err != nil {
		return fmt.Errorf("bulk %s %d bytes: %w", dir, len(p), err)
	}
	return nil
}

// ReadRegister reads one register with a vendor control request.
func (t *PacketTransport) ReadRegister(ctx context.Context, addr uint16) (uint8, error) {
	ctx, cancel := context.WithTimeout(ctx, ep0Timeout)
	defer cancel()

	var b [1]byte
	n, err := t.pipe.ControlIn(ctx, RequestRegOp, EP0Value(addr, EP0Read), 0, b[:])
	if err != nil {
		return 0, classify(fmt.Sprintf("read 0x%04X", addr), err)
	}
	if n != 1 {
		return 0, fmt.Errorf("read 0x%04X: %d bytes: %w", addr, n, ErrIO)
	}
	return b[0], nil
}

// WriteRegister writes one register with a vendor control request.
func (t *PacketTransport) WriteRegister(ctx context.Context, addr uint16, mask, value uint8) error {
	ctx, cancel := context.WithTimeout(ctx, ep0Timeout)
	defer cancel()

	index := uint16(mask) | uint16(value)<<8
	if err := t.pipe.ControlOut(ctx, RequestRegOp, EP0Value(addr, EP0Write), index, nil); err != nil {
		return classify(fmt.Sprintf("write 0x%04X", addr), err)
	}
	return nil
}

// ReadSeq reads consecutive registers with sequential-read packets.
func (t *PacketTransport) ReadSeq(ctx context.Context, addr uint16, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, seqTimeout)
	defer cancel()

	for off := 0; off < len(p); off += IOBufSize {
		n := min(len(p)-off, IOBufSize)
		l, err := EncodeSeqRead(t.iobuf[:], addr+uint16(off), n)
		if err != nil {
			return err
		}
		if err := t.bulkOut(ctx, t.iobuf[:l]); err != nil {
			return err
		}
		got, err := t.pipe.BulkIn(ctx, t.iobuf[:Align4(n)])
		if err != nil {
			return classify("seq read", err)
		}
		if got < n {
			return fmt.Errorf("seq read: %d/%d bytes: %w", got, n, ErrIO)
		}
		copy(p[off:], t.iobuf[:n])
	}
	return nil
}

// WriteSeq writes consecutive registers with sequential-write packets.
func (t *PacketTransport) WriteSeq(ctx context.Context, addr uint16, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, seqTimeout)
	defer cancel()

	for off := 0; off < len(p); off += MaxSeqWrite {
		n := min(len(p)-off, MaxSeqWrite)
		l, err := EncodeSeqWrite(t.iobuf[:], addr+uint16(off), p[off:off+n])
		if err != nil {
			return err
		}
		if err := t.bulkOut(ctx, t.iobuf[:l]); err != nil {
			return err
		}
	}
	return nil
}

// ClearError clears the chip's bulk state machine, then flushes the FIFO
// and resets DMA.
func (t *PacketTransport) ClearError(ctx context.Context) error {
	t.pending = -1
	if err := t.WriteRegister(ctx, regSFSMED, sfsmClear, sfsmClear); err != nil {
		return err
	}
	if err := t.WriteRegister(ctx, regMCFIFOCtl, fifoFlush, fifoFlush); err != nil {
		return err
	}
	return t.WriteRegister(ctx, regMCDMARst, dmaReset, dmaReset)
}

var _ Transport = (*PacketTransport)(nil)
