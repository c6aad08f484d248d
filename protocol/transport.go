package protocol

import (
	"context"
	"time"
)

// Transport executes command batches against the chip. Implementations are
// not safe for concurrent use; the caller serializes access.
type Transport interface {
	// Begin discards any queued operations.
	Begin()

	// Enqueue appends op to the current batch, returning ErrBusy when full.
	Enqueue(op RegisterOp) error

	// End executes the batch and blocks until completion or timeout. The
	// batch is cleared whether or not execution succeeded.
	End(ctx context.Context, timeout time.Duration, flags EndFlags) error

	// Response returns one byte per read or check operation of the last
	// executed batch, in order.
	Response() []byte

	// Capacity returns the maximum number of queued operations.
	Capacity() int

	ReadRegister(ctx context.Context, addr uint16) (uint8, error)
	WriteRegister(ctx context.Context, addr uint16, mask, value uint8) error

	// ReadSeq and WriteSeq access a contiguous register range.
	ReadSeq(ctx context.Context, addr uint16, p []byte) error
	WriteSeq(ctx context.Context, addr uint16, p []byte) error

	// TransferData moves a bulk payload started by the previous batch.
	TransferData(ctx context.Context, dir Direction, p []byte, timeout time.Duration) error

	// ClearError resets the host-side state machine and DMA engine.
	ClearError(ctx context.Context) error

	// SetRecorder installs a hook that observes every executed batch.
	SetRecorder(r Recorder)

	Kind() Kind
}

// Record describes one executed batch.
type Record struct {
	Kind     Kind
	Timeout  time.Duration
	Flags    EndFlags
	Ops      []RegisterOp
	Response []byte
	Err      error
}

// Recorder observes executed batches. Record must not retain the slices.
type Recorder interface {
	Record(rec *Record)
}

// RegisterWindow is a memory-mapped view of the chip's host registers plus
// the DMA-coherent memory the chip fetches commands and data from.
type RegisterWindow interface {
	Load32(off uint32) uint32
	Store32(off uint32, v uint32)

	// HostBuffer returns the command area followed by the scatter-gather
	// table, and the bus address the chip sees for its first byte.
	HostBuffer() (buf []byte, busAddr uint32)

	// DMABuffer returns n bytes of DMA-able memory and its bus address.
	DMABuffer(n int) (buf []byte, busAddr uint32, err error)
}

// BulkPipe is the USB-side capability: a bulk endpoint pair plus vendor
// control requests on endpoint 0.
type BulkPipe interface {
	BulkOut(ctx context.Context, p []byte) (int, error)
	BulkIn(ctx context.Context, p []byte) (int, error)
	ControlOut(ctx context.Context, request uint8, value, index uint16, data []byte) error
	ControlIn(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error)
}

// Vendor control requests on endpoint 0
const (
	RequestRegOp = 0x00

	EP0OpShift = 14
	EP0Read    = 2
	EP0Write   = 1
)

// EP0Value encodes a register address and op for a control request. The
// chip expects the address byte-swapped.
func EP0Value(addr uint16, op uint16) uint16 {
	v := addr&0x3FFF | op<<EP0OpShift
	return v<<8 | v>>8
}

// ParseEP0Value inverts EP0Value.
func ParseEP0Value(v uint16) (addr uint16, op uint16) {
	v = v<<8 | v>>8
	return 0xC000 | v&0x3FFF, v >> EP0OpShift
}
