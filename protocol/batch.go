package protocol

import "fmt"

// Batch is an ordered, capacity-bounded list of register operations
// executed by a transport as one unit.
type Batch struct {
	ops      []RegisterOp
	capacity int
	reads    int
	writes   int
	checks   int
}

// NewBatch creates an empty batch holding at most capacity operations.
func NewBatch(capacity int) *Batch {
	return &Batch{
		ops:      make([]RegisterOp, 0, capacity),
		capacity: capacity,
	}
}

// Begin discards queued operations and zeroes the counters.
func (b *Batch) Begin() {
	b.ops = b.ops[:0]
	b.reads, b.writes, b.checks = 0, 0, 0
}

// Enqueue appends op, failing with ErrBusy once the batch is full.
func (b *Batch) Enqueue(op RegisterOp) error {
	if len(b.ops) >= b.capacity {
		return fmt.Errorf("enqueue %v: %w", op, ErrBusy)
	}
	switch op.Kind {
	case OpRead:
		b.reads++
	case OpWrite:
		b.writes++
	case OpCheck:
		b.checks++
	default:
		return fmt.Errorf("enqueue kind %d: %w", op.Kind, ErrBadArgument)
	}
	b.ops = append(b.ops, op)
	return nil
}

// Ops returns the queued operations. The slice is reused by Begin.
func (b *Batch) Ops() []RegisterOp {
	return b.ops
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Capacity returns the fixed capacity.
func (b *Batch) Capacity() int {
	return b.capacity
}

// Counts returns the per-kind counters.
func (b *Batch) Counts() (reads, writes, checks int) {
	return b.reads, b.writes, b.checks
}

// Responses returns the number of response bytes the batch produces.
func (b *Batch) Responses() int {
	return b.reads + b.checks
}
