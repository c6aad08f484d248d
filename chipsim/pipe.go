package chipsim

import (
	"context"
	"fmt"
	"sync"

	"cardreader/protocol"
)

// Pipe implements protocol.BulkPipe on top of a Chip, answering packets
// the way the USB parts do.
type Pipe struct {
	chip *Chip

	mu      sync.Mutex
	inbound [][]byte
	// outbound data bytes still owed to a pending ring write
	expectOut int
	outData   []byte
	deferred  []byte
	wake      chan struct{}
}

// NewPipe attaches a bulk pipe to chip.
func NewPipe(chip *Chip) *Pipe {
	return &Pipe{chip: chip, wake: make(chan struct{}, 1)}
}

func (p *Pipe) queue(b []byte) {
	p.inbound = append(p.inbound, b)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipe) BulkOut(ctx context.Context, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.expectOut > 0 {
		return p.dataOut(b)
	}

	h, err := protocol.ParseHeader(b)
	if err != nil {
		return 0, err
	}
	switch h.Type {
	case protocol.PacketBatch:
		_, ops, err := protocol.DecodeBatch(b)
		if err != nil {
			return 0, err
		}
		resp, _ := p.chip.Exec(ops)
		padded := make([]byte, protocol.Align4(len(resp)))
		copy(padded, resp)

		dir, n, pending := p.chip.pendingRing()
		switch {
		case h.Stage&protocol.StageDataIn != 0 && pending && dir == protocol.DirFromCard:
			if !p.chip.stalled() {
				data := make([]byte, n)
				if p.chip.DMARead(data) {
					p.queue(data)
					p.queue(padded)
				}
			}
		case h.Stage&protocol.StageDataOut != 0 && pending && dir == protocol.DirToCard:
			p.expectOut = n
			p.outData = p.outData[:0]
			p.deferred = padded
		case h.Stage&protocol.StageRead != 0:
			p.queue(padded)
		}
	case protocol.PacketSeqRead:
		addr := protocol.SeqAddr(b)
		data := make([]byte, protocol.Align4(int(h.Count)))
		for i := 0; i < int(h.Count); i++ {
			data[i] = p.chip.ReadReg(addr + uint16(i))
		}
		p.queue(data)
	case protocol.PacketSeqWrite:
		addr := protocol.SeqAddr(b)
		data := b[protocol.SeqWriteDataOffset:]
		if len(data) < int(h.Count) {
			return 0, fmt.Errorf("seq write truncated: %w", protocol.ErrInvalid)
		}
		for i := 0; i < int(h.Count); i++ {
			p.chip.WriteReg(addr+uint16(i), 0xFF, data[i])
		}
	default:
		return 0, fmt.Errorf("packet type %d: %w", h.Type, protocol.ErrInvalid)
	}
	return len(b), nil
}

// dataOut collects the payload of a ring write and commits it once the
// announced length has arrived.
func (p *Pipe) dataOut(b []byte) (int, error) {
	if p.chip.stalled() {
		return 0, context.DeadlineExceeded
	}
	n := min(len(b), p.expectOut)
	p.outData = append(p.outData, b[:n]...)
	p.expectOut -= n
	if p.expectOut == 0 {
		if p.chip.DMAWrite(p.outData) {
			p.queue(p.deferred)
		}
		p.deferred = nil
	}
	return n, nil
}

// BulkIn returns the next queued chunk, blocking until one is available
// or ctx ends.
func (p *Pipe) BulkIn(ctx context.Context, b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.inbound) > 0 {
			front := p.inbound[0]
			n := copy(b, front)
			if n < len(front) {
				p.inbound[0] = front[n:]
			} else {
				p.inbound = p.inbound[1:]
			}
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (p *Pipe) ControlOut(ctx context.Context, request uint8, value, index uint16, data []byte) error {
	if request != protocol.RequestRegOp {
		return fmt.Errorf("control request 0x%02X: %w", request, protocol.ErrUnsupported)
	}
	addr, op := protocol.ParseEP0Value(value)
	if op != protocol.EP0Write {
		return fmt.Errorf("control out op %d: %w", op, protocol.ErrInvalid)
	}
	p.chip.WriteReg(addr, uint8(index), uint8(index>>8))
	if addr == protocol.SFSMED {
		p.mu.Lock()
		p.inbound = nil
		p.expectOut = 0
		p.deferred = nil
		p.mu.Unlock()
	}
	return nil
}

func (p *Pipe) ControlIn(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error) {
	if request != protocol.RequestRegOp {
		return 0, fmt.Errorf("control request 0x%02X: %w", request, protocol.ErrUnsupported)
	}
	addr, op := protocol.ParseEP0Value(value)
	if op != protocol.EP0Read || len(data) == 0 {
		return 0, fmt.Errorf("control in op %d: %w", op, protocol.ErrInvalid)
	}
	data[0] = p.chip.ReadReg(addr)
	return 1, nil
}

var _ protocol.BulkPipe = (*Pipe)(nil)
