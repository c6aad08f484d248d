package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Bridge frame layout: len(2, BE) seq(1) type(1) payload crc(2, BE) sync.
// The length covers the whole frame.
const (
	BridgeHeaderSize  = 4
	BridgeTrailerSize = 3
	BridgeFrameMin    = BridgeHeaderSize + BridgeTrailerSize
	BridgeFrameMax    = BridgeFrameMin + 8 + IOBufSize
	BridgeSync        = 0x7E
)

// Bridge frame types. Replies set BridgeReply.
const (
	BridgeBulkOut    = 0x01
	BridgeBulkIn     = 0x02
	BridgeControlOut = 0x03
	BridgeControlIn  = 0x04
	BridgeReply      = 0x80
)

// Bridge reply status codes
const (
	BridgeOK      = 0x00
	BridgeFail    = 0x01
	BridgeTimeout = 0x02
)

// ErrBridgeClosed is returned once the bridge read loop has stopped.
var ErrBridgeClosed = errors.New("bridge closed")

type bridgeFrame struct {
	seq     uint8
	typ     uint8
	payload []byte
}

// BridgePipe implements BulkPipe by tunnelling bulk and control transfers
// over a byte stream such as a UART. Each request is answered by exactly
// one reply frame carrying the same sequence number.
type BridgePipe struct {
	port io.ReadWriteCloser

	seq          uint32
	synchronized uint32

	inputBuffer *FifoBuffer
	output      *ScratchOutput
	replyChan   chan *bridgeFrame

	writeMutex sync.Mutex

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewBridgePipe starts a bridge over port.
func NewBridgePipe(port io.ReadWriteCloser) *BridgePipe {
	b := &BridgePipe{
		port:         port,
		synchronized: 1,
		inputBuffer:  NewFifoBuffer(4 * BridgeFrameMax),
		output:       NewScratchOutput(BridgeFrameMax),
		replyChan:    make(chan *bridgeFrame, 1),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// BulkOut sends p and waits for the bridge to acknowledge it.
func (b *BridgePipe) BulkOut(ctx context.Context, p []byte) (int, error) {
	sent := 0
	for sent < len(p) {
		n := min(len(p)-sent, IOBufSize)
		if _, err := b.call(ctx, BridgeBulkOut, p[sent:sent+n]); err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

// BulkIn requests up to len(p) bytes from the bulk-in endpoint.
func (b *BridgePipe) BulkIn(ctx context.Context, p []byte) (int, error) {
	want := min(len(p), IOBufSize)
	var req [2]byte
	binary.BigEndian.PutUint16(req[:], uint16(want))
	data, err := b.call(ctx, BridgeBulkIn, req[:])
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

func (b *BridgePipe) ControlOut(ctx context.Context, request uint8, value, index uint16, data []byte) error {
	_, err := b.call(ctx, BridgeControlOut, controlPayload(request, value, index, uint16(len(data)), data))
	return err
}

func (b *BridgePipe) ControlIn(ctx context.Context, request uint8, value, index uint16, data []byte) (int, error) {
	resp, err := b.call(ctx, BridgeControlIn, controlPayload(request, value, index, uint16(len(data)), nil))
	if err != nil {
		return 0, err
	}
	return copy(data, resp), nil
}

func controlPayload(request uint8, value, index, length uint16, data []byte) []byte {
	p := make([]byte, 7+len(data))
	p[0] = request
	binary.BigEndian.PutUint16(p[1:], value)
	binary.BigEndian.PutUint16(p[3:], index)
	binary.BigEndian.PutUint16(p[5:], length)
	copy(p[7:], data)
	return p
}

// call sends one request frame and waits for its reply
func (b *BridgePipe) call(ctx context.Context, typ uint8, payload []byte) ([]byte, error) {
	seq := uint8(atomic.AddUint32(&b.seq, 1))
	if err := b.writeFrame(seq, typ, payload); err != nil {
		return nil, err
	}
	for {
		select {
		case reply := <-b.replyChan:
			if reply.seq != seq {
				// stale reply from a request that already timed out
				continue
			}
			if reply.typ != typ|BridgeReply || len(reply.payload) == 0 {
				return nil, fmt.Errorf("bridge reply type 0x%02X: %w", reply.typ, ErrIO)
			}
			switch reply.payload[0] {
			case BridgeOK:
				return reply.payload[1:], nil
			case BridgeTimeout:
				return nil, fmt.Errorf("bridge: %w", ErrTimeout)
			default:
				return nil, fmt.Errorf("bridge status 0x%02X: %w", reply.payload[0], ErrIO)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.stopChan:
			return nil, ErrBridgeClosed
		}
	}
}

func (b *BridgePipe) writeFrame(seq, typ uint8, payload []byte) error {
	b.writeMutex.Lock()
	defer b.writeMutex.Unlock()

	frame, err := encodeBridgeFrame(b.output, seq, typ, payload)
	if err != nil {
		return err
	}
	n, err := b.port.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("incomplete write: %d/%d bytes", n, len(frame))
	}
	return nil
}

func encodeBridgeFrame(out *ScratchOutput, seq, typ uint8, payload []byte) ([]byte, error) {
	out.Reset()
	frameLen := BridgeFrameMin + len(payload)
	out.OutputUint16(uint16(frameLen))
	out.OutputByte(seq)
	out.OutputByte(typ)
	out.Output(payload)
	out.OutputUint16(CRC16(out.Result()))
	out.OutputByte(BridgeSync)
	if out.Overflowed() {
		return nil, fmt.Errorf("bridge frame of %d bytes: %w", frameLen, ErrBadArgument)
	}
	return out.Result(), nil
}

// readLoop continuously reads from the port and dispatches reply frames
func (b *BridgePipe) readLoop() {
	defer close(b.doneChan)

	buffer := make([]byte, 256)
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}

		n, err := b.port.Read(buffer)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				b.stop()
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n > 0 {
			b.inputBuffer.Write(buffer[:n])
			parseBridgeFrames(b.inputBuffer, &b.synchronized, func(f *bridgeFrame) {
				select {
				case b.replyChan <- f:
				default:
					// drop the stale reply nobody collected
					select {
					case <-b.replyChan:
					default:
					}
					b.replyChan <- f
				}
			})
		}
	}
}

// parseBridgeFrames extracts complete frames from in, resynchronizing on
// the sync byte after a length or CRC error.
func parseBridgeFrames(in InputBuffer, synchronized *uint32, dispatch func(*bridgeFrame)) {
	data := in.Data()
	for len(data) > 0 {
		if atomic.LoadUint32(synchronized) == 0 {
			syncPos := -1
			for i, c := range data {
				if c == BridgeSync {
					syncPos = i
					break
				}
			}
			if syncPos < 0 {
				data = nil
				break
			}
			data = data[syncPos+1:]
			atomic.StoreUint32(synchronized, 1)
			continue
		}

		if data[0] == BridgeSync {
			data = data[1:]
			continue
		}
		if len(data) < 2 {
			break
		}
		frameLen := int(binary.BigEndian.Uint16(data))
		if frameLen < BridgeFrameMin || frameLen > BridgeFrameMax {
			atomic.StoreUint32(synchronized, 0)
			continue
		}
		if len(data) < frameLen {
			break
		}
		if data[frameLen-1] != BridgeSync {
			atomic.StoreUint32(synchronized, 0)
			continue
		}
		crc := binary.BigEndian.Uint16(data[frameLen-BridgeTrailerSize:])
		if crc != CRC16(data[:frameLen-BridgeTrailerSize]) {
			atomic.StoreUint32(synchronized, 0)
			continue
		}

		payload := make([]byte, frameLen-BridgeFrameMin)
		copy(payload, data[BridgeHeaderSize:frameLen-BridgeTrailerSize])
		dispatch(&bridgeFrame{seq: data[2], typ: data[3], payload: payload})
		data = data[frameLen:]
	}

	consumed := in.Available() - len(data)
	if consumed > 0 {
		in.Pop(consumed)
	}
}

func (b *BridgePipe) stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
}

// Close stops the read loop and closes the port
func (b *BridgePipe) Close() error {
	b.stop()
	err := b.port.Close()
	<-b.doneChan
	return err
}

// ServeBridge answers bridge requests read from rw by forwarding them to
// pipe. It is the device half of BridgePipe and returns when rw fails.
func ServeBridge(ctx context.Context, rw io.ReadWriter, pipe BulkPipe, timeout time.Duration) error {
	in := NewFifoBuffer(4 * BridgeFrameMax)
	out := NewScratchOutput(BridgeFrameMax)
	buffer := make([]byte, 256)
	synchronized := uint32(1)
	var werr error

	for {
		n, err := rw.Read(buffer)
		if err != nil {
			return err
		}
		in.Write(buffer[:n])
		parseBridgeFrames(in, &synchronized, func(f *bridgeFrame) {
			if werr != nil {
				return
			}
			reply := serveFrame(ctx, pipe, f, timeout)
			frame, err := encodeBridgeFrame(out, f.seq, f.typ|BridgeReply, reply)
			if err == nil {
				_, err = rw.Write(frame)
			}
			werr = err
		})
		if werr != nil {
			return werr
		}
	}
}

func serveFrame(ctx context.Context, pipe BulkPipe, f *bridgeFrame, timeout time.Duration) []byte {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := func(err error) []byte {
		switch {
		case err == nil:
			return []byte{BridgeOK}
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
			return []byte{BridgeTimeout}
		}
		return []byte{BridgeFail}
	}

	p := f.payload
	switch f.typ {
	case BridgeBulkOut:
		_, err := pipe.BulkOut(ctx, p)
		return status(err)
	case BridgeBulkIn:
		if len(p) < 2 {
			return []byte{BridgeFail}
		}
		data := make([]byte, binary.BigEndian.Uint16(p))
		n, err := pipe.BulkIn(ctx, data)
		if err != nil {
			return status(err)
		}
		return append([]byte{BridgeOK}, data[:n]...)
	case BridgeControlOut, BridgeControlIn:
		if len(p) < 7 {
			return []byte{BridgeFail}
		}
		req := p[0]
		value := binary.BigEndian.Uint16(p[1:])
		index := binary.BigEndian.Uint16(p[3:])
		length := binary.BigEndian.Uint16(p[5:])
		if f.typ == BridgeControlOut {
			return status(pipe.ControlOut(ctx, req, value, index, p[7:]))
		}
		data := make([]byte, length)
		n, err := pipe.ControlIn(ctx, req, value, index, data)
		if err != nil {
			return status(err)
		}
		return append([]byte{BridgeOK}, data[:n]...)
	}
	return []byte{BridgeFail}
}

var _ BulkPipe = (*BridgePipe)(nil)
