// Package capture records executed register batches to a zlib-framed trace
// file and reads them back. Any zlib reader can decompress the trace.
package capture

import (
	"bufio"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cardreader/protocol"
)

// Record layout, big-endian:
//
//	len(2) kind(1) flags(1) timeout_us(4)
//	nops(2) ops(4 each, packet record encoding)
//	nresp(2) resp
//	nerr(1) err text
const (
	maxErrText     = 255
	maxRecord      = 2 + 1 + 1 + 4 + 2 + protocol.DirectCapacity*protocol.OpRecordSize + 2 + protocol.DirectCapacity + 1 + maxErrText
	flushThreshold = 32 << 10
)

// Writer is a protocol.Recorder that appends every batch to a trace.
// It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	z       *storedStream
	closer  io.Closer
	out     *protocol.ScratchOutput
	pending []byte
	count   int
	err     error
	log     *zap.Logger
}

// NewWriter starts a trace on w. A nil logger disables logging.
func NewWriter(w io.Writer, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		z:       newStoredStream(w),
		out:     protocol.NewScratchOutput(maxRecord),
		pending: make([]byte, 0, flushThreshold+maxRecord),
		log:     log.Named("capture"),
	}
}

// Create opens path for writing and starts a trace on it. Close closes
// the file.
func Create(path string, log *zap.Logger) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w := NewWriter(bufio.NewWriter(f), log)
	w.closer = f
	return w, nil
}

// Record encodes rec. Write errors are kept and reported by Flush and
// Close; records after the first error are dropped.
func (w *Writer) Record(rec *protocol.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}

	out := w.out
	out.Reset()
	out.OutputUint16(0) // patched below
	out.OutputByte(byte(rec.Kind))
	out.OutputByte(byte(rec.Flags))
	out.OutputUint32(uint32(rec.Timeout / time.Microsecond))
	out.OutputUint16(uint16(len(rec.Ops)))
	var slot [protocol.OpRecordSize]byte
	for _, op := range rec.Ops {
		op.PutRecord(slot[:])
		out.Output(slot[:])
	}
	out.OutputUint16(uint16(len(rec.Response)))
	out.Output(rec.Response)
	var text string
	if rec.Err != nil {
		text = rec.Err.Error()
		if len(text) > maxErrText {
			text = text[:maxErrText]
		}
	}
	out.OutputByte(byte(len(text)))
	out.Output([]byte(text))
	if out.Overflowed() {
		w.log.Warn("batch too large to record", zap.Int("ops", len(rec.Ops)))
		return
	}

	b := out.Result()
	binary.BigEndian.PutUint16(b, uint16(len(b)-2))
	w.pending = append(w.pending, b...)
	w.count++
	if len(w.pending) >= flushThreshold {
		w.err = w.flushLocked()
	}
}

// Count returns the number of records accepted so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Flush writes buffered records as a stored block.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.err = w.flushLocked()
	return w.err
}

func (w *Writer) flushLocked() error {
	if len(w.pending) > 0 {
		if err := w.z.writeBlock(w.pending, false); err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		w.pending = w.pending[:0]
	}
	if bw, ok := w.z.w.(*bufio.Writer); ok {
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("capture: %w", err)
		}
	}
	return nil
}

// Close writes the final block and trailer. The underlying file, if the
// trace was created with Create, is closed too.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.err
	if err == nil {
		if err = w.z.writeBlock(w.pending, true); err == nil {
			w.pending = w.pending[:0]
			if bw, ok := w.z.w.(*bufio.Writer); ok {
				err = bw.Flush()
			}
		}
		if err != nil {
			err = fmt.Errorf("capture: %w", err)
		}
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	w.err = io.ErrClosedPipe
	w.log.Debug("trace closed", zap.Int("records", w.count), zap.Int("bytes", w.z.totalIn))
	return err
}

var _ protocol.Recorder = (*Writer)(nil)

// Entry is one decoded batch.
type Entry struct {
	Kind     protocol.Kind
	Flags    protocol.EndFlags
	Timeout  time.Duration
	Ops      []protocol.RegisterOp
	Response []byte
	Err      string
}

func (e *Entry) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v batch: %d ops, %d response bytes, timeout %v", e.Kind, len(e.Ops), len(e.Response), e.Timeout)
	if e.Flags&protocol.EndDataIn != 0 {
		sb.WriteString(", data in")
	}
	if e.Flags&protocol.EndDataOut != 0 {
		sb.WriteString(", data out")
	}
	if e.Err != "" {
		fmt.Fprintf(&sb, ", error: %s", e.Err)
	}
	return sb.String()
}

// Reader decodes a trace.
type Reader struct {
	zr     io.ReadCloser
	br     *bufio.Reader
	closer io.Closer
	buf    []byte
}

// NewReader starts decoding the trace in r.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &Reader{zr: zr, br: bufio.NewReader(zr), buf: make([]byte, maxRecord)}, nil
}

// Open opens a trace file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	r, err := NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Next returns the next entry, or io.EOF after the last one.
func (r *Reader) Next() (*Entry, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r.br, lb[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("capture: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lb[:]))
	if n > len(r.buf) {
		return nil, fmt.Errorf("capture: record of %d bytes: %w", n, protocol.ErrInvalid)
	}
	if _, err := io.ReadFull(r.br, r.buf[:n]); err != nil {
		return nil, fmt.Errorf("capture: truncated record: %w", err)
	}
	return decodeEntry(r.buf[:n])
}

func decodeEntry(b []byte) (*Entry, error) {
	in := protocol.NewSliceInputBuffer(b)
	bad := fmt.Errorf("capture: malformed record: %w", protocol.ErrInvalid)

	hdr := in.Take(8)
	if hdr == nil {
		return nil, bad
	}
	e := &Entry{
		Kind:    protocol.Kind(hdr[0]),
		Flags:   protocol.EndFlags(hdr[1]),
		Timeout: time.Duration(binary.BigEndian.Uint32(hdr[2:])) * time.Microsecond,
	}
	nops := int(binary.BigEndian.Uint16(hdr[6:]))
	ops := in.Take(nops * protocol.OpRecordSize)
	if ops == nil {
		return nil, bad
	}
	e.Ops = make([]protocol.RegisterOp, nops)
	for i := range e.Ops {
		e.Ops[i] = protocol.ParseRecord(ops[i*protocol.OpRecordSize:])
	}

	nb := in.Take(2)
	if nb == nil {
		return nil, bad
	}
	resp := in.Take(int(binary.BigEndian.Uint16(nb)))
	if resp == nil {
		return nil, bad
	}
	e.Response = append([]byte{}, resp...)

	eb := in.Take(1)
	if eb == nil {
		return nil, bad
	}
	text := in.Take(int(eb[0]))
	if text == nil {
		return nil, bad
	}
	e.Err = string(text)
	return e, nil
}

// Close releases the decoder and the file opened by Open.
func (r *Reader) Close() error {
	err := r.zr.Close()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
