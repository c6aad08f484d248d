package protocol

import "encoding/binary"

// InputBuffer provides an abstraction for consuming received bytes
type InputBuffer interface {
	// Data returns the available data slice
	Data() []byte

	// Available returns the number of bytes available
	Available() int

	// Pop removes n bytes from the front of the buffer
	Pop(n int)
}

// OutputBuffer provides an abstraction for building outgoing frames
type OutputBuffer interface {
	// Output writes data to the buffer
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int

	// Update modifies a byte at a specific position
	Update(pos int, val byte)

	// DataSince returns data from a specific position to current
	DataSince(pos int) []byte
}

// SliceInputBuffer implements InputBuffer over a byte slice
type SliceInputBuffer struct {
	data []byte
}

// NewSliceInputBuffer creates a new SliceInputBuffer
func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte {
	return s.data
}

func (s *SliceInputBuffer) Available() int {
	return len(s.data)
}

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// Take returns the next n bytes and consumes them, or nil if fewer remain.
func (s *SliceInputBuffer) Take(n int) []byte {
	if n > len(s.data) {
		return nil
	}
	b := s.data[:n]
	s.data = s.data[n:]
	return b
}

// ScratchOutput implements OutputBuffer over a fixed-capacity buffer.
// Writes past the capacity are dropped and flagged.
type ScratchOutput struct {
	buf      []byte
	pos      int
	overflow bool
}

// NewScratchOutput creates a ScratchOutput holding at most size bytes
func NewScratchOutput(size int) *ScratchOutput {
	return &ScratchOutput{buf: make([]byte, size)}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.overflow = true
	}
}

// OutputByte appends a single byte
func (s *ScratchOutput) OutputByte(b byte) {
	if s.pos >= len(s.buf) {
		s.overflow = true
		return
	}
	s.buf[s.pos] = b
	s.pos++
}

// OutputUint16 appends v big-endian
func (s *ScratchOutput) OutputUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	s.Output(b[:])
}

// OutputUint32 appends v big-endian
func (s *ScratchOutput) OutputUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	s.Output(b[:])
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns the accumulated output data
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Overflowed reports whether any write was truncated since the last Reset
func (s *ScratchOutput) Overflowed() bool {
	return s.overflow
}

// Reset clears the buffer
func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.overflow = false
}

// FifoBuffer is a circular byte queue for streamed input
type FifoBuffer struct {
	buf   []byte
	read  int
	write int
	size  int
}

// NewFifoBuffer creates a FifoBuffer holding up to capacity-1 bytes
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{
		buf:  make([]byte, capacity),
		size: capacity,
	}
}

// Write appends as much of data as fits and returns the count stored
func (f *FifoBuffer) Write(data []byte) int {
	n := min(len(data), f.Free())
	first := min(n, f.size-f.write)
	copy(f.buf[f.write:], data[:first])
	copy(f.buf, data[first:n])
	f.write = (f.write + n) % f.size
	return n
}

// Read moves up to len(data) bytes out of the buffer
func (f *FifoBuffer) Read(data []byte) int {
	n := min(len(data), f.Available())
	first := min(n, f.size-f.read)
	copy(data, f.buf[f.read:f.read+first])
	copy(data[first:n], f.buf)
	f.read = (f.read + n) % f.size
	return n
}

// Available returns the number of bytes available for reading
func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return f.size - f.read + f.write
}

// Free returns the number of bytes available for writing
func (f *FifoBuffer) Free() int {
	return f.size - f.Available() - 1
}

// Data returns the queued bytes as one slice, copying when wrapped
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}
	result := make([]byte, f.Available())
	firstLen := f.size - f.read
	copy(result, f.buf[f.read:])
	copy(result[firstLen:], f.buf[:f.write])
	return result
}

// Pop removes n bytes from the front
func (f *FifoBuffer) Pop(n int) {
	n = min(n, f.Available())
	f.read = (f.read + n) % f.size
}

// IsEmpty returns true if the buffer is empty
func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}

// Reset clears the buffer
func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
}
