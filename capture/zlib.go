package capture

import (
	"hash"
	"hash/adler32"
	"io"
)

const maxStoredBlock = 0xFFFF

// storedStream writes a zlib stream made of stored (uncompressed) DEFLATE
// blocks. The header goes out with the first block and the Adler-32
// trailer after the final one, so the stream can be appended to for as
// long as the file stays open.
type storedStream struct {
	w          io.Writer
	adler      hash.Hash32
	headerDone bool
	closed     bool
	totalIn    int
	hdr        [5]byte
}

func newStoredStream(w io.Writer) *storedStream {
	return &storedStream{w: w, adler: adler32.New()}
}

// writeBlock emits p as one or more stored blocks. The last of them is
// marked final when final is set; an empty final block is legal.
func (s *storedStream) writeBlock(p []byte, final bool) error {
	if s.closed {
		return io.ErrClosedPipe
	}
	if !s.headerDone {
		if _, err := s.w.Write([]byte{0x78, 0x9C}); err != nil {
			return err
		}
		s.headerDone = true
	}
	for {
		n := min(len(p), maxStoredBlock)
		last := final && n == len(p)

		// BFINAL in bit 0, BTYPE 00
		s.hdr[0] = 0x00
		if last {
			s.hdr[0] = 0x01
		}
		length := uint16(n)
		nlength := ^length
		s.hdr[1], s.hdr[2] = byte(length), byte(length>>8)
		s.hdr[3], s.hdr[4] = byte(nlength), byte(nlength>>8)
		if _, err := s.w.Write(s.hdr[:]); err != nil {
			return err
		}
		if _, err := s.w.Write(p[:n]); err != nil {
			return err
		}
		s.adler.Write(p[:n])
		s.totalIn += n
		p = p[n:]
		if len(p) == 0 {
			break
		}
	}
	if final {
		return s.finish()
	}
	return nil
}

// finish writes the big-endian Adler-32 trailer.
func (s *storedStream) finish() error {
	s.closed = true
	sum := s.adler.Sum32()
	_, err := s.w.Write([]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})
	return err
}
