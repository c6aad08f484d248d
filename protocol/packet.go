package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketHeader is the fixed 8-byte header that opens every packet.
type PacketHeader struct {
	Type  PacketType
	Count uint16
	Stage uint8
}

// PutHeader writes h into the first PacketHeaderSize bytes of b.
func PutHeader(b []byte, h PacketHeader) {
	copy(b, PacketTag[:])
	b[PacketPositionType] = uint8(h.Type)
	binary.BigEndian.PutUint16(b[PacketPositionCount:], h.Count)
	b[PacketPositionStage] = h.Stage
}

// ParseHeader validates the tag and decodes the header of b.
func ParseHeader(b []byte) (PacketHeader, error) {
	if len(b) < PacketHeaderSize {
		return PacketHeader{}, fmt.Errorf("packet header: %d bytes: %w", len(b), ErrBadArgument)
	}
	if [4]byte(b[:4]) != PacketTag {
		return PacketHeader{}, fmt.Errorf("packet tag % X: %w", b[:4], ErrInvalid)
	}
	return PacketHeader{
		Type:  PacketType(b[PacketPositionType]),
		Count: binary.BigEndian.Uint16(b[PacketPositionCount:]),
		Stage: b[PacketPositionStage],
	}, nil
}

// stageFor derives the header stage flags for a batch. The read stage is
// implied by the presence of read or check operations.
func stageFor(b *Batch, flags EndFlags) uint8 {
	var stage uint8
	if b.Responses() > 0 {
		stage |= StageRead
	}
	if flags&EndDataIn != 0 {
		stage |= StageDataIn
	}
	if flags&EndDataOut != 0 {
		stage |= StageDataOut
	}
	return stage
}

// EncodeBatch serializes b into buf and returns the packet length.
func EncodeBatch(buf []byte, b *Batch, flags EndFlags) (int, error) {
	n := PacketHeaderSize + b.Len()*OpRecordSize
	if n > len(buf) {
		return 0, fmt.Errorf("batch of %d ops: %w", b.Len(), ErrBusy)
	}
	PutHeader(buf, PacketHeader{
		Type:  PacketBatch,
		Count: uint16(b.Len()),
		Stage: stageFor(b, flags),
	})
	pos := PacketHeaderSize
	for _, op := range b.Ops() {
		op.PutRecord(buf[pos:])
		pos += OpRecordSize
	}
	return n, nil
}

// DecodeBatch parses the records of a batch packet.
func DecodeBatch(p []byte) (PacketHeader, []RegisterOp, error) {
	h, err := ParseHeader(p)
	if err != nil {
		return h, nil, err
	}
	if h.Type != PacketBatch {
		return h, nil, fmt.Errorf("packet type %d: %w", h.Type, ErrInvalid)
	}
	n := int(h.Count)
	if len(p) < PacketHeaderSize+n*OpRecordSize {
		return h, nil, fmt.Errorf("batch packet truncated: %w", ErrInvalid)
	}
	ops := make([]RegisterOp, n)
	for i := range ops {
		ops[i] = ParseRecord(p[PacketHeaderSize+i*OpRecordSize:])
	}
	return h, ops, nil
}

// EncodeSeqRead builds a sequential read request for n bytes at addr.
func EncodeSeqRead(buf []byte, addr uint16, n int) (int, error) {
	if n <= 0 || n > len(buf) {
		return 0, fmt.Errorf("seq read of %d bytes: %w", n, ErrBadArgument)
	}
	PutHeader(buf, PacketHeader{Type: PacketSeqRead, Count: uint16(n), Stage: StageRead})
	binary.BigEndian.PutUint16(buf[SeqAddrOffset:], addr)
	return Align4(SeqAddrOffset + 2), nil
}

// EncodeSeqWrite builds a sequential write of data starting at addr.
func EncodeSeqWrite(buf []byte, addr uint16, data []byte) (int, error) {
	n := Align4(SeqWriteDataOffset + len(data))
	if len(data) == 0 || n > len(buf) {
		return 0, fmt.Errorf("seq write of %d bytes: %w", len(data), ErrBadArgument)
	}
	PutHeader(buf, PacketHeader{Type: PacketSeqWrite, Count: uint16(len(data))})
	binary.BigEndian.PutUint16(buf[SeqAddrOffset:], addr)
	buf[SeqAddrOffset+2] = 0
	buf[SeqAddrOffset+3] = 0
	copy(buf[SeqWriteDataOffset:], data)
	for i := SeqWriteDataOffset + len(data); i < n; i++ {
		buf[i] = 0
	}
	return n, nil
}

// SeqAddr returns the start address of a sequential packet.
func SeqAddr(p []byte) uint16 {
	return binary.BigEndian.Uint16(p[SeqAddrOffset:])
}

// MaxSeqWrite is the largest sequential write that fits the I/O buffer.
const MaxSeqWrite = IOBufSize - SeqWriteDataOffset
