package protocol

import (
	"encoding/binary"
	"fmt"
)

// OpKind is the 2-bit operation type carried on the wire.
type OpKind uint8

const (
	OpRead  OpKind = 0
	OpWrite OpKind = 1
	OpCheck OpKind = 2
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpCheck:
		return "check"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// RegisterOp is one chip register access. Check operations leave chip state
// untouched but still consume a response byte.
type RegisterOp struct {
	Addr  uint16
	Mask  uint8
	Value uint8
	Kind  OpKind
}

// Read returns a read operation for addr.
func Read(addr uint16) RegisterOp {
	return RegisterOp{Addr: addr, Kind: OpRead}
}

// Write returns a masked write of value to addr.
func Write(addr uint16, mask, value uint8) RegisterOp {
	return RegisterOp{Addr: addr, Mask: mask, Value: value, Kind: OpWrite}
}

// Check returns an operation that waits for (reg & mask) == value.
func Check(addr uint16, mask, value uint8) RegisterOp {
	return RegisterOp{Addr: addr, Mask: mask, Value: value, Kind: OpCheck}
}

// HasResponse reports whether the op produces a response byte.
func (op RegisterOp) HasResponse() bool {
	return op.Kind == OpRead || op.Kind == OpCheck
}

func (op RegisterOp) String() string {
	return fmt.Sprintf("%s 0x%04X mask=0x%02X val=0x%02X", op.Kind, op.Addr, op.Mask, op.Value)
}

// PutRecord encodes op as a 4-byte packet record.
func (op RegisterOp) PutRecord(b []byte) {
	b[0] = uint8(op.Kind&0x03)<<6 | uint8(op.Addr>>8)&0x3F
	b[1] = uint8(op.Addr)
	b[2] = op.Mask
	b[3] = op.Value
}

// ParseRecord decodes a 4-byte packet record. Only the low 14 address bits
// survive the encoding; the chip's register space starts at 0xC000.
func ParseRecord(b []byte) RegisterOp {
	return RegisterOp{
		Kind:  OpKind(b[0] >> 6),
		Addr:  0xC000 | uint16(b[0]&0x3F)<<8 | uint16(b[1]),
		Mask:  b[2],
		Value: b[3],
	}
}

// Slot encodes op as a direct-window command slot.
func (op RegisterOp) Slot() uint32 {
	return uint32(op.Kind&0x03)<<30 |
		uint32(op.Addr&0x3FFF)<<16 |
		uint32(op.Mask)<<8 |
		uint32(op.Value)
}

// ParseSlot decodes a direct-window command slot.
func ParseSlot(v uint32) RegisterOp {
	return RegisterOp{
		Kind:  OpKind(v >> 30),
		Addr:  0xC000 | uint16(v>>16)&0x3FFF,
		Mask:  uint8(v >> 8),
		Value: uint8(v),
	}
}

// PutSlot stores the slot encoding of op little-endian into b.
func (op RegisterOp) PutSlot(b []byte) {
	binary.LittleEndian.PutUint32(b, op.Slot())
}
