// Package protocol implements the register batching protocol spoken by the
// card reader ASIC and the two transports that execute it.
package protocol

// Version is the protocol implementation version reported by the CLI.
const Version = "0.3.0"

// Batch limits
const (
	DirectCapacity = 256 // 4-byte slots in the host command area
	IOBufSize      = 1024
	PacketCapacity = (IOBufSize - PacketHeaderSize) / OpRecordSize

	// MaxTransfer bounds one bulk data transaction.
	MaxTransfer = 32 << 20

	// MaxBlockCount is the largest value SD_BLOCK_CNT holds.
	MaxBlockCount = 0xFFFF
)

// Packet layout
const (
	PacketHeaderSize    = 8
	OpRecordSize        = 4
	SeqAddrOffset       = 8
	SeqWriteDataOffset  = 12
	PacketPositionType  = 4
	PacketPositionCount = 5
	PacketPositionStage = 7
)

// PacketTag opens every packet sent to the chip.
var PacketTag = [4]byte{'R', '5', '1', 'B'}

// PacketType selects how the chip interprets the payload.
type PacketType uint8

const (
	PacketBatch    PacketType = 0
	PacketSeqRead  PacketType = 1
	PacketSeqWrite PacketType = 2
)

// Stage flags in packet header byte 7
const (
	StageRead    = 0x01
	StageDataIn  = 0x02
	StageDataOut = 0x04
)

// EndFlags tell a transport how the batch relates to a following data phase.
type EndFlags uint8

const (
	// EndDataIn marks a batch that starts an inbound bulk data transfer.
	EndDataIn EndFlags = 1 << iota
	// EndDataOut marks a batch that starts an outbound bulk data transfer.
	EndDataOut
)

// Direction of a bulk data transfer
type Direction uint8

const (
	DirFromCard Direction = iota
	DirToCard
)

func (d Direction) String() string {
	if d == DirToCard {
		return "to-card"
	}
	return "from-card"
}

// Kind identifies the transport implementation behind a Transport.
type Kind uint8

const (
	KindDirect Kind = iota
	KindPacket
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindPacket:
		return "packet"
	}
	return "unknown"
}

// Align4 rounds n up to a multiple of four.
func Align4(n int) int {
	return (n + 3) &^ 3
}
