package core

import (
	"encoding/binary"
	"fmt"
	"time"

	"cardreader/protocol"
)

// RespType is the SD response shape expected for a command. Its value is
// the SD_CFG2 setting that tells the chip how to receive it.
type RespType uint8

const (
	RespR0  RespType = protocol.SDRspLen0 | protocol.SDNoCheckCRC7
	RespR1  RespType = protocol.SDRspLen6 | protocol.SDCheckCRC7
	RespR1b RespType = protocol.SDRspLen6 | protocol.SDCheckCRC7 | protocol.SDWaitBusyEnd
	RespR2  RespType = protocol.SDRspLen17 | protocol.SDCheckCRC7
	RespR3  RespType = protocol.SDRspLen6 | protocol.SDNoCheckCRC7
	RespR6  RespType = protocol.SDRspLen6 | protocol.SDCheckCRC7
	RespR7  RespType = protocol.SDRspLen6 | protocol.SDCheckCRC7
)

func (t RespType) String() string {
	switch t {
	case RespR0:
		return "R0"
	case RespR1:
		return "R1"
	case RespR1b:
		return "R1b"
	case RespR2:
		return "R2"
	case RespR3:
		return "R3"
	}
	return fmt.Sprintf("rsp(0x%02X)", uint8(t))
}

// ParseRespType maps a response name to its type. R6 and R7 share the R1
// encoding.
func ParseRespType(s string) (RespType, error) {
	switch s {
	case "R0", "r0", "none":
		return RespR0, nil
	case "R1", "r1":
		return RespR1, nil
	case "R1b", "r1b", "R1B":
		return RespR1b, nil
	case "R2", "r2":
		return RespR2, nil
	case "R3", "r3":
		return RespR3, nil
	case "R6", "r6":
		return RespR6, nil
	case "R7", "r7":
		return RespR7, nil
	}
	return 0, fmt.Errorf("response type %q: %w", s, protocol.ErrBadArgument)
}

// SD opcodes the engine treats specially
const (
	OpGoIdle           = 0
	OpAllSendCID       = 2
	OpSendRelAddr      = 3
	OpSwitch           = 6
	OpSelectCard       = 7
	OpSendIfCond       = 8
	OpSendCSD          = 9
	OpSwitchVoltage    = 11
	OpStopTransmission = 12
	OpSendStatus       = 13
	OpSetBlockLen      = 16
	OpReadSingle       = 17
	OpReadMultiple     = 18
	OpSendTuning       = 19
	OpSendTuningHS200  = 21
	OpWriteSingle      = 24
	OpWriteMultiple    = 25
	OpAppCmd           = 55

	AppOpSetBusWidth = 6
	AppOpSendOpCond  = 41
	AppOpSendSCR     = 51
)

// Command is one SD command and, after execution, its response.
type Command struct {
	Op   uint8
	Arg  uint32
	Resp RespType

	// BusyTimeout overrides the default wait for R1b commands.
	BusyTimeout time.Duration

	// Raw holds ResponseLength(Resp) bytes: the response as latched by the
	// chip followed by the trailing status register.
	Raw [17]byte

	// Words is the decoded response, most significant word first.
	Words [4]uint32
}

// ResponseLength returns the number of bytes read back for t, including
// the trailing status byte.
func ResponseLength(t RespType) int {
	switch uint8(t) & 0x03 {
	case protocol.SDRspLen0:
		return 1
	case protocol.SDRspLen17:
		return 17
	}
	return 6
}

// ResponseClass returns the SD_CFG2 value programmed for t.
func ResponseClass(t RespType) uint8 {
	return uint8(t)
}

// Encode returns the register writes that load cmd into SD_CMD0..4.
func Encode(cmd *Command) [5]protocol.RegisterOp {
	return [5]protocol.RegisterOp{
		protocol.Write(protocol.SDCmd0, 0xFF, 0x40|cmd.Op&0x3F),
		protocol.Write(protocol.SDCmd1, 0xFF, uint8(cmd.Arg>>24)),
		protocol.Write(protocol.SDCmd2, 0xFF, uint8(cmd.Arg>>16)),
		protocol.Write(protocol.SDCmd3, 0xFF, uint8(cmd.Arg>>8)),
		protocol.Write(protocol.SDCmd4, 0xFF, uint8(cmd.Arg)),
	}
}

// Decode recovers the opcode and argument from Encode's output.
func Decode(ops [5]protocol.RegisterOp) (op uint8, arg uint32) {
	return ops[0].Value & 0x3F,
		uint32(ops[1].Value)<<24 | uint32(ops[2].Value)<<16 | uint32(ops[3].Value)<<8 | uint32(ops[4].Value)
}

// Verify checks a raw response: the start and transmission bits must be
// clear, and the CRC7 error flag in the trailing status must be clear
// unless the response type disables CRC checking.
func Verify(t RespType, raw []byte) error {
	n := ResponseLength(t)
	if len(raw) < n {
		return fmt.Errorf("response %d/%d bytes: %w", len(raw), n, protocol.ErrInvalid)
	}
	if t != RespR0 && raw[0]&0xC0 != 0 {
		return fmt.Errorf("response start bits 0x%02X: %w", raw[0], protocol.ErrInvalid)
	}
	if uint8(t)&protocol.SDNoCheckCRC7 == 0 && raw[n-1]&protocol.SDCRC7Err != 0 {
		return fmt.Errorf("response crc7 (SD_STAT1 0x%02X): %w", raw[n-1], protocol.ErrInvalid)
	}
	return nil
}

// verifyCRC7 recomputes the CRC7 of a 6-byte response in software.
func verifyCRC7(raw []byte, crcByte uint8) error {
	if want := protocol.CRC7Byte(raw[:5]); want != crcByte|0x01 {
		return fmt.Errorf("response crc7 0x%02X, computed 0x%02X: %w", crcByte, want, protocol.ErrInvalid)
	}
	return nil
}

// decodeWords fills cmd.Words from cmd.Raw.
func decodeWords(cmd *Command) {
	cmd.Words = [4]uint32{}
	switch ResponseLength(cmd.Resp) {
	case 17:
		var b [17]byte
		copy(b[:], cmd.Raw[:16])
		// the chip keeps the CRC byte of a long response; put back a
		// dummy CRC with the end bit
		b[16] = 1
		for i := range cmd.Words {
			cmd.Words[i] = binary.BigEndian.Uint32(b[1+i*4:])
		}
	case 6:
		cmd.Words[0] = binary.BigEndian.Uint32(cmd.Raw[1:5])
	}
}

// isMultiBlock reports whether op is an open-ended transfer ended by STOP.
func isMultiBlock(op uint8) bool {
	return op == OpReadMultiple || op == OpWriteMultiple
}

// isBlockTransfer reports whether op moves data through the ring buffer.
func isBlockTransfer(op uint8) bool {
	switch op {
	case OpReadSingle, OpReadMultiple, OpWriteSingle, OpWriteMultiple:
		return true
	}
	return false
}

// isTuning reports whether op is a tuning block request.
func isTuning(op uint8) bool {
	return op == OpSendTuning || op == OpSendTuningHS200
}
