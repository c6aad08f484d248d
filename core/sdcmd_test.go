package core

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cardreader/protocol"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	args := []uint32{0, 1, 0x1AA, 0x12340000, 0x80000000, 0xDEADBEEF, 0xFFFFFFFF}
	for op := uint8(0); op < 64; op++ {
		for _, arg := range args {
			ops := Encode(&Command{Op: op, Arg: arg})
			gotOp, gotArg := Decode(ops)
			if gotOp != op || gotArg != arg {
				t.Fatalf("Decode(Encode(cmd%d, 0x%08X)) = cmd%d, 0x%08X", op, arg, gotOp, gotArg)
			}
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	ops := Encode(&Command{Op: OpSendIfCond, Arg: 0x000001AA})
	want := [5]protocol.RegisterOp{
		protocol.Write(protocol.SDCmd0, 0xFF, 0x48),
		protocol.Write(protocol.SDCmd1, 0xFF, 0x00),
		protocol.Write(protocol.SDCmd2, 0xFF, 0x00),
		protocol.Write(protocol.SDCmd3, 0xFF, 0x01),
		protocol.Write(protocol.SDCmd4, 0xFF, 0xAA),
	}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("Encode() mismatch (-want +got):\n%s", diff)
	}
}

func TestResponseLength(t *testing.T) {
	tests := []struct {
		rsp  RespType
		want int
	}{
		{RespR0, 1},
		{RespR1, 6},
		{RespR1b, 6},
		{RespR2, 17},
		{RespR3, 6},
		{RespR6, 6},
		{RespR7, 6},
	}
	for _, tt := range tests {
		if got := ResponseLength(tt.rsp); got != tt.want {
			t.Errorf("ResponseLength(%v) = %d, want %d", tt.rsp, got, tt.want)
		}
	}
}

func TestResponseClass(t *testing.T) {
	if got := ResponseClass(RespR1b); got&protocol.SDWaitBusyEnd == 0 {
		t.Errorf("R1b class 0x%02X lacks busy wait", got)
	}
	if got := ResponseClass(RespR3); got&protocol.SDNoCheckCRC7 == 0 {
		t.Errorf("R3 class 0x%02X checks CRC7", got)
	}
	if got := ResponseClass(RespR2) & 0x03; got != protocol.SDRspLen17 {
		t.Errorf("R2 length code = %d", got)
	}
}

func TestParseRespType(t *testing.T) {
	for _, name := range []string{"R0", "R1", "R1b", "R2", "R3", "R6", "R7"} {
		if _, err := ParseRespType(name); err != nil {
			t.Errorf("ParseRespType(%q) = %v", name, err)
		}
	}
	if _, err := ParseRespType("R5"); !errors.Is(err, protocol.ErrBadArgument) {
		t.Errorf("ParseRespType(R5) = %v, want ErrBadArgument", err)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name string
		rsp  RespType
		raw  []byte
		err  error
	}{
		{"r1 ok", RespR1, []byte{0x0D, 0, 0, 0x09, 0x00, 0x00}, nil},
		{"r1 start bits", RespR1, []byte{0x4D, 0, 0, 0x09, 0x00, 0x00}, protocol.ErrInvalid},
		{"r1 crc flag", RespR1, []byte{0x0D, 0, 0, 0x09, 0x00, protocol.SDCRC7Err}, protocol.ErrInvalid},
		{"r3 ignores crc", RespR3, []byte{0x3F, 0xC0, 0xFF, 0x80, 0x00, protocol.SDCRC7Err}, nil},
		{"r0 status only", RespR0, []byte{0xC0}, nil},
		{"short", RespR2, make([]byte, 6), protocol.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.rsp, tt.raw)
			if tt.err == nil && err != nil {
				t.Fatalf("Verify() = %v", err)
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Fatalf("Verify() = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestDecodeWordsLong(t *testing.T) {
	cmd := &Command{Resp: RespR2}
	cmd.Raw[0] = 0x3F
	for i := 1; i < 16; i++ {
		cmd.Raw[i] = uint8(i)
	}
	cmd.Raw[16] = 0xAA // status, replaced by the dummy CRC
	decodeWords(cmd)
	want := [4]uint32{0x01020304, 0x05060708, 0x090A0B0C, 0x0D0E0F01}
	if diff := cmp.Diff(want, cmd.Words); diff != "" {
		t.Errorf("words mismatch (-want +got):\n%s", diff)
	}
}

func TestVerifyCRC7(t *testing.T) {
	hdr := []byte{0x08, 0x00, 0x00, 0x01, 0xAA}
	good := protocol.CRC7Byte(hdr)
	if err := verifyCRC7(hdr, good); err != nil {
		t.Errorf("verifyCRC7(good) = %v", err)
	}
	if err := verifyCRC7(hdr, good^0x10); !errors.Is(err, protocol.ErrInvalid) {
		t.Errorf("verifyCRC7(bad) = %v, want ErrInvalid", err)
	}
}
