package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRecordEncoding(t *testing.T) {
	testCases := []struct {
		op   RegisterOp
		want [4]byte
	}{
		{Read(SDStat1), [4]byte{0x3D, 0xA3, 0x00, 0x00}},
		{Write(SDCmd0, 0xFF, 0x51), [4]byte{0x7D, 0xA9, 0xFF, 0x51}},
		{Check(SDTransfer, 0x60, 0x60), [4]byte{0xBD, 0xB3, 0x60, 0x60}},
		{Write(PPBufBase1, 0x0F, 0x0A), [4]byte{0x78, 0x00, 0x0F, 0x0A}},
	}

	for _, tc := range testCases {
		var got [4]byte
		tc.op.PutRecord(got[:])
		if got != tc.want {
			t.Errorf("%v: record % X, want % X", tc.op, got, tc.want)
		}
		if diff := cmp.Diff(tc.op, ParseRecord(got[:])); diff != "" {
			t.Errorf("%v: ParseRecord mismatch (-want +got):\n%s", tc.op, diff)
		}
	}
}

func TestSlotEncoding(t *testing.T) {
	op := Write(DMACtl, 0x33, 0x23)
	want := uint32(1)<<30 | uint32(DMACtl&0x3FFF)<<16 | 0x33<<8 | 0x23
	if op.Slot() != want {
		t.Errorf("Slot() = 0x%08X, want 0x%08X", op.Slot(), want)
	}
	if diff := cmp.Diff(op, ParseSlot(op.Slot())); diff != "" {
		t.Errorf("ParseSlot mismatch (-want +got):\n%s", diff)
	}

	var b [4]byte
	op.PutSlot(b[:])
	if b[0] != 0x23 || b[3] != 0x7E {
		t.Errorf("PutSlot not little-endian: % X", b)
	}
}

func TestEP0Value(t *testing.T) {
	v := EP0Value(SFSMED, EP0Write)
	// 0xF400 -> 0x3400 | 1<<14 = 0x7400, byte swapped
	if v != 0x0074 {
		t.Errorf("EP0Value = 0x%04X, want 0x0074", v)
	}
	addr, op := ParseEP0Value(v)
	if addr != SFSMED || op != EP0Write {
		t.Errorf("ParseEP0Value = 0x%04X/%d", addr, op)
	}
}
