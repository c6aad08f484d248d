package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeBatchHeader(t *testing.T) {
	testCases := []struct {
		name      string
		ops       []RegisterOp
		flags     EndFlags
		wantStage uint8
	}{
		{"writes only", []RegisterOp{Write(SDCfg1, 0xFF, 1)}, 0, 0},
		{"with read", []RegisterOp{Write(SDCfg1, 0xFF, 1), Read(SDStat1)}, 0, StageRead},
		{"check only", []RegisterOp{Check(SDTransfer, 0x40, 0x40)}, 0, StageRead},
		{"data in", []RegisterOp{Check(SDTransfer, 0x40, 0x40)}, EndDataIn, StageRead | StageDataIn},
		{"data out", []RegisterOp{Write(SDTransfer, 0xFF, 0x81)}, EndDataOut, StageDataOut},
	}

	for _, tc := range testCases {
		b := NewBatch(PacketCapacity)
		for _, op := range tc.ops {
			b.Enqueue(op)
		}
		buf := make([]byte, IOBufSize)
		n, err := EncodeBatch(buf, b, tc.flags)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if n != PacketHeaderSize+len(tc.ops)*OpRecordSize {
			t.Errorf("%s: length %d", tc.name, n)
		}
		if !bytes.Equal(buf[:4], []byte("R51B")) {
			t.Errorf("%s: tag % X", tc.name, buf[:4])
		}
		if buf[PacketPositionType] != byte(PacketBatch) {
			t.Errorf("%s: type %d", tc.name, buf[PacketPositionType])
		}
		if buf[5] != 0 || int(buf[6]) != len(tc.ops) {
			t.Errorf("%s: count bytes %02X %02X", tc.name, buf[5], buf[6])
		}
		if buf[PacketPositionStage] != tc.wantStage {
			t.Errorf("%s: stage 0x%02X, want 0x%02X", tc.name, buf[PacketPositionStage], tc.wantStage)
		}

		_, ops, err := DecodeBatch(buf[:n])
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if diff := cmp.Diff(tc.ops, ops); diff != "" {
			t.Errorf("%s: decoded ops mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestSeqPackets(t *testing.T) {
	buf := make([]byte, IOBufSize)

	n, err := EncodeSeqRead(buf, PPBufBase2, 512)
	if err != nil {
		t.Fatal(err)
	}
	if n != 12 || buf[PacketPositionType] != byte(PacketSeqRead) || buf[PacketPositionStage] != StageRead {
		t.Errorf("seq read header % X", buf[:n])
	}
	if SeqAddr(buf) != PPBufBase2 {
		t.Errorf("seq read address 0x%04X", SeqAddr(buf))
	}

	data := []byte{1, 2, 3, 4, 5}
	n, err = EncodeSeqWrite(buf, PPBufBase2, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 20 {
		t.Errorf("seq write length %d, want 20", n)
	}
	if !bytes.Equal(buf[SeqWriteDataOffset:SeqWriteDataOffset+5], data) {
		t.Errorf("seq write payload % X", buf[SeqWriteDataOffset:n])
	}

	if _, err := EncodeSeqWrite(buf, PPBufBase2, make([]byte, MaxSeqWrite+1)); !errors.Is(err, ErrBadArgument) {
		t.Errorf("oversized seq write returned %v", err)
	}
}

func TestParseHeaderRejectsTag(t *testing.T) {
	_, err := ParseHeader([]byte("R51X\x00\x00\x01\x00"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("ParseHeader(bad tag) = %v, want ErrInvalid", err)
	}
}
