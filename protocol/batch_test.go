package protocol

import (
	"errors"
	"testing"
)

func TestBatchCapacity(t *testing.T) {
	for _, capacity := range []int{1, 4, PacketCapacity, DirectCapacity} {
		b := NewBatch(capacity)
		b.Begin()
		for i := 0; i < capacity; i++ {
			if err := b.Enqueue(Write(SDCfg1, 0xFF, uint8(i))); err != nil {
				t.Fatalf("capacity %d: enqueue %d failed: %v", capacity, i, err)
			}
		}
		for i := 0; i < 3; i++ {
			err := b.Enqueue(Read(SDStat1))
			if !errors.Is(err, ErrBusy) {
				t.Errorf("capacity %d: enqueue past capacity returned %v, want ErrBusy", capacity, err)
			}
			if b.Len() != capacity {
				t.Errorf("capacity %d: batch grew to %d", capacity, b.Len())
			}
		}
	}
}

func TestBatchCounters(t *testing.T) {
	b := NewBatch(16)
	b.Enqueue(Write(SDCmd0, 0xFF, 0x51))
	b.Enqueue(Check(SDTransfer, SDTransferEnd, SDTransferEnd))
	b.Enqueue(Read(SDCmd1))
	b.Enqueue(Read(SDStat1))

	reads, writes, checks := b.Counts()
	if reads != 2 || writes != 1 || checks != 1 {
		t.Errorf("Counts() = %d/%d/%d, want 2/1/1", reads, writes, checks)
	}
	if b.Responses() != 3 {
		t.Errorf("Responses() = %d, want 3", b.Responses())
	}

	b.Begin()
	reads, writes, checks = b.Counts()
	if b.Len() != 0 || reads != 0 || writes != 0 || checks != 0 {
		t.Errorf("Begin did not reset the batch: len=%d counts=%d/%d/%d", b.Len(), reads, writes, checks)
	}
}

func TestBatchRejectsUnknownKind(t *testing.T) {
	b := NewBatch(4)
	if err := b.Enqueue(RegisterOp{Addr: SDCfg1, Kind: 3}); !errors.Is(err, ErrBadArgument) {
		t.Errorf("Enqueue(kind 3) = %v, want ErrBadArgument", err)
	}
}

func TestPacketCapacity(t *testing.T) {
	if PacketCapacity != 254 {
		t.Errorf("PacketCapacity = %d, want 254", PacketCapacity)
	}
}
