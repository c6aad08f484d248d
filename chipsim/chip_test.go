package chipsim

import (
	"encoding/binary"
	"testing"

	"cardreader/protocol"
)

func cmdOps(op uint8, arg uint32, cfg2, mode uint8) []protocol.RegisterOp {
	return []protocol.RegisterOp{
		protocol.Write(protocol.SDCmd0, 0xFF, 0x40|op),
		protocol.Write(protocol.SDCmd1, 0xFF, uint8(arg>>24)),
		protocol.Write(protocol.SDCmd2, 0xFF, uint8(arg>>16)),
		protocol.Write(protocol.SDCmd3, 0xFF, uint8(arg>>8)),
		protocol.Write(protocol.SDCmd4, 0xFF, uint8(arg)),
		protocol.Write(protocol.SDCfg2, 0xFF, cfg2),
		protocol.Write(protocol.SDTransfer, 0xFF, mode|protocol.SDTransferStart),
		protocol.Check(protocol.SDTransfer, 0x60, 0x60),
		protocol.Read(protocol.SDCmd0),
		protocol.Read(protocol.SDCmd1),
		protocol.Read(protocol.SDCmd2),
		protocol.Read(protocol.SDCmd3),
		protocol.Read(protocol.SDCmd4),
		protocol.Read(protocol.SDStat1),
	}
}

func TestChipCommandResponse(t *testing.T) {
	chip := New(NewCard(1 << 20))

	resp, ok := chip.Exec(cmdOps(8, 0x1AA, protocol.SDRspLen6, protocol.SDTMCmdRsp))
	if !ok {
		t.Fatal("CMD8 batch failed")
	}
	if len(resp) != 7 {
		t.Fatalf("expected 7 response bytes, got %d", len(resp))
	}
	if resp[0] != 0x60 {
		t.Errorf("transfer status 0x%02X, want 0x60", resp[0])
	}
	if resp[1] != 8 || binary.BigEndian.Uint32(resp[2:]) != 0x1AA {
		t.Errorf("CMD8 response % X", resp[1:6])
	}
	if got := chip.Commands(); len(got) != 1 || got[0] != 8 {
		t.Errorf("Commands() = %v", got)
	}
}

func TestChipNoResponseFault(t *testing.T) {
	chip := New(NewCard(1 << 20))
	chip.SetFaults(Faults{NoResponse: map[uint8]bool{13: true}})

	resp, ok := chip.Exec(cmdOps(13, 0, protocol.SDRspLen6, protocol.SDTMCmdRsp))
	if ok {
		t.Fatal("expected batch failure")
	}
	if len(resp) != 7 {
		t.Errorf("aborted batch should still produce 7 bytes, got %d", len(resp))
	}
	if chip.Reg(protocol.SDTransfer)&protocol.SDTransferErr == 0 {
		t.Error("SD_TRANSFER error bit not set")
	}
}

func TestCardInitSequence(t *testing.T) {
	card := NewCard(4 << 20)
	card.ReadyAfter = 2

	card.Command(0, 0)
	for i := 0; i < 3; i++ {
		card.Command(55, 0)
		r := card.Command(41, 0x40FF8000)
		ready := r.Word&ocrBusy != 0
		if ready != (i == 2) {
			t.Errorf("ACMD41 poll %d: ready=%v", i, ready)
		}
	}
	if r := card.Command(2, 0); r.Kind != Resp136 {
		t.Errorf("CMD2 response kind %d", r.Kind)
	}
	r := card.Command(3, 0)
	if uint16(r.Word>>16) != card.RCA {
		t.Errorf("CMD3 RCA 0x%04X", r.Word>>16)
	}
	card.Command(7, uint32(card.RCA)<<16)
	if card.State != StateTran {
		t.Errorf("card state %d after select, want tran", card.State)
	}
}

func TestChipCardRemoved(t *testing.T) {
	chip := New(NewCard(1 << 20))
	chip.SetCardPresent(false)
	if chip.Reg(protocol.CardExist)&protocol.SDCardExist != 0 {
		t.Error("card exist bit set with card removed")
	}
	if _, ok := chip.Exec(cmdOps(13, 0, protocol.SDRspLen6, protocol.SDTMCmdRsp)); ok {
		t.Error("command succeeded with no card")
	}
}
