// Package chipsim simulates the card reader ASIC at register level so the
// transports and the engine can run without hardware.
package chipsim

import (
	"encoding/binary"
	"sync"

	"cardreader/protocol"
)

// Faults injects failures into the simulated chip.
type Faults struct {
	// StallData leaves ring-buffer transfers without a data phase.
	StallData bool
	// NoResponse lists opcodes the card never answers.
	NoResponse map[uint8]bool
	// CRC7Error lists opcodes whose response fails the CRC7 check.
	CRC7Error map[uint8]bool
}

// ringXfer is a ring-buffer transfer waiting for its data phase.
type ringXfer struct {
	dir  protocol.Direction
	data []byte // staged read data
	n    int
}

// Stats counts chip activity.
type Stats struct {
	Batches int
	Ops     int
}

// Chip is the simulated register file, SD transfer engine and the card
// attached to it.
type Chip struct {
	mu      sync.Mutex
	regs    [0x10000]uint8
	card    *Card
	present bool
	ring    *ringXfer
	faults  Faults
	cmds    []uint8
	stats   Stats

	// linesLow is set while the card holds CMD and DAT low after a
	// voltage switch command.
	linesLow bool
}

// New creates a chip with card inserted.
func New(card *Card) *Chip {
	c := &Chip{card: card, present: card != nil}
	c.regs[protocol.SDTransfer] = protocol.SDStatIdle
	c.regs[protocol.SDDataState] = protocol.SDDataIdle
	return c
}

// Card returns the attached card.
func (c *Chip) Card() *Card {
	return c.card
}

// SetCardPresent simulates insertion or removal.
func (c *Chip) SetCardPresent(present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.present = present && c.card != nil
}

// SetFaults replaces the injected faults.
func (c *Chip) SetFaults(f Faults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = f
}

// Commands returns the opcodes the card has received, oldest first.
func (c *Chip) Commands() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint8(nil), c.cmds...)
}

// Stats returns activity counters.
func (c *Chip) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Reg returns the current value of a register.
func (c *Chip) Reg(addr uint16) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readReg(addr)
}

// Exec runs ops as one batch. It returns one byte per read or check op;
// a failed check or a transfer error aborts the batch and reports !ok.
func (c *Chip) Exec(ops []protocol.RegisterOp) (resp []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Batches++
	c.stats.Ops += len(ops)
	ok = true
	for _, op := range ops {
		if !ok {
			if op.HasResponse() {
				resp = append(resp, 0)
			}
			continue
		}
		switch op.Kind {
		case protocol.OpRead:
			resp = append(resp, c.readReg(op.Addr))
		case protocol.OpCheck:
			v := c.readReg(op.Addr)
			resp = append(resp, v)
			if v&op.Mask != op.Value&op.Mask {
				ok = false
			}
		case protocol.OpWrite:
			if !c.writeReg(op.Addr, op.Mask, op.Value) {
				ok = false
			}
		}
	}
	return resp, ok
}

// ReadReg reads one register outside a batch.
func (c *Chip) ReadReg(addr uint16) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readReg(addr)
}

// WriteReg writes one register outside a batch and returns the value as
// written, before self-clearing bits take effect.
func (c *Chip) WriteReg(addr uint16, mask, value uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	written := c.regs[addr]&^mask | value&mask
	c.writeReg(addr, mask, value)
	return written
}

func (c *Chip) readReg(addr uint16) uint8 {
	if addr == protocol.SDBusStat {
		if c.linesLow {
			return c.regs[addr]
		}
		return c.regs[addr] | protocol.SDDATStatusMask | protocol.SDCmdStatus
	}
	if addr == protocol.CardExist {
		if c.present {
			return c.regs[addr] | protocol.SDCardExist
		}
		return c.regs[addr] &^ protocol.SDCardExist
	}
	return c.regs[addr]
}

// writeReg applies a masked write and its side effects. It reports false
// when the write started a transfer that ended in error.
func (c *Chip) writeReg(addr uint16, mask, value uint8) bool {
	c.regs[addr] = c.regs[addr]&^mask | value&mask
	v := c.regs[addr]

	switch addr {
	case protocol.SDBusStat:
		c.regs[addr] &= protocol.SDClkToggleEn | protocol.SDClkForceStop
		if v&protocol.SDClkToggleEn != 0 && c.regs[protocol.SDPadCtl]&protocol.SDIOUsing1V8 != 0 {
			c.linesLow = false
		}
	case protocol.SDTransfer:
		if v&protocol.SDTransferStart != 0 {
			return c.startTransfer(v & protocol.SDTMModeMask)
		}
	case protocol.CardStop:
		if v&protocol.SDStop != 0 {
			c.ring = nil
			c.regs[protocol.SDTransfer] = protocol.SDStatIdle
		}
		c.regs[addr] = 0
	case protocol.DMACtl:
		if v&protocol.DMARst != 0 {
			c.ring = nil
			c.regs[addr] &^= protocol.DMARst
		}
	case protocol.RBCtl:
		c.regs[addr] &^= protocol.RBFlush
	case protocol.MCDMARst, protocol.MCFIFOCtl, protocol.SFSMED:
		c.ring = nil
		c.regs[addr] = 0
	}
	return true
}

func (c *Chip) fail() bool {
	c.regs[protocol.SDTransfer] = protocol.SDTransferEnd | protocol.SDStatIdle | protocol.SDTransferErr
	return false
}

func (c *Chip) done() bool {
	c.regs[protocol.SDTransfer] = protocol.SDTransferEnd | protocol.SDStatIdle
	return true
}

func (c *Chip) u16(lo uint16) int {
	return int(c.regs[lo]) | int(c.regs[lo+1])<<8
}

func (c *Chip) dmaLen() int {
	return int(c.regs[protocol.DMATC3])<<24 | int(c.regs[protocol.DMATC2])<<16 |
		int(c.regs[protocol.DMATC1])<<8 | int(c.regs[protocol.DMATC0])
}

// startTransfer runs the SD transfer engine in the given mode.
func (c *Chip) startTransfer(mode uint8) bool {
	c.regs[protocol.SDStat1] = 0
	c.regs[protocol.SDStat2] = 0
	if !c.present {
		c.regs[protocol.SDStat2] = protocol.SDRsp80ClkTimeout
		return c.fail()
	}

	cfg2 := c.regs[protocol.SDCfg2]
	op := c.regs[protocol.SDCmd0] & 0x3F
	arg := binary.BigEndian.Uint32(c.regs[protocol.SDCmd1 : protocol.SDCmd4+1])
	source := c.regs[protocol.CardDataSource] & protocol.PingPongBuf
	size := c.u16(protocol.SDByteCntL) * max(c.u16(protocol.SDBlockCntL), 1)

	// write data phases follow a command sent earlier and issue none
	switch mode {
	case protocol.SDTMAutoWrite3, protocol.SDTMAutoWrite4, protocol.SDTMNormalWrite:
		if source == protocol.RingBuf {
			c.ring = &ringXfer{dir: protocol.DirToCard, n: c.dmaLen()}
			return c.done()
		}
		if !c.card.WriteBlocks(append([]byte(nil), c.regs[protocol.PPBufBase2:protocol.PPBufBase2+size]...)) {
			return c.fail()
		}
		return c.done()
	}

	if !c.command(op, arg, cfg2) {
		return c.fail()
	}

	switch mode {
	case protocol.SDTMCmdRsp:
		return c.done()
	case protocol.SDTMAutoTuning:
		phase := c.regs[protocol.SDVPClk1Ctl] & protocol.PhaseSelectMask
		if c.card.PassPhases&(1<<phase) == 0 {
			c.regs[protocol.SDStat1] |= protocol.SDTuningCompareErr
			return c.fail()
		}
		return c.done()
	case protocol.SDTMNormalRead, protocol.SDTMAutoRead3, protocol.SDTMAutoRead4,
		protocol.SDTMAutoRead1, protocol.SDTMAutoRead2:
		var data []byte
		if op == 17 || op == 18 {
			var ok bool
			if data, ok = c.card.ReadBlocks(arg, size); !ok {
				return c.fail()
			}
		} else {
			data = c.card.ShortData(op, size)
		}
		if source == protocol.RingBuf {
			c.ring = &ringXfer{dir: protocol.DirFromCard, data: data, n: c.dmaLen()}
		} else {
			copy(c.regs[protocol.PPBufBase2:], data)
		}
		return c.done()
	}
	return c.fail()
}

// command sends op to the card and latches the response where the host
// reads it back.
func (c *Chip) command(op uint8, arg uint32, cfg2 uint8) bool {
	c.cmds = append(c.cmds, op)
	if c.faults.NoResponse[op] {
		c.regs[protocol.SDStat2] = protocol.SDRsp80ClkTimeout
		return false
	}
	resp := c.card.Command(op, arg)
	if op == 11 && resp.Kind == Resp48 {
		c.linesLow = true
	}
	switch cfg2 & 0x03 {
	case protocol.SDRspLen0:
		return true
	case protocol.SDRspLen6:
		if resp.Kind != Resp48 {
			c.regs[protocol.SDStat2] = protocol.SDRsp80ClkTimeout
			return false
		}
		c.regs[protocol.SDCmd0] = resp.Op & 0x3F
		binary.BigEndian.PutUint32(c.regs[protocol.SDCmd1:], resp.Word)
		c.regs[protocol.SDCmd5] = protocol.CRC7Byte(c.regs[protocol.SDCmd0 : protocol.SDCmd4+1])
	case protocol.SDRspLen17:
		if resp.Kind != Resp136 {
			c.regs[protocol.SDStat2] = protocol.SDRsp80ClkTimeout
			return false
		}
		c.regs[protocol.PPBufBase2] = 0x3F
		copy(c.regs[protocol.PPBufBase2+1:protocol.PPBufBase2+16], resp.Long[:15])
	}
	if c.faults.CRC7Error[op] && cfg2&protocol.SDNoCheckCRC7 == 0 {
		c.regs[protocol.SDStat1] |= protocol.SDCRC7Err
	}
	return true
}

// DMARead moves a staged ring read into p. It reports false when no read
// is pending or the data phase is stalled.
func (c *Chip) DMARead(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil || c.ring.dir != protocol.DirFromCard || c.faults.StallData {
		return false
	}
	n := copy(p, c.ring.data)
	c.ring = nil
	return n == len(p)
}

// DMAWrite delivers p to a pending ring write.
func (c *Chip) DMAWrite(p []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil || c.ring.dir != protocol.DirToCard || c.faults.StallData {
		return false
	}
	c.ring = nil
	return c.card.WriteBlocks(p)
}

// pendingRing reports the direction and length of a waiting ring transfer.
func (c *Chip) pendingRing() (protocol.Direction, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring == nil {
		return 0, 0, false
	}
	return c.ring.dir, c.ring.n, true
}

func (c *Chip) stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faults.StallData
}
