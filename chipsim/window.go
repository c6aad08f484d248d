package chipsim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"cardreader/protocol"
)

// Bus addresses the simulated chip sees for host memory
const (
	HostBusAddr = 0x10000000
	DMABusAddr  = 0x20000000
)

// Window implements protocol.RegisterWindow on top of a Chip, modelling
// the host command engine, the scatter-gather DMA engine and HAIMR.
type Window struct {
	chip *Chip

	mu    sync.Mutex
	regs  map[uint32]uint32
	bipr  uint32
	haimr uint32
	host  []byte
	dma   []byte
}

// NewWindow attaches a register window to chip.
func NewWindow(chip *Chip) *Window {
	return &Window{
		chip: chip,
		regs: make(map[uint32]uint32),
		host: make([]byte, protocol.HostBufferSize),
	}
}

func (w *Window) HostBuffer() ([]byte, uint32) {
	return w.host, HostBusAddr
}

func (w *Window) DMABuffer(n int) ([]byte, uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > protocol.MaxTransfer {
		return nil, 0, fmt.Errorf("dma buffer of %d bytes: %w", n, protocol.ErrBadArgument)
	}
	if len(w.dma) < n {
		w.dma = make([]byte, n)
	}
	return w.dma[:n], DMABusAddr, nil
}

func (w *Window) Load32(off uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch off {
	case protocol.RegBIPR:
		v := w.bipr
		if w.chip.ReadReg(protocol.CardExist)&protocol.SDCardExist != 0 {
			v |= protocol.SDExist
		}
		return v
	case protocol.RegHAIMR:
		return w.haimr
	}
	return w.regs[off]
}

func (w *Window) Store32(off uint32, v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch off {
	case protocol.RegBIPR:
		w.bipr &^= v
	case protocol.RegHCBCTLR:
		if v&protocol.StartCmd != 0 {
			w.runCommands(int(v&0x00FFFFFF) / 4)
		}
	case protocol.RegHDBCTLR:
		if v&protocol.TrigDMA != 0 {
			w.runDMA(v&protocol.DMARead != 0)
		}
	case protocol.RegHAIMR:
		w.runHAIMR(v)
	default:
		w.regs[off] = v
	}
}

func (w *Window) runCommands(n int) {
	base := w.regs[protocol.RegHCBAR] - HostBusAddr
	ops := make([]protocol.RegisterOp, n)
	for i := range ops {
		ops[i] = protocol.ParseSlot(binary.LittleEndian.Uint32(w.host[base+uint32(i*4):]))
	}
	resp, ok := w.chip.Exec(ops)
	copy(w.host[base:], resp)
	if ok {
		w.bipr |= protocol.CmdDoneInt | protocol.TransOKInt
	} else {
		w.bipr |= protocol.CmdDoneInt | protocol.TransFailInt
	}
}

// runDMA walks the scatter-gather table and moves data between the DMA
// buffer and the chip's ring buffer. A stalled chip never completes.
func (w *Window) runDMA(read bool) {
	tbl := w.host[w.regs[protocol.RegHDBAR]-HostBusAddr:]
	var segs [][2]uint32
	total := 0
	for i := 0; i < protocol.SGMaxEntries; i++ {
		d := binary.LittleEndian.Uint64(tbl[i*8:])
		if d&protocol.SGValid == 0 {
			break
		}
		addr := uint32(d>>32) - DMABusAddr
		l := uint32(d>>12) & 0xFFFFF
		segs = append(segs, [2]uint32{addr, l})
		total += int(l)
		if d&protocol.SGEnd != 0 {
			break
		}
	}
	if w.chip.stalled() {
		return
	}
	if total == 0 || len(segs) == 0 || int(segs[0][0])+total > len(w.dma) {
		w.bipr |= protocol.TransFailInt
		return
	}
	buf := w.dma[segs[0][0] : int(segs[0][0])+total]

	var ok bool
	if read {
		ok = w.chip.DMARead(buf)
	} else {
		ok = w.chip.DMAWrite(buf)
	}
	if ok {
		w.bipr |= protocol.DataDoneInt | protocol.TransOKInt
	} else {
		w.bipr |= protocol.TransFailInt
	}
}

func (w *Window) runHAIMR(v uint32) {
	if v&protocol.HAIMRTransStart == 0 {
		return
	}
	op := protocol.ParseSlot(v &^ (protocol.HAIMRTransStart | protocol.HAIMRWrite))
	var val uint8
	if v&protocol.HAIMRWrite != 0 {
		val = w.chip.WriteReg(op.Addr, op.Mask, op.Value)
	} else {
		val = w.chip.ReadReg(op.Addr)
	}
	w.haimr = uint32(op.Addr&0x3FFF)<<16 | uint32(val)
}

var _ protocol.RegisterWindow = (*Window)(nil)
