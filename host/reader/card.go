package reader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"cardreader/core"
	"cardreader/protocol"
)

// OCR and switch-function bits used during bring-up
const (
	ocrVoltageWindow = 0x00FF8000
	ocrBusy          = 1 << 31
	ocrCCS           = 1 << 30
	ocrS18           = 1 << 24

	ifCondPattern = 0x1AA

	switchCheckHS  = 0x00FFFFF1
	switchSetHS    = 0x80FFFFF1
	switchSetSDR50 = 0x80FFFFF2

	blockSize     = 512
	statusSize    = 64
	acmd41Timeout = time.Second
	acmd41Poll    = 10 * time.Millisecond
)

// CardInfo is what bring-up learned about the inserted card.
type CardInfo struct {
	RCA          uint16
	OCR          uint32
	CID          [4]uint32
	CSD          [4]uint32
	HighCapacity bool
	UHS          bool
	HighSpeed    bool
	Blocks       int64
	BusWidth     int
	Clock        physic.Frequency
	Voltage      core.Voltage
	Phase        int
}

func (c *CardInfo) String() string {
	mode := "default speed"
	switch {
	case c.UHS:
		mode = "SDR50"
	case c.HighSpeed:
		mode = "high speed"
	}
	return fmt.Sprintf("RCA 0x%04X, %d blocks (%d MiB), %d-bit %s at %s, %s",
		c.RCA, c.Blocks, c.Blocks*blockSize>>20, c.BusWidth, mode, c.Clock, c.Voltage)
}

func (r *Reader) cmd(ctx context.Context, op uint8, arg uint32, rsp core.RespType) (*core.Command, error) {
	c := &core.Command{Op: op, Arg: arg, Resp: rsp}
	res := r.ctl.SendCommand(ctx, c)
	if res.Cleanup != nil {
		r.log.Debug("command cleanup", zap.Uint8("op", op), zap.Error(res.Cleanup))
	}
	if res.Err != nil {
		return c, fmt.Errorf("cmd%d: %w", op, res.Err)
	}
	return c, nil
}

func (r *Reader) acmd(ctx context.Context, rca uint16, op uint8, arg uint32, rsp core.RespType) (*core.Command, error) {
	if _, err := r.cmd(ctx, core.OpAppCmd, uint32(rca)<<16, core.RespR1); err != nil {
		return nil, err
	}
	return r.cmd(ctx, op, arg, rsp)
}

// InitCard powers the slot and takes the card from idle to the transfer
// state at the fastest mode both sides support.
func (r *Reader) InitCard(ctx context.Context) (*CardInfo, error) {
	ctl := r.ctl
	caps := ctl.Profile().Caps
	r.card = nil

	// start from a power cycle at 3.3V so a card left in UHS mode resets
	if err := ctl.PowerOff(ctx); err != nil {
		return nil, err
	}
	if err := ctl.SwitchVoltage(ctx, core.Voltage330); err != nil {
		return nil, err
	}
	if err := ctl.PowerOn(ctx); err != nil {
		return nil, err
	}
	if err := ctl.SwitchClock(ctx, core.ClockConfig{Initial: true, Depth: core.SSCDepth500K}); err != nil {
		return nil, err
	}
	if _, err := r.cmd(ctx, core.OpGoIdle, 0, core.RespR0); err != nil {
		return nil, err
	}
	c, err := r.cmd(ctx, core.OpSendIfCond, ifCondPattern, core.RespR7)
	if err != nil {
		return nil, err
	}
	if c.Words[0]&0xFFF != ifCondPattern {
		return nil, fmt.Errorf("cmd8 echo 0x%03X: %w", c.Words[0]&0xFFF, protocol.ErrInvalid)
	}

	arg := uint32(ocrVoltageWindow | ocrCCS)
	if caps&core.CapVoltageSwitch != 0 {
		arg |= ocrS18
	}
	var ocr uint32
	err = protocol.Poll(ctx, acmd41Timeout, acmd41Poll, func() (bool, error) {
		c, err := r.acmd(ctx, 0, core.AppOpSendOpCond, arg, core.RespR3)
		if err != nil {
			return false, err
		}
		ocr = c.Words[0]
		return ocr&ocrBusy != 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("acmd41: %w", err)
	}

	info := &CardInfo{OCR: ocr, HighCapacity: ocr&ocrCCS != 0, BusWidth: 1, Voltage: core.Voltage330, Phase: core.NoPhase}
	if ocr&ocrS18 != 0 && caps&core.CapVoltageSwitch != 0 {
		if _, err := r.cmd(ctx, core.OpSwitchVoltage, 0, core.RespR1); err != nil {
			return nil, err
		}
		if err := ctl.SwitchVoltage(ctx, core.Voltage180); err != nil {
			return nil, err
		}
		info.Voltage = core.Voltage180
	}

	c, err = r.cmd(ctx, core.OpAllSendCID, 0, core.RespR2)
	if err != nil {
		return nil, err
	}
	info.CID = c.Words
	c, err = r.cmd(ctx, core.OpSendRelAddr, 0, core.RespR6)
	if err != nil {
		return nil, err
	}
	info.RCA = uint16(c.Words[0] >> 16)
	c, err = r.cmd(ctx, core.OpSendCSD, uint32(info.RCA)<<16, core.RespR2)
	if err != nil {
		return nil, err
	}
	info.CSD = c.Words
	info.Blocks = capacity(info.CSD)
	if _, err := r.cmd(ctx, core.OpSelectCard, uint32(info.RCA)<<16, core.RespR1b); err != nil {
		return nil, err
	}

	if _, err := r.acmd(ctx, info.RCA, core.AppOpSetBusWidth, 2, core.RespR1); err != nil {
		return nil, err
	}
	if err := ctl.SetBusWidth(ctx, 4); err != nil {
		return nil, err
	}
	info.BusWidth = 4

	if err := r.selectSpeed(ctx, info); err != nil {
		return nil, err
	}
	r.card = info
	r.log.Info("card ready", zap.Stringer("card", info))
	return info, nil
}

// selectSpeed switches to SDR50 with receive tuning on 1.8V cards, to high
// speed otherwise when the card supports it.
func (r *Reader) selectSpeed(ctx context.Context, info *CardInfo) error {
	ctl := r.ctl
	status := make([]byte, statusSize)

	if info.Voltage == core.Voltage180 && ctl.Profile().Caps&core.CapUHS != 0 {
		if err := r.switchFunc(ctx, switchSetSDR50, status); err != nil {
			return err
		}
		if err := ctl.WriteRegister(ctx, protocol.SDCfg1, protocol.SDModeSelectMask, protocol.SD30Mode); err != nil {
			return err
		}
		info.Clock = 100 * physic.MegaHertz
		err := ctl.SwitchClock(ctx, core.ClockConfig{Clock: info.Clock, Depth: core.SSCDepth2M, VariablePhase: true})
		if err != nil {
			return err
		}
		phase, err := ctl.TuneReceive(ctx, core.OpSendTuning)
		if err != nil {
			return err
		}
		info.UHS, info.Phase = true, phase
		return nil
	}

	if err := ctl.WriteRegister(ctx, protocol.SDCfg1, protocol.SDModeSelectMask, protocol.SD20Mode); err != nil {
		return err
	}
	if err := r.switchFunc(ctx, switchCheckHS, status); err != nil {
		return err
	}
	info.Clock = 25 * physic.MegaHertz
	if status[13]&0x02 != 0 {
		if err := r.switchFunc(ctx, switchSetHS, status); err != nil {
			return err
		}
		info.Clock = 50 * physic.MegaHertz
		info.HighSpeed = true
	}
	return ctl.SwitchClock(ctx, core.ClockConfig{Clock: info.Clock, Depth: core.SSCDepth1M})
}

// switchFunc runs CMD6 and reads its 64-byte status block.
func (r *Reader) switchFunc(ctx context.Context, arg uint32, status []byte) error {
	req := &core.Request{
		Cmd:  &core.Command{Op: core.OpSwitch, Arg: arg, Resp: core.RespR1},
		Data: &core.Data{Dir: protocol.DirFromCard, BlockSize: statusSize, Blocks: 1, Buf: status},
	}
	if res := r.ctl.Request(ctx, req); res.Err != nil {
		return fmt.Errorf("cmd6 0x%08X: %w", arg, res.Err)
	}
	return nil
}

// capacity decodes a version 2.0 CSD into 512-byte blocks. Version 1.0
// CSDs go through C_SIZE, C_SIZE_MULT and READ_BL_LEN.
func capacity(csd [4]uint32) int64 {
	if csd[0]>>30 == 1 {
		csize := int64(csd[1]&0x3F)<<16 | int64(csd[2]>>16)
		return (csize + 1) * 1024
	}
	readBlLen := (csd[1] >> 16) & 0xF
	csize := int64(csd[1]&0x3FF)<<2 | int64(csd[2]>>30)
	mult := int64(csd[2]>>15) & 0x7
	bytes := (csize + 1) << (mult + 2) << readBlLen
	return bytes / blockSize
}

// Status returns the card status word (CMD13).
func (r *Reader) Status(ctx context.Context) (uint32, error) {
	if r.card == nil {
		return 0, fmt.Errorf("card not initialized: %w", protocol.ErrInvalid)
	}
	c, err := r.cmd(ctx, core.OpSendStatus, uint32(r.card.RCA)<<16, core.RespR1)
	if err != nil {
		return 0, err
	}
	return c.Words[0], nil
}

// ReadBlocks reads len(p)/512 blocks starting at lba.
func (r *Reader) ReadBlocks(ctx context.Context, lba int64, p []byte) error {
	return r.transfer(ctx, protocol.DirFromCard, lba, p)
}

// WriteBlocks writes len(p)/512 blocks starting at lba.
func (r *Reader) WriteBlocks(ctx context.Context, lba int64, p []byte) error {
	return r.transfer(ctx, protocol.DirToCard, lba, p)
}

func (r *Reader) transfer(ctx context.Context, dir protocol.Direction, lba int64, p []byte) error {
	info := r.card
	if info == nil {
		return fmt.Errorf("card not initialized: %w", protocol.ErrInvalid)
	}
	if len(p) == 0 || len(p)%blockSize != 0 {
		return fmt.Errorf("%d bytes is not a whole number of blocks: %w", len(p), protocol.ErrBadArgument)
	}
	blocks := int64(len(p) / blockSize)
	if lba < 0 || lba+blocks > info.Blocks {
		return fmt.Errorf("blocks %d+%d beyond %d: %w", lba, blocks, info.Blocks, protocol.ErrBadArgument)
	}

	const chunk = min(protocol.MaxTransfer/blockSize, protocol.MaxBlockCount)
	for len(p) > 0 {
		n := min(len(p)/blockSize, chunk)
		op := uint8(core.OpReadSingle)
		if dir == protocol.DirToCard {
			op = core.OpWriteSingle
		}
		if n > 1 {
			op++
		}
		addr := uint32(lba)
		if !info.HighCapacity {
			addr *= blockSize
		}
		req := &core.Request{
			Cmd:  &core.Command{Op: op, Arg: addr, Resp: core.RespR1},
			Data: &core.Data{Dir: dir, BlockSize: blockSize, Blocks: n, Buf: p[:n*blockSize]},
		}
		res := r.ctl.Request(ctx, req)
		if res.Cleanup != nil {
			r.log.Warn("transfer cleanup", zap.Uint8("op", op), zap.Error(res.Cleanup))
		}
		if res.Err != nil {
			return fmt.Errorf("cmd%d at %d: %w", op, lba, res.Err)
		}
		p = p[n*blockSize:]
		lba += int64(n)
	}
	return nil
}
