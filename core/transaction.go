package core

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cardreader/protocol"
)

// Data describes the payload of a data command.
type Data struct {
	Dir       protocol.Direction
	BlockSize int
	Blocks    int

	// Buf holds at least Size() bytes. Tuning reads may leave it nil.
	Buf []byte
}

// Size is the payload length in bytes.
func (d *Data) Size() int {
	return d.BlockSize * d.Blocks
}

// Request is one storage-stack request. Stop overrides the STOP command
// sent after multi-block transfers.
type Request struct {
	Cmd  *Command
	Data *Data
	Stop *Command
}

// Result separates the outcome of a request from failures of the cleanup
// that followed it. Cleanup never changes Err.
type Result struct {
	Err     error
	Cleanup error
}

// request validates and dispatches req to one of the three transaction
// shapes, then runs error-clear and STOP as needed.
func (c *Controller) request(ctx context.Context, req *Request) Result {
	if err := c.validate(req); err != nil {
		return Result{Err: err}
	}
	cmd, data := req.Cmd, req.Data
	if !c.present {
		return Result{Err: fmt.Errorf("cmd%d: %w", cmd.Op, protocol.ErrNoMedia)}
	}

	var err error
	switch {
	case data == nil:
		err = c.sendCommand(ctx, cmd)
	case isBlockTransfer(cmd.Op):
		err = c.transferBlocks(ctx, cmd, data)
	case data.Dir == protocol.DirFromCard:
		err = c.readShort(ctx, cmd, data)
	default:
		err = c.writeShort(ctx, cmd, data)
	}

	res := Result{Err: err}
	if err != nil {
		c.dumpDebugRegs(ctx)
		res.Cleanup = c.clearError(ctx)
	}
	if data != nil && isMultiBlock(cmd.Op) {
		res.Cleanup = multierr.Append(res.Cleanup, c.stop(ctx, req.Stop))
	}
	if res.Cleanup != nil {
		c.log.Warn("request cleanup failed",
			zap.Uint8("op", cmd.Op),
			zap.NamedError("primary", res.Err),
			zap.Error(res.Cleanup))
	}
	if err != nil {
		c.dumpHistory()
	}
	return res
}

func (c *Controller) validate(req *Request) error {
	if req == nil || req.Cmd == nil {
		return fmt.Errorf("request without command: %w", protocol.ErrBadArgument)
	}
	d := req.Data
	if d == nil {
		return nil
	}
	size := d.Size()
	switch {
	case d.BlockSize <= 0 || d.Blocks <= 0:
		return fmt.Errorf("cmd%d: %d blocks of %d bytes: %w", req.Cmd.Op, d.Blocks, d.BlockSize, protocol.ErrBadArgument)
	case d.Blocks > protocol.MaxBlockCount:
		return fmt.Errorf("cmd%d: %d blocks exceeds %d: %w", req.Cmd.Op, d.Blocks, protocol.MaxBlockCount, protocol.ErrBadArgument)
	case size > protocol.MaxTransfer:
		return fmt.Errorf("cmd%d: %d bytes exceeds %d: %w", req.Cmd.Op, size, protocol.MaxTransfer, protocol.ErrBadArgument)
	case !isBlockTransfer(req.Cmd.Op) && size > protocol.PPBufSize:
		return fmt.Errorf("cmd%d: short transfer of %d bytes: %w", req.Cmd.Op, size, protocol.ErrBadArgument)
	case isTuning(req.Cmd.Op) && d.Buf == nil:
		return nil
	case len(d.Buf) < size:
		return fmt.Errorf("cmd%d: buffer of %d bytes for %d: %w", req.Cmd.Op, len(d.Buf), size, protocol.ErrBadArgument)
	}
	return nil
}

// stop ends an open-ended transfer. Failures are returned for the caller
// to record as cleanup.
func (c *Controller) stop(ctx context.Context, stop *Command) error {
	if stop == nil {
		stop = &Command{Op: OpStopTransmission, Resp: RespR1b}
	}
	if err := c.sendCommand(ctx, stop); err != nil {
		return multierr.Append(fmt.Errorf("stop: %w", err), c.clearError(ctx))
	}
	return nil
}

// clearError resets the host side state machine and stops the SD engine.
func (c *Controller) clearError(ctx context.Context) error {
	err := multierr.Append(
		c.t.ClearError(ctx),
		c.t.WriteRegister(ctx, protocol.CardStop, protocol.SDStop|protocol.SDClrErr, protocol.SDStop|protocol.SDClrErr))
	c.record(EvtErrorClear, 0, 0, 0, err)
	if err != nil {
		return fmt.Errorf("error clear: %w", err)
	}
	return nil
}

// checkTransfer interprets the SD_TRANSFER byte returned by a check op.
func checkTransfer(status uint8, want uint8) error {
	if status&protocol.SDTransferErr != 0 {
		return fmt.Errorf("SD_TRANSFER 0x%02X: %w", status, protocol.ErrIO)
	}
	if status&want != want {
		return fmt.Errorf("SD_TRANSFER 0x%02X: %w", status, protocol.ErrInvalid)
	}
	return nil
}

// setDataLen queues the byte and block count registers.
func (c *Controller) setDataLen(blocks, blockSize int) error {
	return c.enqueue(
		protocol.Write(protocol.SDByteCntL, 0xFF, uint8(blockSize)),
		protocol.Write(protocol.SDByteCntH, 0xFF, uint8(blockSize>>8)),
		protocol.Write(protocol.SDBlockCntL, 0xFF, uint8(blocks)),
		protocol.Write(protocol.SDBlockCntH, 0xFF, uint8(blocks>>8)),
	)
}

// sendCommand is Case 1: a command and its response, no data.
func (c *Controller) sendCommand(ctx context.Context, cmd *Command) (err error) {
	defer func() {
		c.record(EvtCommand, cmd.Op, cmd.Arg, cmd.Words[0], err)
	}()

	timeout := c.opts.CommandTimeout
	if cmd.Resp == RespR1b {
		timeout = c.opts.BusyTimeout
		if cmd.BusyTimeout > 0 {
			timeout = cmd.BusyTimeout
		}
	}

	if cmd.Op == OpSwitchVoltage {
		const mask = protocol.SDClkToggleEn | protocol.SDClkForceStop
		if err := c.t.WriteRegister(ctx, protocol.SDBusStat, mask, protocol.SDClkToggleEn); err != nil {
			return fmt.Errorf("cmd%d: clock toggle: %w", cmd.Op, err)
		}
		defer func() {
			if err == nil {
				return
			}
			if werr := c.t.WriteRegister(ctx, protocol.SDBusStat, mask, 0); werr != nil {
				c.log.Warn("clock toggle off failed", zap.Error(werr))
			}
		}()
	}

	n := ResponseLength(cmd.Resp)
	swCRC := c.profile.SoftwareCRC7 && n == 6 && uint8(cmd.Resp)&protocol.SDNoCheckCRC7 == 0

	c.t.Begin()
	enc := Encode(cmd)
	if err := c.enqueue(enc[:]...); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	ops := []protocol.RegisterOp{
		protocol.Write(protocol.CardDataSource, 0x01, protocol.PingPongBuf),
		protocol.Write(protocol.SDCfg2, 0xFF, ResponseClass(cmd.Resp)),
		protocol.Write(protocol.SDTransfer, 0xFF, protocol.SDTMCmdRsp|protocol.SDTransferStart),
		protocol.Check(protocol.SDTransfer, protocol.SDTransferEnd|protocol.SDStatIdle, protocol.SDTransferEnd|protocol.SDStatIdle),
	}
	switch n {
	case 17:
		for addr := uint16(protocol.PPBufBase2); addr < protocol.PPBufBase2+16; addr++ {
			ops = append(ops, protocol.Read(addr))
		}
	case 6:
		for addr := uint16(protocol.SDCmd0); addr <= protocol.SDCmd4; addr++ {
			ops = append(ops, protocol.Read(addr))
		}
	}
	ops = append(ops, protocol.Read(protocol.SDStat1))
	if swCRC {
		ops = append(ops, protocol.Read(protocol.SDCmd5))
	}
	if err := c.enqueue(ops...); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if err := c.t.End(ctx, timeout, 0); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}

	resp := c.t.Response()
	want := 1 + n
	if swCRC {
		want++
	}
	if len(resp) < want {
		return fmt.Errorf("cmd%d: %d response bytes, want %d: %w", cmd.Op, len(resp), want, protocol.ErrInvalid)
	}
	if err := checkTransfer(resp[0], protocol.SDTransferEnd|protocol.SDStatIdle); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	cmd.Raw = [17]byte{}
	copy(cmd.Raw[:], resp[1:1+n])

	verifyAs := cmd.Resp
	if swCRC {
		verifyAs |= RespType(protocol.SDNoCheckCRC7)
	}
	if err := Verify(verifyAs, cmd.Raw[:n]); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if swCRC {
		if err := verifyCRC7(cmd.Raw[:5], resp[1+n]); err != nil {
			return fmt.Errorf("cmd%d: %w", cmd.Op, err)
		}
	}
	decodeWords(cmd)
	c.log.Debug("command",
		zap.Uint8("op", cmd.Op),
		zap.Uint32("arg", cmd.Arg),
		zap.Stringer("rsp", cmd.Resp),
		zap.Uint32("word0", cmd.Words[0]))
	return nil
}

// readShort is the inbound half of Case 2: the data lands in the
// ping-pong buffer and is read back by register access. Tuning reads
// only report whether the block arrived intact.
func (c *Controller) readShort(ctx context.Context, cmd *Command, data *Data) (err error) {
	tuning := isTuning(cmd.Op)
	defer func() {
		if !tuning {
			c.record(EvtShortRead, cmd.Op, cmd.Arg, uint32(data.Size()), err)
		}
	}()

	mode := uint8(protocol.SDTMNormalRead)
	if tuning {
		mode = protocol.SDTMAutoTuning
	}

	c.t.Begin()
	enc := Encode(cmd)
	if err := c.enqueue(enc[:]...); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if err := c.setDataLen(data.Blocks, data.BlockSize); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	ops := []protocol.RegisterOp{
		protocol.Write(protocol.SDCfg2, 0xFF, protocol.SDCalculateCRC7|protocol.SDCheckCRC7|
			protocol.SDNoWaitBusyEnd|protocol.SDCheckCRC16|protocol.SDRspLen6),
	}
	if !tuning {
		ops = append(ops, protocol.Write(protocol.CardDataSource, 0x01, protocol.PingPongBuf))
	}
	ops = append(ops,
		protocol.Write(protocol.SDTransfer, 0xFF, mode|protocol.SDTransferStart),
		protocol.Check(protocol.SDTransfer, protocol.SDTransferEnd, protocol.SDTransferEnd),
	)
	if err := c.enqueue(ops...); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if err := c.t.End(ctx, c.opts.ShortTimeout, 0); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if resp := c.t.Response(); len(resp) > 0 {
		if err := checkTransfer(resp[0], protocol.SDTransferEnd); err != nil {
			return fmt.Errorf("cmd%d: %w", cmd.Op, err)
		}
	}

	if tuning || data.Buf == nil {
		return nil
	}
	if err := c.readPPBuf(ctx, data.Buf[:data.Size()]); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	return nil
}

// writeShort is the outbound half of Case 2: command first, then the
// payload goes through the ping-pong buffer and the data phase runs.
func (c *Controller) writeShort(ctx context.Context, cmd *Command, data *Data) (err error) {
	defer func() {
		c.record(EvtShortWrite, cmd.Op, cmd.Arg, uint32(data.Size()), err)
	}()

	if err := c.sendCommand(ctx, cmd); err != nil {
		return err
	}
	if err := c.writePPBuf(ctx, data.Buf[:data.Size()]); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}

	c.t.Begin()
	if err := c.setDataLen(data.Blocks, data.BlockSize); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	err = c.enqueue(
		protocol.Write(protocol.SDCfg2, 0xFF, protocol.SDCalculateCRC7|protocol.SDCheckCRC7|
			protocol.SDNoWaitBusyEnd|protocol.SDCheckCRC16|protocol.SDRspLen0),
		protocol.Write(protocol.SDTransfer, 0xFF, protocol.SDTMAutoWrite3|protocol.SDTransferStart),
		protocol.Check(protocol.SDTransfer, protocol.SDTransferEnd, protocol.SDTransferEnd),
	)
	if err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if err := c.t.End(ctx, c.opts.ShortTimeout, 0); err != nil {
		return fmt.Errorf("cmd%d data: %w", cmd.Op, err)
	}
	if resp := c.t.Response(); len(resp) > 0 {
		if err := checkTransfer(resp[0], protocol.SDTransferEnd); err != nil {
			return fmt.Errorf("cmd%d data: %w", cmd.Op, err)
		}
	}
	return nil
}

// transferBlocks is Case 3: the SD engine moves blocks through the ring
// buffer while the DMA engine moves them to or from host memory.
func (c *Controller) transferBlocks(ctx context.Context, cmd *Command, data *Data) (err error) {
	read := data.Dir == protocol.DirFromCard
	evt := EvtBlockWrite
	if read {
		evt = EvtBlockRead
	}
	defer func() {
		c.record(evt, cmd.Op, cmd.Arg, uint32(data.Size()), err)
	}()

	if !read {
		if err := c.sendCommand(ctx, cmd); err != nil {
			return err
		}
	}

	c.t.Begin()
	if read {
		enc := Encode(cmd)
		if err := c.enqueue(enc[:]...); err != nil {
			return fmt.Errorf("cmd%d: %w", cmd.Op, err)
		}
	}
	if err := c.setDataLen(data.Blocks, data.BlockSize); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if err := c.dma.program(data.Dir, data.Size()); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	cfg2 := uint8(protocol.SDCalculateCRC7 | protocol.SDCheckCRC7 | protocol.SDNoWaitBusyEnd |
		protocol.SDCheckCRC16 | protocol.SDRspLen6)
	mode := uint8(protocol.SDTMAutoRead2)
	if !read {
		cfg2 = protocol.SDNoCalculateCRC7 | protocol.SDNoCheckCRC7 | protocol.SDNoWaitBusyEnd |
			protocol.SDCheckCRC16 | protocol.SDRspLen0
		mode = protocol.SDTMAutoWrite3
	}
	err = c.enqueue(
		protocol.Write(protocol.SDCfg2, 0xFF, cfg2),
		protocol.Write(protocol.SDTransfer, 0xFF, mode|protocol.SDTransferStart),
		protocol.Check(protocol.SDTransfer, protocol.SDTransferEnd, protocol.SDTransferEnd),
	)
	if err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	if err := c.dma.run(ctx, data.Dir, data.Buf[:data.Size()], c.opts.BatchTimeout, c.opts.DataTimeout); err != nil {
		return fmt.Errorf("cmd%d: %w", cmd.Op, err)
	}
	return nil
}
