package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cardreader/protocol"
)

// dmaEngine programs the chip side of a ring-buffer DMA and runs the data
// phase over the transport's bulk path.
type dmaEngine struct {
	t   protocol.Transport
	log *zap.Logger
}

// program queues the DMA setup into the open batch: clear the done
// interrupt, length, direction with 512-byte packing, ring buffer source.
func (d *dmaEngine) program(dir protocol.Direction, n int) error {
	if n <= 0 || n > protocol.MaxTransfer {
		return fmt.Errorf("dma of %d bytes: %w", n, protocol.ErrBadArgument)
	}
	ctl := uint8(protocol.DMAEn | protocol.DMADirToCard | protocol.DMA512)
	if dir == protocol.DirFromCard {
		ctl = protocol.DMAEn | protocol.DMADirFromCard | protocol.DMA512
	}
	ops := [...]protocol.RegisterOp{
		protocol.Write(protocol.IRQStat0, protocol.DMADoneInt, protocol.DMADoneInt),
		protocol.Write(protocol.DMATC3, 0xFF, uint8(n>>24)),
		protocol.Write(protocol.DMATC2, 0xFF, uint8(n>>16)),
		protocol.Write(protocol.DMATC1, 0xFF, uint8(n>>8)),
		protocol.Write(protocol.DMATC0, 0xFF, uint8(n)),
		protocol.Write(protocol.DMACtl, protocol.DMAEn|protocol.DMADirFromCard|protocol.DMAPackMask, ctl),
		protocol.Write(protocol.CardDataSource, 0x01, protocol.RingBuf),
	}
	for _, op := range ops {
		if err := d.t.Enqueue(op); err != nil {
			return err
		}
	}
	return nil
}

// run starts the queued batch without waiting for it, then moves buf and
// checks the batch's SD_TRANSFER status.
func (d *dmaEngine) run(ctx context.Context, dir protocol.Direction, buf []byte, batchTimeout, dataTimeout time.Duration) error {
	flags := protocol.EndDataOut
	if dir == protocol.DirFromCard {
		flags = protocol.EndDataIn
	}
	if err := d.t.End(ctx, batchTimeout, flags); err != nil {
		return err
	}
	start := time.Now()
	if err := d.t.TransferData(ctx, dir, buf, dataTimeout); err != nil {
		return err
	}
	if resp := d.t.Response(); len(resp) > 0 {
		if err := checkTransfer(resp[len(resp)-1], protocol.SDTransferEnd); err != nil {
			return err
		}
	}
	d.log.Debug("dma done",
		zap.Stringer("dir", dir),
		zap.Int("bytes", len(buf)),
		zap.Duration("took", time.Since(start)))
	return nil
}
