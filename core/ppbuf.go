package core

import (
	"context"
	"fmt"

	"cardreader/protocol"
)

// readPPBuf copies the start of the ping-pong buffer into p.
func (c *Controller) readPPBuf(ctx context.Context, p []byte) error {
	if len(p) > protocol.PPBufSize {
		return fmt.Errorf("ping-pong read of %d bytes: %w", len(p), protocol.ErrBadArgument)
	}
	if err := c.t.ReadSeq(ctx, protocol.PPBufBase2, p); err != nil {
		return fmt.Errorf("ping-pong read: %w", err)
	}
	return nil
}

// writePPBuf fills the start of the ping-pong buffer with p.
func (c *Controller) writePPBuf(ctx context.Context, p []byte) error {
	if len(p) > protocol.PPBufSize {
		return fmt.Errorf("ping-pong write of %d bytes: %w", len(p), protocol.ErrBadArgument)
	}
	if err := c.t.WriteSeq(ctx, protocol.PPBufBase2, p); err != nil {
		return fmt.Errorf("ping-pong write: %w", err)
	}
	return nil
}
