package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Poll calls cond at a fixed interval until it reports done, returns an
// error, or timeout elapses. Context cancellation ends the wait early.
func Poll(ctx context.Context, timeout, interval time.Duration, cond func() (bool, error)) error {
	b := &backoff.Backoff{Min: interval, Max: interval, Factor: 1}
	deadline := time.Now().Add(timeout)
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("after %d polls (%v): %w", int(b.Attempt()), timeout, ErrTimeout)
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return classify("poll", ctx.Err())
		}
	}
}
