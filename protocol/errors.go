package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Error codes shared by every layer of the driver. Callers test them with
// errors.Is; components wrap them with context.
var (
	ErrBadArgument = errors.New("bad argument")
	ErrBusy        = errors.New("batch full")
	ErrTimeout     = errors.New("timeout")
	ErrInvalid     = errors.New("invalid response")
	ErrNoMedia     = errors.New("no media")
	ErrUnsupported = errors.New("unsupported")
	ErrDMA         = errors.New("dma transfer mismatch")
	ErrIO          = errors.New("i/o error")
)

// classify maps a collaborator error onto the shared error codes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrBadArgument), errors.Is(err, ErrBusy),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrInvalid),
		errors.Is(err, ErrNoMedia), errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrDMA), errors.Is(err, ErrIO):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrIO, err)
}
