package core

import (
	"context"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cardreader/protocol"
)

// Event captures one engine operation for post-mortem analysis
type Event struct {
	Type  EventType
	Op    uint8  // SD opcode, when there is one
	Arg   uint32 // SD argument
	Value uint32 // Context-dependent: byte count, clock MHz, phase
	Err   error
	At    time.Time
}

// EventType identifies what an Event recorded
type EventType uint8

// Event type codes
const (
	EvtCommand    EventType = 1 // Case 1 command
	EvtShortRead  EventType = 2 // Case 2 read through the ping-pong buffer
	EvtShortWrite EventType = 3 // Case 2 write through the ping-pong buffer
	EvtBlockRead  EventType = 4 // Case 3 DMA read
	EvtBlockWrite EventType = 5 // Case 3 DMA write
	EvtClock      EventType = 6 // SSC clock reprogrammed
	EvtTune       EventType = 7 // Receive phase chosen
	EvtErrorClear EventType = 8 // Error-clear sequence ran
	EvtCardEvent  EventType = 9 // Insert or remove notification
)

func (t EventType) String() string {
	switch t {
	case EvtCommand:
		return "CMD"
	case EvtShortRead:
		return "SHORT_READ"
	case EvtShortWrite:
		return "SHORT_WRITE"
	case EvtBlockRead:
		return "BLOCK_READ"
	case EvtBlockWrite:
		return "BLOCK_WRITE"
	case EvtClock:
		return "CLOCK"
	case EvtTune:
		return "TUNE"
	case EvtErrorClear:
		return "ERR_CLEAR"
	case EvtCardEvent:
		return "CARD"
	}
	return "UNKNOWN"
}

const (
	HistorySize = 32 // Keep last 32 events for post-mortem
)

// History is a fixed ring of recent events. It is only touched from the
// executor goroutine.
type History struct {
	ring [HistorySize]Event
	head int
	n    int
}

// Record appends e, overwriting the oldest event when full
func (h *History) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	h.ring[h.head] = e
	h.head = (h.head + 1) % HistorySize
	h.n = min(h.n+1, HistorySize)
}

// Events returns the recorded events, oldest first
func (h *History) Events() []Event {
	out := make([]Event, 0, h.n)
	start := (h.head - h.n + HistorySize) % HistorySize
	for i := 0; i < h.n; i++ {
		out = append(out, h.ring[(start+i)%HistorySize])
	}
	return out
}

// Clear empties the ring
func (h *History) Clear() {
	*h = History{}
}

// record adds an event to the controller's history.
func (c *Controller) record(typ EventType, op uint8, arg, value uint32, err error) {
	c.history.Record(Event{Type: typ, Op: op, Arg: arg, Value: value, Err: err})
}

// dumpHistory writes the history ring to the log (call on error)
func (c *Controller) dumpHistory() {
	if !c.log.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	for _, e := range c.history.Events() {
		c.log.Debug("history",
			zap.Stringer("type", e.Type),
			zap.Uint8("op", e.Op),
			zap.Uint32("arg", e.Arg),
			zap.Uint32("value", e.Value),
			zap.Time("at", e.At),
			zap.Error(e.Err))
	}
}

// dumpDebugRegs logs the SD engine registers after a failed transaction.
// It costs extra transport round trips, so it only runs at debug level.
func (c *Controller) dumpDebugRegs(ctx context.Context) {
	if !c.log.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	var sd [protocol.SDDataState - protocol.SDCfg1 + 1]byte
	if err := c.t.ReadSeq(ctx, protocol.SDCfg1, sd[:]); err != nil {
		c.log.Debug("debug register dump failed", zap.Error(err))
		return
	}
	var card [protocol.CardClkEn - protocol.CardShareMode + 1]byte
	if err := c.t.ReadSeq(ctx, protocol.CardShareMode, card[:]); err != nil {
		c.log.Debug("debug register dump failed", zap.Error(err))
		return
	}
	c.log.Debug("sd registers",
		zap.String("0xFDA0", hex.EncodeToString(sd[:])),
		zap.String("0xFD52", hex.EncodeToString(card[:])))
}
