package hub

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

// ErrDispatcherFull is returned when the command queue cannot accept more
// broadcasts.
var ErrDispatcherFull = errors.New("dispatcher queue full")

type command struct {
	conversation types.ConversationID
	frame        any
}

// Dispatcher lets code running outside any chat session, such as the HTTP
// handler that deletes a persisted message, broadcast into a conversation it
// holds no connection for. Commands are handed off over a buffered channel
// and consumed by a single goroutine that owns the fan-out, so callers never
// touch hub state from their own goroutine.
type Dispatcher struct {
	hub    *Hub
	queue  chan command
	logger zerolog.Logger
}

// NewDispatcher constructs a dispatcher with the given queue depth. A depth
// of zero or less defaults to 64.
func NewDispatcher(h *Hub, depth int, logger zerolog.Logger) *Dispatcher {
	if depth <= 0 {
		depth = 64
	}
	return &Dispatcher{
		hub:    h,
		queue:  make(chan command, depth),
		logger: logger,
	}
}

// Start launches the consumer loop. It runs until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case cmd := <-d.queue:
			sent := d.hub.Broadcast(cmd.conversation, Nobody, cmd.frame)
			d.logger.Debug().
				Str("conversation", string(cmd.conversation)).
				Int("recipients", sent).
				Msg("dispatched out-of-session broadcast")
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a broadcast without blocking. Safe to call from any
// goroutine.
func (d *Dispatcher) Submit(conv types.ConversationID, frame any) error {
	select {
	case d.queue <- command{conversation: conv, frame: frame}:
		return nil
	default:
		d.logger.Warn().Str("conversation", string(conv)).Msg("dispatcher queue full; dropping broadcast")
		return ErrDispatcherFull
	}
}
