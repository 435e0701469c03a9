package reconciler

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Apply dispatches one channel event to its handler.
func (r *Reconciler) Apply(ev Event) {
	switch ev.Kind {
	case EventOpen:
		r.OnOpen()
	case EventMessage:
		r.OnMessage(ev.Data)
	case EventError:
		r.OnError(ev.Err)
	case EventClose:
		r.OnClose()
	default:
		log.Warn().Str("component", "reconciler").Int("kind", int(ev.Kind)).Msg("unknown channel event")
	}
}

// Run binds ch as the outbound sender and consumes its events one at a time
// until the event stream ends or ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, ch Channel) error {
	if ch == nil {
		return ErrChannelNotOpen
	}
	r.mu.Lock()
	r.sender = ch
	r.mu.Unlock()

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			r.OnClose()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Apply(ev)
		}
	}
}
