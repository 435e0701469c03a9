package reconciler

import (
	"context"
)

type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	}
	return "unknown"
}

// Event is one channel notification. Data is set for EventMessage, Err for
// EventError (and optionally EventClose when the close was not clean).
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Sender writes one outbound text frame.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Channel is the live bidirectional transport. Events are delivered in order on
// a single stream that is closed after the final EventClose.
type Channel interface {
	Sender
	Events() <-chan Event
	Close() error
}
