package transcript

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

type Author string

const (
	AuthorUser Author = "USER"
	AuthorBot  Author = "BOT"
)

type Kind string

const (
	KindText Kind = "TEXT"
	KindFile Kind = "FILE"
)

// State is the lifecycle marker of a turn. Only BOT/TEXT turns walk through the
// intermediate states; USER turns start at SENT and FILE turns at RECEIVED.
type State string

const (
	StateSent              State = "SENT"
	StateInitialProcessing State = "INITIAL_PROCESSING"
	StateThinking          State = "THINKING"
	StateStreaming         State = "STREAMING"
	StateReceived          State = "RECEIVED"
	// StateFailed is only reached when the reconciler is configured to fail open
	// turns on disconnect.
	StateFailed State = "FAILED"
)

var stateRank = map[State]int{
	StateSent:              0,
	StateInitialProcessing: 1,
	StateThinking:          2,
	StateStreaming:         3,
	StateReceived:          4,
	StateFailed:            4,
}

// Terminal reports whether a turn in this state is frozen.
func (s State) Terminal() bool {
	return s == StateReceived || s == StateFailed || s == StateSent
}

// Pending reports whether the bot is still working on a turn in this state.
func (s State) Pending() bool {
	switch s {
	case StateInitialProcessing, StateThinking, StateStreaming:
		return true
	case StateSent, StateReceived, StateFailed:
		return false
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
// Re-entering THINKING from THINKING is allowed (more reasoning appended).
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	from, ok := stateRank[s]
	if !ok {
		return false
	}
	to, ok := stateRank[next]
	if !ok {
		return false
	}
	if s == next {
		return s == StateThinking || s == StateStreaming
	}
	return to > from
}

// Attachment is a file returned by the bot. Payload is kept base64 encoded as it
// arrives on the wire.
type Attachment struct {
	Filename string `json:"filename" yaml:"filename"`
	MimeType string `json:"type" yaml:"type"`
	Payload  string `json:"base64" yaml:"-"`
}

// Decode returns the raw bytes of the attachment.
func (a Attachment) Decode() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.Payload))
	if err != nil {
		return nil, errors.Wrapf(err, "transcript: decode attachment %q", a.Filename)
	}
	return b, nil
}

// DedupeAttachments collapses attachments sharing a filename, keeping the first
// occurrence and the original order.
func DedupeAttachments(in []Attachment) []Attachment {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if _, ok := seen[a.Filename]; ok {
			continue
		}
		seen[a.Filename] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Turn is one entry in the transcript.
type Turn struct {
	ID          int          `json:"id" yaml:"id"`
	Author      Author       `json:"author" yaml:"author"`
	Kind        Kind         `json:"kind" yaml:"kind"`
	State       State        `json:"state" yaml:"state"`
	Body        string       `json:"body" yaml:"body"`
	Thinking    []string     `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

func (t Turn) clone() Turn {
	out := t
	if t.Thinking != nil {
		out.Thinking = make([]string, len(t.Thinking))
		copy(out.Thinking, t.Thinking)
	}
	if t.Attachments != nil {
		out.Attachments = make([]Attachment, len(t.Attachments))
		copy(out.Attachments, t.Attachments)
	}
	return out
}

func NewUserTurn(text string) Turn {
	return Turn{Author: AuthorUser, Kind: KindText, State: StateSent, Body: text}
}

// NewBotPlaceholder is the bot turn created alongside a user prompt, waiting for fragments.
func NewBotPlaceholder() Turn {
	return Turn{Author: AuthorBot, Kind: KindText, State: StateInitialProcessing, Thinking: []string{}}
}

func NewFileTurn(files []Attachment) Turn {
	return Turn{Author: AuthorBot, Kind: KindFile, State: StateReceived, Attachments: DedupeAttachments(files)}
}
