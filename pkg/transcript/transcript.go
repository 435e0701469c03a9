package transcript

import (
	"github.com/pkg/errors"
)

var (
	ErrNoSuchTurn        = errors.New("transcript: no such turn")
	ErrTurnFrozen        = errors.New("transcript: turn is frozen")
	ErrInvalidTransition = errors.New("transcript: invalid lifecycle transition")
)

// Transcript is the ordered list of turns for one session plus the handle on the
// single turn that may still be mutated. It is not safe for concurrent use; the
// reconciler serializes access.
type Transcript struct {
	turns []Turn
	open  int
}

func New() *Transcript {
	return &Transcript{open: -1}
}

func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.turns)
}

// Append adds a turn at the end and returns its id. A pending bot text turn
// becomes the open turn, replacing any previous handle.
func (t *Transcript) Append(turn Turn) int {
	turn.ID = len(t.turns)
	t.turns = append(t.turns, turn.clone())
	if turn.Author == AuthorBot && turn.Kind == KindText && turn.State.Pending() {
		t.open = turn.ID
	}
	return turn.ID
}

// Open returns the id of the turn currently accepting fragments.
func (t *Transcript) Open() (int, bool) {
	if t == nil || t.open < 0 || t.open >= len(t.turns) {
		return -1, false
	}
	return t.open, true
}

// CloseOpen drops the open handle without touching the turn.
func (t *Transcript) CloseOpen() {
	if t == nil {
		return
	}
	t.open = -1
}

func (t *Transcript) Get(id int) (Turn, bool) {
	if t == nil || id < 0 || id >= len(t.turns) {
		return Turn{}, false
	}
	return t.turns[id].clone(), true
}

func (t *Transcript) Last() (Turn, bool) {
	return t.Get(t.Len() - 1)
}

func (t *Transcript) mutable(id int) (*Turn, error) {
	if id < 0 || id >= len(t.turns) {
		return nil, ErrNoSuchTurn
	}
	if id != t.open {
		return nil, ErrTurnFrozen
	}
	turn := &t.turns[id]
	if turn.State.Terminal() {
		return nil, ErrTurnFrozen
	}
	return turn, nil
}

func (t *Transcript) AppendThinking(id int, text string) error {
	turn, err := t.mutable(id)
	if err != nil {
		return err
	}
	turn.Thinking = append(turn.Thinking, text)
	return nil
}

func (t *Transcript) AppendBody(id int, text string) error {
	turn, err := t.mutable(id)
	if err != nil {
		return err
	}
	turn.Body += text
	return nil
}

// Transition moves the open turn to next. Reaching a terminal state releases the
// open handle.
func (t *Transcript) Transition(id int, next State) error {
	turn, err := t.mutable(id)
	if err != nil {
		return err
	}
	if !turn.State.CanTransition(next) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", turn.State, next)
	}
	turn.State = next
	if next.Terminal() {
		t.open = -1
	}
	return nil
}

// Snapshot returns a deep copy of all turns in insertion order.
func (t *Transcript) Snapshot() []Turn {
	if t == nil {
		return nil
	}
	out := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		out[i] = turn.clone()
	}
	return out
}
