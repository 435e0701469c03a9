package reconciler

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/kbchat/pkg/fragment"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

var (
	ErrChannelNotOpen = errors.New("reconciler: channel not open")
	ErrEmptyPrompt    = errors.New("reconciler: prompt is empty")
)

// ChangeReason tells listeners what caused a transcript change.
type ChangeReason string

const (
	ChangePrompt     ChangeReason = "prompt"
	ChangeThinking   ChangeReason = "thinking"
	ChangeFinal      ChangeReason = "final_text"
	ChangeFiles      ChangeReason = "files"
	ChangeProcessing ChangeReason = "processing"
	ChangeFailed     ChangeReason = "failed"
)

// Change describes one transcript mutation. Turn is nil for pure processing-flag
// changes. Seq increases by one per change within a session.
type Change struct {
	SessionID  string           `json:"session_id"`
	Seq        uint64           `json:"seq"`
	Reason     ChangeReason     `json:"reason"`
	Processing bool             `json:"processing"`
	Turn       *transcript.Turn `json:"turn,omitempty"`
}

type Listener func(Change)

// Reconciler folds inbound fragments into a transcript. All handlers are
// serialized by one mutex, so the rendering layer may call SendPrompt and
// Snapshot from its own goroutine while Run consumes channel events.
type Reconciler struct {
	sessionID        string
	failOnDisconnect bool

	// notifyMu is taken before mu is released so listeners observe changes in
	// Seq order. Listeners must not call SendPrompt synchronously.
	notifyMu sync.Mutex

	mu         sync.Mutex
	sender     Sender
	ready      bool
	processing bool
	transcript *transcript.Transcript
	acc        *fragment.Accumulator
	seq        uint64
	listeners  []Listener
}

type Option func(*Reconciler) error

func WithSessionID(id string) Option {
	return func(r *Reconciler) error {
		id = strings.TrimSpace(id)
		if id == "" {
			return errors.New("reconciler: empty session id")
		}
		r.sessionID = id
		return nil
	}
}

func WithSender(s Sender) Option {
	return func(r *Reconciler) error {
		r.sender = s
		return nil
	}
}

// WithFailOnDisconnect marks a turn still waiting for the bot as FAILED when the
// channel errors or closes. Without it such a turn stays visibly pending.
func WithFailOnDisconnect(v bool) Option {
	return func(r *Reconciler) error {
		r.failOnDisconnect = v
		return nil
	}
}

func WithListener(l Listener) Option {
	return func(r *Reconciler) error {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
		return nil
	}
}

func WithMaxPending(n int) Option {
	return func(r *Reconciler) error {
		if n < 0 {
			return errors.Errorf("reconciler: negative max pending %d", n)
		}
		r.acc.MaxPending = n
		return nil
	}
}

func New(options ...Option) (*Reconciler, error) {
	r := &Reconciler{
		transcript: transcript.New(),
		acc:        fragment.NewAccumulator(),
	}
	for _, opt := range options {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.sessionID == "" {
		r.sessionID = uuid.NewString()
	}
	return r, nil
}

func (r *Reconciler) SessionID() string {
	return r.sessionID
}

// AddListener registers l for all subsequent changes.
func (r *Reconciler) AddListener(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Reconciler) Processing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processing
}

func (r *Reconciler) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Reconciler) Snapshot() []transcript.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.Snapshot()
}

// SendPrompt appends the user turn and its bot placeholder, then writes the
// request. The turns are appended even when the channel is not open.
func (r *Reconciler) SendPrompt(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	payload, err := fragment.NewRequest(text, r.sessionID).Marshal()
	if err != nil {
		return err
	}

	r.mu.Lock()
	sender, ready := r.sender, r.ready
	// Without a live channel nothing will ever clear the flag, so the
	// placeholder is left pending the same way a disconnect leaves it.
	r.processing = sender != nil && ready
	userID := r.transcript.Append(transcript.NewUserTurn(text))
	botID := r.transcript.Append(transcript.NewBotPlaceholder())
	changes := []Change{r.changeLocked(ChangePrompt, userID), r.changeLocked(ChangePrompt, botID)}
	r.dispatchLocked(changes)

	if sender == nil || !ready {
		log.Warn().Str("component", "reconciler").Str("session_id", r.sessionID).Msg("prompt not sent, channel not open")
		return ErrChannelNotOpen
	}
	if err := sender.Send(ctx, payload); err != nil {
		// The request never left, so no fragment will clear the flag.
		r.mu.Lock()
		r.processing = false
		r.dispatchLocked([]Change{r.changeLocked(ChangeProcessing, -1)})
		return errors.Wrap(err, "reconciler: send prompt")
	}
	log.Debug().Str("component", "reconciler").Str("session_id", r.sessionID).Int("bot_turn", botID).Msg("prompt sent")
	return nil
}

func (r *Reconciler) OnOpen() {
	r.mu.Lock()
	r.ready = true
	r.mu.Unlock()
	log.Info().Str("component", "reconciler").Str("session_id", r.sessionID).Msg("channel open")
}

// OnMessage feeds one raw chunk and applies every fragment it completes.
func (r *Reconciler) OnMessage(raw []byte) {
	r.mu.Lock()
	var changes []Change
	for _, res := range r.acc.Feed(raw) {
		switch res.Status {
		case fragment.StatusNeedMore:
			log.Trace().Str("component", "reconciler").Int("pending", r.acc.Pending()).Msg("incomplete fragment, waiting for more data")
		case fragment.StatusMalformed:
			log.Warn().Err(res.Err).Str("component", "reconciler").Str("session_id", r.sessionID).Int("bytes", len(res.Raw)).Msg("discarding malformed fragment")
		case fragment.StatusComplete:
			changes = append(changes, r.applyLocked(res.Fragment)...)
		}
	}
	r.dispatchLocked(changes)
}

func (r *Reconciler) applyLocked(f fragment.Fragment) []Change {
	switch f.Type {
	case fragment.TypeThinking:
		id, ok := r.openBotTurnLocked()
		if !ok {
			return nil
		}
		if err := r.transcript.AppendThinking(id, f.Text); err != nil {
			log.Debug().Err(err).Str("component", "reconciler").Msg("thinking not applied")
			return nil
		}
		if err := r.transcript.Transition(id, transcript.StateThinking); err != nil {
			log.Debug().Err(err).Str("component", "reconciler").Msg("thinking transition rejected")
		}
		return []Change{r.changeLocked(ChangeThinking, id)}

	case fragment.TypeFinalText:
		id, ok := r.openBotTurnLocked()
		if !ok {
			return nil
		}
		if err := r.transcript.AppendBody(id, f.Text); err != nil {
			log.Debug().Err(err).Str("component", "reconciler").Msg("final text not applied")
			return nil
		}
		if err := r.transcript.Transition(id, transcript.StateReceived); err != nil {
			log.Debug().Err(err).Str("component", "reconciler").Msg("final transition rejected")
		}
		r.processing = false
		return []Change{r.changeLocked(ChangeFinal, id)}

	case fragment.TypeFiles:
		if len(f.Files) == 0 {
			log.Debug().Str("component", "reconciler").Str("session_id", r.sessionID).Msg("files fragment without files, ignored")
			return nil
		}
		id := r.transcript.Append(transcript.NewFileTurn(f.Attachments()))
		return []Change{r.changeLocked(ChangeFiles, id)}

	case fragment.TypeDelta:
		return nil
	}
	log.Debug().Str("component", "reconciler").Str("type", string(f.Type)).Msg("ignoring unknown fragment type")
	return nil
}

// openBotTurnLocked returns the turn that fragments may mutate. Stray fragments
// (no prompt yet, or the last turn already finished) find nothing.
func (r *Reconciler) openBotTurnLocked() (int, bool) {
	id, ok := r.transcript.Open()
	if !ok {
		log.Debug().Str("component", "reconciler").Str("session_id", r.sessionID).Msg("no open bot turn, fragment dropped")
		return -1, false
	}
	turn, ok := r.transcript.Get(id)
	if !ok || turn.Author != transcript.AuthorBot {
		return -1, false
	}
	return id, true
}

func (r *Reconciler) OnError(err error) {
	log.Warn().Err(err).Str("component", "reconciler").Str("session_id", r.sessionID).Msg("channel error")
	r.disconnect(ChangeProcessing)
}

func (r *Reconciler) OnClose() {
	log.Info().Str("component", "reconciler").Str("session_id", r.sessionID).Msg("channel closed")
	r.disconnect(ChangeProcessing)
}

func (r *Reconciler) disconnect(reason ChangeReason) {
	r.mu.Lock()
	r.ready = false
	r.processing = false
	if pending := r.acc.Pending(); pending > 0 {
		log.Debug().Str("component", "reconciler").Int("pending", pending).Msg("dropping partial fragment on disconnect")
	}
	r.acc.Reset()

	var changes []Change
	if id, ok := r.transcript.Open(); ok && r.failOnDisconnect {
		if err := r.transcript.Transition(id, transcript.StateFailed); err == nil {
			changes = append(changes, r.changeLocked(ChangeFailed, id))
		}
	}
	if len(changes) == 0 {
		changes = append(changes, r.changeLocked(reason, -1))
	}
	r.dispatchLocked(changes)
}

func (r *Reconciler) changeLocked(reason ChangeReason, turnID int) Change {
	r.seq++
	c := Change{
		SessionID:  r.sessionID,
		Seq:        r.seq,
		Reason:     reason,
		Processing: r.processing,
	}
	if turn, ok := r.transcript.Get(turnID); ok {
		c.Turn = &turn
	}
	return c
}

// dispatchLocked releases mu and delivers changes to the listeners.
func (r *Reconciler) dispatchLocked(changes []Change) {
	listeners := r.listeners
	if len(changes) == 0 || len(listeners) == 0 {
		r.mu.Unlock()
		return
	}
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()
	for _, c := range changes {
		for _, l := range listeners {
			l(c)
		}
	}
}
