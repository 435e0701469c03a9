package cmds

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/kbchat/pkg/bus"
	"github.com/go-go-golems/kbchat/pkg/config"
	"github.com/go-go-golems/kbchat/pkg/framelog"
	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/wsclient"
)

// session is one live connection with everything hanging off it.
type session struct {
	r     *reconciler.Reconciler
	conn  *wsclient.Conn
	store framelog.Store
	bus   *bus.Bus
}

func openFrameStore(s *config.Settings) (framelog.Store, error) {
	switch s.FrameLog {
	case "":
		return nil, nil
	case "memory":
		return framelog.NewInMemoryStore(), nil
	}
	if err := s.EnsureFrameLogDir(); err != nil {
		return nil, err
	}
	dsn, err := framelog.SQLiteDSNForFile(s.FrameLog)
	if err != nil {
		return nil, err
	}
	return framelog.NewSQLiteStore(dsn)
}

// openSession dials the gateway and wires recording and publishing around a
// new reconciler. The caller runs s.r.Run(ctx, s.conn).
func openSession(ctx context.Context, s *config.Settings, listeners ...reconciler.Listener) (*session, error) {
	sessionID := s.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	opts := []reconciler.Option{
		reconciler.WithSessionID(sessionID),
		reconciler.WithFailOnDisconnect(s.FailOnDisconnect),
		reconciler.WithMaxPending(s.MaxPending),
	}
	for _, l := range listeners {
		opts = append(opts, reconciler.WithListener(l))
	}

	sess := &session{}
	if s.Redis.Enabled {
		b, err := bus.New(s.Redis)
		if err != nil {
			return nil, err
		}
		sess.bus = b
		opts = append(opts, reconciler.WithListener(b.Listener()))
	}

	r, err := reconciler.New(opts...)
	if err != nil {
		sess.Close()
		return nil, err
	}
	sess.r = r

	wsOpts := []wsclient.Option{wsclient.WithPingInterval(s.PingInterval)}
	store, err := openFrameStore(s)
	if err != nil {
		sess.Close()
		return nil, err
	}
	if store != nil {
		sess.store = store
		wsOpts = append(wsOpts, wsclient.WithTap(framelog.NewRecorder(store, sessionID).Tap))
	}

	conn, err := wsclient.Dial(ctx, s.WSURL, wsOpts...)
	if err != nil {
		sess.Close()
		return nil, err
	}
	sess.conn = conn
	log.Info().Str("session_id", sessionID).Str("ws_url", s.WSURL).Msg("session opened")
	return sess, nil
}

func (s *session) Close() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("closing bus")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("closing frame log")
		}
	}
}

// waitForReady blocks until the reconciler has seen the channel open.
func waitForReady(ctx context.Context, r *reconciler.Reconciler) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !r.Ready() {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for channel")
		case <-ticker.C:
		}
	}
	return nil
}

const answerLinger = 500 * time.Millisecond

// answerWaiter signals once the bot stops processing a prompt, giving late
// files fragments a short grace period after the final text.
type answerWaiter struct {
	mu      sync.Mutex
	linger  time.Duration
	done    chan struct{}
	closed  bool
	pending bool
}

func newAnswerWaiter(linger time.Duration) *answerWaiter {
	return &answerWaiter{linger: linger, done: make(chan struct{})}
}

// Arm resets the waiter for the next prompt.
func (w *answerWaiter) Arm() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = make(chan struct{})
	w.closed = false
	w.pending = true
	return w.done
}

func (w *answerWaiter) Listener(c reconciler.Change) {
	switch c.Reason {
	case reconciler.ChangeFinal:
		w.mu.Lock()
		done := w.done
		w.mu.Unlock()
		time.AfterFunc(w.linger, func() { w.finish(done) })
	case reconciler.ChangeFailed, reconciler.ChangeProcessing:
		w.mu.Lock()
		done := w.done
		w.mu.Unlock()
		w.finish(done)
	case reconciler.ChangePrompt, reconciler.ChangeThinking, reconciler.ChangeFiles:
	}
}

func (w *answerWaiter) finish(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if done != w.done || w.closed || !w.pending {
		return
	}
	w.closed = true
	w.pending = false
	close(w.done)
}
