package framelog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/kbchat/pkg/fragment"
	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

const recordTimeout = 2 * time.Second

// Recorder appends the frames of one session to a store. Its Tap method fits
// wsclient.WithTap.
type Recorder struct {
	store     Store
	sessionID string
}

func NewRecorder(store Store, sessionID string) *Recorder {
	return &Recorder{store: store, sessionID: sessionID}
}

// Tap records a frame. Storage failures are logged and never reach the
// connection.
func (r *Recorder) Tap(direction string, data []byte) {
	if r == nil || r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := r.store.Append(ctx, Record{
		SessionID: r.sessionID,
		Direction: direction,
		Payload:   string(data),
	}); err != nil {
		log.Warn().Err(err).Str("component", "framelog").Str("session_id", r.sessionID).Msg("failed to record frame")
	}
}

// Replay rebuilds the transcript of a recorded session. Outbound prompts are
// re-applied locally and inbound frames go through the same fragment path as
// a live connection.
func Replay(ctx context.Context, store Store, sessionID string) ([]transcript.Turn, error) {
	records, err := store.List(ctx, Query{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Errorf("framelog: no frames for session %q", sessionID)
	}
	r, err := reconciler.New(reconciler.WithSessionID(sessionID))
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		switch rec.Direction {
		case DirectionOutbound:
			var req fragment.Request
			if err := json.Unmarshal([]byte(rec.Payload), &req); err != nil {
				log.Warn().Err(err).Str("component", "framelog").Int64("seq", rec.Seq).Msg("skipping unreadable outbound frame")
				continue
			}
			if req.Action != fragment.ActionSendMessage {
				continue
			}
			// No channel is bound during replay, so the prompt is only appended.
			if err := r.SendPrompt(ctx, req.Prompt); err != nil && !errors.Is(err, reconciler.ErrChannelNotOpen) {
				log.Warn().Err(err).Str("component", "framelog").Int64("seq", rec.Seq).Msg("skipping outbound frame")
			}
		case DirectionInbound:
			r.OnMessage([]byte(rec.Payload))
		}
	}
	return r.Snapshot(), nil
}
