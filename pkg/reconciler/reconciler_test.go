package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/kbchat/pkg/transcript"
)

type stubChannel struct {
	mu     sync.Mutex
	sent   [][]byte
	events chan Event
	err    error
}

func newStubChannel() *stubChannel {
	return &stubChannel{events: make(chan Event, 64)}
}

func (s *stubChannel) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, append([]byte(nil), data...))
	return nil
}

func (s *stubChannel) Events() <-chan Event { return s.events }

func (s *stubChannel) Close() error { return nil }

func (s *stubChannel) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func newOpenReconciler(t *testing.T, opts ...Option) (*Reconciler, *stubChannel) {
	t.Helper()
	ch := newStubChannel()
	r, err := New(append([]Option{WithSender(ch), WithSessionID("session-1")}, opts...)...)
	require.NoError(t, err)
	r.OnOpen()
	return r, ch
}

func lastTurn(t *testing.T, r *Reconciler) transcript.Turn {
	t.Helper()
	snap := r.Snapshot()
	require.NotEmpty(t, snap)
	return snap[len(snap)-1]
}

func TestReconciler_EndToEndScenario(t *testing.T) {
	r, ch := newOpenReconciler(t)

	require.NoError(t, r.SendPrompt(context.Background(), "What is CLA?"))
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, transcript.AuthorUser, snap[0].Author)
	require.Equal(t, "What is CLA?", snap[0].Body)
	require.Equal(t, transcript.StateSent, snap[0].State)
	require.Equal(t, transcript.AuthorBot, snap[1].Author)
	require.Equal(t, "", snap[1].Body)
	require.Equal(t, transcript.StateInitialProcessing, snap[1].State)
	require.True(t, r.Processing())

	sent := ch.Sent()
	require.Len(t, sent, 1)
	require.JSONEq(t, `{"action":"sendMessage","prompt":"What is CLA?","sessionId":"session-1"}`, string(sent[0]))

	r.OnMessage([]byte(`{"type":"thinking","text":"Searching KB"}`))
	require.Equal(t, transcript.StateThinking, lastTurn(t, r).State)
	r.OnMessage([]byte(`{"type":"thinking","text":"Found 3 docs"}`))
	r.OnMessage([]byte(`{"type":"final_text","text":"CLA stands for..."}`))

	bot := lastTurn(t, r)
	require.Equal(t, []string{"Searching KB", "Found 3 docs"}, bot.Thinking)
	require.Equal(t, "CLA stands for...", bot.Body)
	require.Equal(t, transcript.StateReceived, bot.State)
	require.False(t, r.Processing())
}

func TestReconciler_ThinkingTraceKeepsDeliveryOrder(t *testing.T) {
	r, _ := newOpenReconciler(t)
	require.NoError(t, r.SendPrompt(context.Background(), "q"))

	var want []string
	for _, text := range []string{"one", "two", "", "three", "two"} {
		b, err := json.Marshal(map[string]string{"type": "thinking", "text": text})
		require.NoError(t, err)
		r.OnMessage(b)
		want = append(want, text)
	}
	require.Equal(t, want, lastTurn(t, r).Thinking)
}

func TestReconciler_FinalTextFreezesTurn(t *testing.T) {
	r, _ := newOpenReconciler(t)
	require.NoError(t, r.SendPrompt(context.Background(), "q"))
	r.OnMessage([]byte(`{"type":"final_text","text":"done"}`))
	frozen := lastTurn(t, r)

	r.OnMessage([]byte(`{"type":"thinking","text":"late"}`))
	r.OnMessage([]byte(`{"type":"final_text","text":" again"}`))
	r.OnMessage([]byte(`{"type":"mystery"}`))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, frozen, snap[1])
}

func TestReconciler_FragmentationIsTransparent(t *testing.T) {
	frames := []string{
		`{"type":"thinking","text":"Searching KB"}`,
		`{"type":"final_text","text":"CLA stands for \"Correctional\"…"}`,
		`{"type":"files","files":[{"filename":"a.csv","type":"text/csv","base64":"YQ=="}]}`,
	}

	whole, _ := newOpenReconciler(t)
	require.NoError(t, whole.SendPrompt(context.Background(), "q"))
	for _, f := range frames {
		whole.OnMessage([]byte(f))
	}
	want := whole.Snapshot()

	for _, size := range []int{1, 2, 3, 7, 16} {
		split, _ := newOpenReconciler(t)
		require.NoError(t, split.SendPrompt(context.Background(), "q"))
		for _, f := range frames {
			for _, chunk := range chunkRunes(f, size) {
				split.OnMessage([]byte(chunk))
			}
		}
		require.Equal(t, want, split.Snapshot(), "chunk size %d", size)
		require.False(t, split.Processing())
	}
}

func chunkRunes(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func TestReconciler_FilesAreDedupedIntoNewTurn(t *testing.T) {
	r, _ := newOpenReconciler(t)
	require.NoError(t, r.SendPrompt(context.Background(), "q"))
	r.OnMessage([]byte(`{"type":"files","files":[` +
		`{"filename":"a.pdf","type":"application/pdf","base64":"Zmlyc3Q="},` +
		`{"filename":"a.pdf","type":"application/pdf","base64":"c2Vjb25k"},` +
		`{"filename":"b.pdf","type":"application/pdf","base64":"Yg=="}]}`))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, transcript.StateInitialProcessing, snap[1].State, "files do not touch the text turn")

	file := snap[2]
	require.Equal(t, transcript.AuthorBot, file.Author)
	require.Equal(t, transcript.KindFile, file.Kind)
	require.Equal(t, transcript.StateReceived, file.State)
	require.Len(t, file.Attachments, 2)
	require.Equal(t, "a.pdf", file.Attachments[0].Filename)
	require.Equal(t, "Zmlyc3Q=", file.Attachments[0].Payload)
	require.Equal(t, "b.pdf", file.Attachments[1].Filename)

	r.OnMessage([]byte(`{"type":"final_text","text":"see files"}`))
	snap = r.Snapshot()
	require.Equal(t, "see files", snap[1].Body)
	require.Equal(t, transcript.StateReceived, snap[1].State)
	require.Empty(t, snap[2].Body)
}

func TestReconciler_EmptyFilesFragmentAddsNoTurn(t *testing.T) {
	r, _ := newOpenReconciler(t)
	require.NoError(t, r.SendPrompt(context.Background(), "q"))
	r.OnMessage([]byte(`{"type":"files"}`))
	r.OnMessage([]byte(`{"type":"files","files":[]}`))
	require.Len(t, r.Snapshot(), 2)

	r.OnMessage([]byte(`{"type":"final_text","text":"no attachments"}`))
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "no attachments", snap[1].Body)
}

func TestReconciler_StrayFragmentsAreSafe(t *testing.T) {
	r, _ := newOpenReconciler(t)
	stray := [][]byte{
		[]byte(`{"type":"thinking","text":"x"}`),
		[]byte(`{"type":"final_text","text":"x"}`),
	}
	for _, s := range stray {
		require.NotPanics(t, func() { r.OnMessage(s) })
	}
	require.Empty(t, r.Snapshot())

	r2, err := New(WithSessionID("s"))
	require.NoError(t, err)
	r2.OnMessage([]byte(`{"type":"thinking","text":"x"}`))
	require.Empty(t, r2.Snapshot())
}

func TestReconciler_StrayAfterUserTurnIsSafe(t *testing.T) {
	r, _ := newOpenReconciler(t)
	r.mu.Lock()
	r.transcript.Append(transcript.NewUserTurn("only user"))
	r.mu.Unlock()

	r.OnMessage([]byte(`{"type":"thinking","text":"x"}`))
	r.OnMessage([]byte(`{"type":"final_text","text":"x"}`))
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, transcript.NewUserTurn("only user"), snap[0])
}

func TestReconciler_MalformedInputIsSwallowed(t *testing.T) {
	r, _ := newOpenReconciler(t)
	require.NoError(t, r.SendPrompt(context.Background(), "q"))

	r.OnMessage([]byte(`{"type":,`))
	r.OnMessage([]byte(`42`))
	r.OnMessage([]byte(`{"type":"thinking","text":"ok"}`))
	require.Equal(t, []string{"ok"}, lastTurn(t, r).Thinking)
	require.Zero(t, r.acc.Pending())
}

func TestReconciler_RapidSendsMoveOpenHandle(t *testing.T) {
	r, ch := newOpenReconciler(t)
	require.NoError(t, r.SendPrompt(context.Background(), "first"))
	require.NoError(t, r.SendPrompt(context.Background(), "second"))
	require.Len(t, ch.Sent(), 2)

	r.OnMessage([]byte(`{"type":"final_text","text":"answer"}`))
	snap := r.Snapshot()
	require.Len(t, snap, 4)
	require.Equal(t, transcript.StateInitialProcessing, snap[1].State)
	require.Equal(t, "answer", snap[3].Body)
}

func TestReconciler_SendPromptWithoutOpenChannel(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	require.NotEmpty(t, r.SessionID())

	err = r.SendPrompt(context.Background(), "hello")
	require.ErrorIs(t, err, ErrChannelNotOpen)
	require.Len(t, r.Snapshot(), 2)
	require.Equal(t, transcript.StateInitialProcessing, lastTurn(t, r).State)
	require.False(t, r.Processing(), "no channel will ever clear the flag")

	require.ErrorIs(t, r.SendPrompt(context.Background(), "   "), ErrEmptyPrompt)
	require.Len(t, r.Snapshot(), 2)
}

func TestReconciler_SendErrorIsWrapped(t *testing.T) {
	r, ch := newOpenReconciler(t)
	ch.err = errors.New("broken pipe")
	err := r.SendPrompt(context.Background(), "q")
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken pipe")
}

func TestReconciler_SendErrorClearsProcessing(t *testing.T) {
	var got []Change
	r, ch := newOpenReconciler(t, WithListener(func(c Change) { got = append(got, c) }))
	ch.err = errors.New("broken pipe")

	require.Error(t, r.SendPrompt(context.Background(), "q"))
	require.False(t, r.Processing())
	require.Len(t, r.Snapshot(), 2)
	require.Equal(t, transcript.StateInitialProcessing, lastTurn(t, r).State)

	require.Len(t, got, 3)
	require.True(t, got[1].Processing)
	require.Equal(t, ChangeProcessing, got[2].Reason)
	require.False(t, got[2].Processing)
	require.Nil(t, got[2].Turn)

	// A later prompt on a healthy channel locks input again.
	ch.mu.Lock()
	ch.err = nil
	ch.mu.Unlock()
	require.NoError(t, r.SendPrompt(context.Background(), "again"))
	require.True(t, r.Processing())
}

func TestReconciler_CloseClearsProcessingButKeepsTurn(t *testing.T) {
	r, _ := newOpenReconciler(t)
	require.NoError(t, r.SendPrompt(context.Background(), "q"))
	r.OnMessage([]byte(`{"type":"thinking","text":"a"}`))
	r.OnMessage([]byte(`{"type":"final_te`))

	r.OnError(errors.New("reset by peer"))
	require.False(t, r.Processing())
	require.False(t, r.Ready())
	require.Zero(t, r.acc.Pending())
	require.Equal(t, transcript.StateThinking, lastTurn(t, r).State)
}

func TestReconciler_FailOnDisconnect(t *testing.T) {
	var reasons []ChangeReason
	r, _ := newOpenReconciler(t, WithFailOnDisconnect(true), WithListener(func(c Change) {
		reasons = append(reasons, c.Reason)
	}))
	require.NoError(t, r.SendPrompt(context.Background(), "q"))
	r.OnClose()

	require.Equal(t, transcript.StateFailed, lastTurn(t, r).State)
	require.Equal(t, []ChangeReason{ChangePrompt, ChangePrompt, ChangeFailed}, reasons)

	r.OnMessage([]byte(`{"type":"final_text","text":"too late"}`))
	require.Empty(t, lastTurn(t, r).Body)
}

func TestReconciler_ListenerSeesOrderedChanges(t *testing.T) {
	var got []Change
	r, _ := newOpenReconciler(t, WithListener(func(c Change) { got = append(got, c) }))
	require.NoError(t, r.SendPrompt(context.Background(), "q"))
	r.OnMessage([]byte(`{"type":"thinking","text":"a"}{"type":"final_text","text":"b"}`))

	require.Len(t, got, 4)
	for i, c := range got {
		require.Equal(t, uint64(i+1), c.Seq)
		require.Equal(t, "session-1", c.SessionID)
	}
	require.Equal(t, ChangeFinal, got[3].Reason)
	require.NotNil(t, got[3].Turn)
	require.Equal(t, "b", got[3].Turn.Body)
	require.False(t, got[3].Processing)
}

func TestReconciler_RunConsumesEventsInOrder(t *testing.T) {
	ch := newStubChannel()
	r, err := New(WithSessionID("s"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), ch) }()

	ch.events <- Event{Kind: EventOpen}
	require.Eventually(t, r.Ready, time.Second, 5*time.Millisecond)
	require.NoError(t, r.SendPrompt(context.Background(), "q"))

	ch.events <- Event{Kind: EventMessage, Data: []byte(`{"type":"thinking",`)}
	ch.events <- Event{Kind: EventMessage, Data: []byte(`"text":"a"}`)}
	ch.events <- Event{Kind: EventMessage, Data: []byte(`{"type":"final_text","text":"b"}`)}
	ch.events <- Event{Kind: EventClose}
	close(ch.events)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for run loop")
	}

	bot := lastTurn(t, r)
	require.Equal(t, []string{"a"}, bot.Thinking)
	require.Equal(t, "b", bot.Body)
	require.False(t, r.Ready())
	require.Len(t, ch.Sent(), 1)
}

func TestReconciler_RunStopsOnContextCancel(t *testing.T) {
	ch := newStubChannel()
	r, err := New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Run(ctx, ch), context.Canceled)
}
