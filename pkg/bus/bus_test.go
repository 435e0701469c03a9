package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

func TestRedisRequiresAddress(t *testing.T) {
	_, err := New(Settings{Enabled: true})
	require.Error(t, err)
}

func TestReconcilerChangesReachSubscriber(t *testing.T) {
	b, err := New(Settings{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := b.Subscribe(ctx, "s1")
	require.NoError(t, err)

	r, err := reconciler.New(reconciler.WithSessionID("s1"), reconciler.WithListener(b.Listener()))
	require.NoError(t, err)
	require.ErrorIs(t, r.SendPrompt(ctx, "hello"), reconciler.ErrChannelNotOpen)
	r.OnMessage([]byte(`{"type":"final_text","text":"hi"}`))

	var got []reconciler.Change
	for len(got) < 3 {
		select {
		case c := <-changes:
			got = append(got, c)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d changes", len(got))
		}
	}

	require.Equal(t, []uint64{1, 2, 3}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
	require.Equal(t, reconciler.ChangePrompt, got[0].Reason)
	require.Equal(t, transcript.AuthorUser, got[0].Turn.Author)
	require.Equal(t, reconciler.ChangeFinal, got[2].Reason)
	require.Equal(t, "hi", got[2].Turn.Body)
	require.Equal(t, transcript.StateReceived, got[2].Turn.State)
	require.False(t, got[2].Processing)
}

func TestSubscribeIsPerSession(t *testing.T) {
	b, err := New(Settings{})
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := b.Subscribe(ctx, "mine")
	require.NoError(t, err)

	require.NoError(t, b.PublishChange(reconciler.Change{SessionID: "other", Seq: 1, Reason: reconciler.ChangeProcessing}))
	require.NoError(t, b.PublishChange(reconciler.Change{SessionID: "mine", Seq: 7, Reason: reconciler.ChangeProcessing}))

	select {
	case c := <-changes:
		require.Equal(t, "mine", c.SessionID)
		require.Equal(t, uint64(7), c.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("no change received")
	}
}
