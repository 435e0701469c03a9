package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

type serverFunc func(t *testing.T, conn *websocket.Conn)

func newTestServer(t *testing.T, fn serverFunc) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		fn(t, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, events <-chan reconciler.Event) reconciler.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return reconciler.Event{}
}

func requireStreamClosed(t *testing.T, events <-chan reconciler.Event) {
	t.Helper()
	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream not closed")
	}
}

func TestDialDeliversOpenMessagesAndClose(t *testing.T) {
	url := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"thin`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`king","text":"a"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_, _, _ = conn.ReadMessage()
	})

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	events := c.Events()
	require.Equal(t, reconciler.EventOpen, nextEvent(t, events).Kind)

	ev := nextEvent(t, events)
	require.Equal(t, reconciler.EventMessage, ev.Kind)
	require.Equal(t, `{"type":"thin`, string(ev.Data))

	ev = nextEvent(t, events)
	require.Equal(t, reconciler.EventMessage, ev.Kind)
	require.Equal(t, `king","text":"a"}`, string(ev.Data))

	require.Equal(t, reconciler.EventClose, nextEvent(t, events).Kind)
	requireStreamClosed(t, events)
}

func TestAbruptDisconnectEmitsErrorThenClose(t *testing.T) {
	url := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	events := c.Events()
	require.Equal(t, reconciler.EventOpen, nextEvent(t, events).Kind)
	ev := nextEvent(t, events)
	require.Equal(t, reconciler.EventError, ev.Kind)
	require.Error(t, ev.Err)
	require.Equal(t, reconciler.EventClose, nextEvent(t, events).Kind)
	requireStreamClosed(t, events)
}

func TestSendWritesTextFramesAndTaps(t *testing.T) {
	received := make(chan string, 1)
	url := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		_, _, _ = conn.ReadMessage()
	})

	var mu sync.Mutex
	var tapped []string
	c, err := Dial(context.Background(), url, WithTap(func(direction string, data []byte) {
		mu.Lock()
		tapped = append(tapped, direction+":"+string(data))
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, c.Send(context.Background(), []byte(`{"action":"sendMessage"}`)))
	select {
	case got := <-received:
		require.Equal(t, `{"action":"sendMessage"}`, got)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive frame")
	}

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Send(context.Background(), []byte("x")), ErrClosed)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{`out:{"action":"sendMessage"}`}, tapped)
}

func TestTapRecordsOutboundBeforeReply(t *testing.T) {
	url := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, append([]byte("re:"), data...))
		}
	})

	var mu sync.Mutex
	var tapped []string
	c, err := Dial(context.Background(), url, WithTap(func(direction string, data []byte) {
		mu.Lock()
		tapped = append(tapped, direction+":"+string(data))
		mu.Unlock()
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	events := c.Events()
	require.Equal(t, reconciler.EventOpen, nextEvent(t, events).Kind)
	var want []string
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, c.Send(context.Background(), []byte(msg)))
		ev := nextEvent(t, events)
		require.Equal(t, "re:"+msg, string(ev.Data))
		want = append(want, "out:"+msg, "in:re:"+msg)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, tapped)
}

func TestSendHonoursContextDeadlineWithoutWriteTimeout(t *testing.T) {
	url := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	c, err := Dial(context.Background(), url, WithWriteTimeout(0))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err = c.Send(ctx, []byte(`{"action":"sendMessage"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "wsclient: write")
}

func TestLocalCloseEndsStreamWithClose(t *testing.T) {
	url := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	events := c.Events()
	require.Equal(t, reconciler.EventOpen, nextEvent(t, events).Kind)

	require.NoError(t, c.Close())
	require.Equal(t, reconciler.EventClose, nextEvent(t, events).Kind)
	requireStreamClosed(t, events)
}

func TestDialFailureIsWrapped(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws")
	require.Error(t, err)
	require.Contains(t, err.Error(), "wsclient: dial")
}

func TestReconcilerOverWebsocket(t *testing.T) {
	url := newTestServer(t, func(t *testing.T, conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, frame := range []string{
			`{"type":"thinking","text":"Looking up CLA."}`,
			`{"type":"final_text","text":"A CLA is a contributor `,
			`license agreement."}{"type":"files","files":[{"filename":"cla.pdf","type":"application/pdf","base64":"JVBERg=="}]}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	})

	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	r, err := reconciler.New(reconciler.WithSessionID("ws-test"))
	require.NoError(t, err)

	opened := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), c) }()

	go func() {
		for !r.Ready() {
			time.Sleep(5 * time.Millisecond)
		}
		close(opened)
	}()
	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler never became ready")
	}

	require.NoError(t, r.SendPrompt(context.Background(), "What is a CLA?"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	turns := r.Snapshot()
	require.Len(t, turns, 3)
	require.Equal(t, transcript.AuthorUser, turns[0].Author)
	require.Equal(t, transcript.StateReceived, turns[1].State)
	require.Equal(t, []string{"Looking up CLA."}, turns[1].Thinking)
	require.Equal(t, "A CLA is a contributor license agreement.", turns[1].Body)
	require.Equal(t, transcript.KindFile, turns[2].Kind)
	require.Equal(t, "cla.pdf", turns[2].Attachments[0].Filename)
	require.False(t, r.Processing())
}
