package framelog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/transcript"
	"github.com/go-go-golems/kbchat/pkg/wsclient"
)

// startInstantGateway answers every prompt as soon as it is read.
func startInstantGateway(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for n := 1; ; n++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"thinking","text":"step %d"}`, n)))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"final_text","text":"answer %d"}`, n)))
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRecordedLiveSessionReplaysIdentically(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			c, err := wsclient.Dial(ctx, startInstantGateway(t), wsclient.WithTap(NewRecorder(s, "live-1").Tap))
			require.NoError(t, err)
			defer func() { _ = c.Close() }()

			r, err := reconciler.New(reconciler.WithSessionID("live-1"))
			require.NoError(t, err)
			runCtx, stopRun := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- r.Run(runCtx, c) }()
			require.Eventually(t, r.Ready, 5*time.Second, 5*time.Millisecond)

			for i := 1; i <= 5; i++ {
				require.NoError(t, r.SendPrompt(ctx, fmt.Sprintf("question %d", i)))
				require.Eventually(t, func() bool {
					snap := r.Snapshot()
					return snap[len(snap)-1].State == transcript.StateReceived
				}, 5*time.Second, 5*time.Millisecond)
			}
			stopRun()
			<-done

			live := r.Snapshot()
			require.Len(t, live, 10)
			require.Equal(t, "answer 5", live[9].Body)

			replayed, err := Replay(ctx, s, "live-1")
			require.NoError(t, err)
			require.Equal(t, live, replayed)
		})
	}
}
