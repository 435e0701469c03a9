package cmds

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/kbchat/pkg/bus"
	"github.com/go-go-golems/kbchat/pkg/config"
)

// lineReader hands out one line per Read, so each prompt only consumes its
// own answer.
type lineReader struct {
	lines []string
}

func (r *lineReader) Read(p []byte) (int, error) {
	if len(r.lines) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.lines[0]+"\n")
	r.lines = r.lines[1:]
	return n, nil
}

func TestRunInitAccessibleWritesConfig(t *testing.T) {
	base := &config.Settings{
		WSURL:        "ws://localhost:8080/ws",
		PingInterval: 30 * time.Second,
		MaxPending:   1024,
		FrameLog:     "~/.kbchat/frames.db",
		LogLevel:     "info",
		Redis:        bus.Settings{Addr: "localhost:6379", Group: "kbchat", Consumer: "kbchat-1"},
	}
	in := &lineReader{lines: []string{
		"https://wrong.example.com",
		"wss://kb.example.com/ws",
		"memory",
		"10s",
		"y",
		"y",
		"redis:6379",
	}}
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, runInit(base, path, true, in, &out))
	require.Contains(t, out.String(), "ws:// or wss://")

	s, err := config.Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "wss://kb.example.com/ws", s.WSURL)
	require.Equal(t, "memory", s.FrameLog)
	require.Equal(t, 10*time.Second, s.PingInterval)
	require.True(t, s.FailOnDisconnect)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "redis:6379", s.Redis.Addr)
	require.Equal(t, "kbchat", s.Redis.Group)
	require.Equal(t, 1024, s.MaxPending)

	// The base settings are not modified.
	require.Equal(t, "ws://localhost:8080/ws", base.WSURL)
}

func TestInitAnswersApplyRejectsBadDuration(t *testing.T) {
	s := &config.Settings{WSURL: "ws://a/ws"}
	a := answersFrom(s)
	a.PingInterval = "soon"
	require.Error(t, a.apply(s))
	require.Error(t, validateDuration("-1s"))
	require.NoError(t, validateDuration("0s"))
	require.True(t, strings.HasPrefix(a.WSURL, "ws://"))
}
