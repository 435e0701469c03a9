package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsBadSettings(t *testing.T) {
	_, err := Init(Settings{Level: "loud"})
	require.Error(t, err)
	_, err = Init(Settings{Format: "xml"})
	require.Error(t, err)
}

func TestInitWritesJSONToFile(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "kbchat.log")
	closer, err := Init(Settings{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)
	log.Debug().Str("component", "test").Msg("hello")
	log.Trace().Msg("hidden")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"message":"hello"`)
	require.NotContains(t, string(b), "hidden")
}

func TestWatermillAdapterCarriesFields(t *testing.T) {
	prevLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prevLevel) })

	var buf bytes.Buffer
	adapter := NewWatermill(zerolog.New(&buf)).With(watermill.LogFields{"topic": "kbchat.s1"})
	adapter.Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	out := buf.String()
	require.Contains(t, out, `"component":"watermill"`)
	require.Contains(t, out, `"topic":"kbchat.s1"`)
	require.Contains(t, out, `"attempt":2`)
	require.Contains(t, out, `"error":"boom"`)
}
