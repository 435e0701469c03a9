// Package logging configures the global zerolog logger and bridges it to
// watermill.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level string
	// Format is "console", "json" or "auto". Auto picks console output when
	// the writer is a terminal.
	Format     string
	WithCaller bool
	// File redirects logs, which keeps the terminal UI clean.
	File string
}

// Init replaces log.Logger. The returned closer releases the log file, if any.
func Init(s Settings) (io.Closer, error) {
	level := zerolog.InfoLevel
	if s.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return nil, errors.Wrapf(err, "logging: invalid level %q", s.Level)
		}
		level = l
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
		isTerm           = isatty.IsTerminal(os.Stderr.Fd())
	)
	if s.File != "" {
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, errors.Wrap(err, "logging: open log file")
		}
		out, closer, isTerm = f, f, false
	}

	switch strings.ToLower(s.Format) {
	case "", "auto":
		if isTerm {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen, NoColor: !isTerm}
	case "json":
	default:
		_ = closer.Close()
		return nil, errors.Errorf("logging: unknown format %q", s.Format)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = ctx.Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
