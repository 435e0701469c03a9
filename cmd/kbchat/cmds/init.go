package cmds

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/kbchat/pkg/config"
)

// initAnswers holds the form fields as strings until they are validated.
type initAnswers struct {
	WSURL            string
	FrameLog         string
	PingInterval     string
	FailOnDisconnect bool
	RedisEnabled     bool
	RedisAddr        string
}

func answersFrom(s *config.Settings) *initAnswers {
	return &initAnswers{
		WSURL:            s.WSURL,
		FrameLog:         s.FrameLog,
		PingInterval:     s.PingInterval.String(),
		FailOnDisconnect: s.FailOnDisconnect,
		RedisEnabled:     s.Redis.Enabled,
		RedisAddr:        s.Redis.Addr,
	}
}

func validateDuration(v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Errorf("not a duration: %s", strconv.Quote(v))
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func newInitForm(a *initAnswers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway websocket URL").
				Value(&a.WSURL).
				Validate(config.ValidateWSURL),
			huh.NewInput().
				Title("Frame log").
				Description(`SQLite file, "memory", or empty to disable recording`).
				Value(&a.FrameLog),
			huh.NewInput().
				Title("Keepalive ping interval").
				Value(&a.PingInterval).
				Validate(validateDuration),
			huh.NewConfirm().
				Title("Mark the pending answer failed when the connection drops?").
				Value(&a.FailOnDisconnect),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Publish transcript changes to Redis?").
				Value(&a.RedisEnabled),
			huh.NewInput().
				Title("Redis address").
				Value(&a.RedisAddr),
		),
	).WithTheme(huh.ThemeCharm())
}

// apply copies validated answers onto s.
func (a *initAnswers) apply(s *config.Settings) error {
	if err := config.ValidateWSURL(a.WSURL); err != nil {
		return err
	}
	ping, err := time.ParseDuration(a.PingInterval)
	if err != nil {
		return errors.Wrap(err, "ping interval")
	}
	s.WSURL = a.WSURL
	s.FrameLog = a.FrameLog
	s.PingInterval = ping
	s.FailOnDisconnect = a.FailOnDisconnect
	s.Redis.Enabled = a.RedisEnabled
	s.Redis.Addr = a.RedisAddr
	return s.Validate()
}

// runInit asks for the settings, starting from the current ones, and writes
// them to path.
func runInit(s *config.Settings, path string, accessible bool, in io.Reader, out io.Writer) error {
	answers := answersFrom(s)
	form := newInitForm(answers).WithAccessible(accessible).WithInput(in).WithOutput(out)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("aborted, nothing written")
		}
		return errors.Wrap(err, "settings form")
	}
	next := *s
	if err := answers.apply(&next); err != nil {
		return err
	}
	return next.WriteFile(path)
}

func newInitCommand(a *app) *cobra.Command {
	var (
		accessible bool
		force      bool
	)
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a config file interactively",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationConfigOptional: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.DefaultConfigFile
			}
			expanded, err := homedir.Expand(path)
			if err != nil {
				return errors.Wrap(err, "expand config path")
			}
			if _, err := os.Stat(expanded); err == nil && !force {
				return errors.Errorf("%s exists, use --force to overwrite", expanded)
			}
			if !accessible && !isTerminal(os.Stdin) {
				accessible = true
			}
			if err := runInit(a.settings, expanded, accessible, os.Stdin, os.Stdout); err != nil {
				return err
			}
			log.Info().Str("path", expanded).Msg("config written")
			return nil
		},
	}
	cmd.Flags().BoolVar(&accessible, "accessible", false, "Ask one question per line instead of the form UI")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
