package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/tui"
)

func newChatCommand(a *app) *cobra.Command {
	var (
		plain bool
		raw   bool
		width int
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the knowledge base interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !plain && !(isTerminal(os.Stdin) && isTerminal(os.Stdout)) {
				log.Debug().Msg("no terminal attached, falling back to line mode")
				plain = true
			}
			if plain {
				return runLineChat(cmd.Context(), a, os.Stdin, os.Stdout, !raw && isTerminal(os.Stdout), answerLinger)
			}
			return runTUIChat(cmd.Context(), a, raw, width)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Use a line-oriented prompt instead of the full-screen UI")
	cmd.Flags().BoolVar(&raw, "raw", false, "Show answers without markdown rendering")
	cmd.Flags().IntVar(&width, "width", 100, "Wrap rendered answers at this width")
	return cmd
}

// runSession runs the reconciler over the session connection until ctx ends.
// A closed connection is not an error; the UI keeps the transcript around.
func runSession(ctx context.Context, sess *session) error {
	err := sess.r.Run(ctx, sess.conn)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	if err == nil {
		log.Info().Str("session_id", sess.r.SessionID()).Msg("connection closed")
	}
	return err
}

func runTUIChat(ctx context.Context, a *app, raw bool, width int) error {
	listener, changes := tui.Feed(64)
	sess, err := openSession(ctx, a.settings, listener)
	if err != nil {
		return err
	}
	defer sess.Close()

	opts := []tui.Option{}
	if raw {
		opts = append(opts, tui.WithPlain())
	} else {
		md, err := tui.GlamourMarkdown(width)
		if err != nil {
			return errors.Wrap(err, "create markdown renderer")
		}
		opts = append(opts, tui.WithMarkdown(md))
	}

	eg, egCtx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(egCtx)
	defer stopRun()

	eg.Go(func() error { return runSession(runCtx, sess) })
	eg.Go(func() error {
		defer stopRun()
		model := tui.NewModel(egCtx, sess.r, changes, opts...)
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(egCtx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return errors.Wrap(err, "chat ui")
		}
		return nil
	})
	err = eg.Wait()
	if err == nil {
		fmt.Fprintf(os.Stderr, "session %s\n", sess.r.SessionID())
	}
	return err
}

// runLineChat reads prompts line by line and prints each answer once the bot
// is done with it.
func runLineChat(ctx context.Context, a *app, in io.Reader, out io.Writer, markdown bool, linger time.Duration) error {
	waiter := newAnswerWaiter(linger)
	thinking := func(c reconciler.Change) {
		if c.Reason == reconciler.ChangeThinking && c.Turn != nil && len(c.Turn.Thinking) > 0 {
			fmt.Fprintf(out, "  ~ %s\n", c.Turn.Thinking[len(c.Turn.Thinking)-1])
		}
	}
	sess, err := openSession(ctx, a.settings, waiter.Listener, thinking)
	if err != nil {
		return err
	}
	defer sess.Close()

	eg, egCtx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(egCtx)
	defer stopRun()
	eg.Go(func() error { return runSession(runCtx, sess) })

	eg.Go(func() error {
		defer stopRun()
		if err := waitForReady(egCtx, sess.r); err != nil {
			return err
		}
		fmt.Fprintf(out, "connected, session %s (empty line or ctrl-d to quit)\n", sess.r.SessionID())
		ui := &input.UI{Writer: out, Reader: in}
		for {
			line, err := ui.Ask("you", &input.Options{HideOrder: true})
			if err != nil {
				log.Debug().Err(err).Msg("prompt input ended")
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				return nil
			}

			done := waiter.Arm()
			if err := sess.r.SendPrompt(egCtx, line); err != nil {
				if errors.Is(err, reconciler.ErrChannelNotOpen) {
					fmt.Fprintln(out, "not connected, prompt kept locally")
					return nil
				}
				return err
			}
			select {
			case <-done:
			case <-egCtx.Done():
				return nil
			}
			if err := printTurns(out, lastExchange(sess.r.Snapshot())[1:], markdown, false); err != nil {
				return err
			}
		}
	})
	return eg.Wait()
}
