package cmds

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/kbchat/pkg/reconciler"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

var errClosedBeforePrompt = errors.New("connection closed before the prompt was sent")

func newAskCommand(a *app) *cobra.Command {
	var (
		timeout      time.Duration
		linger       time.Duration
		saveDir      string
		output       string
		showThinking bool
		raw          bool
	)
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Send one prompt and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var thinking reconciler.Listener
			if showThinking && output == "text" {
				thinking = func(c reconciler.Change) {
					if c.Reason == reconciler.ChangeThinking && c.Turn != nil && len(c.Turn.Thinking) > 0 {
						fmt.Fprintf(os.Stderr, "  ~ %s\n", c.Turn.Thinking[len(c.Turn.Thinking)-1])
					}
				}
			}

			waiter := newAnswerWaiter(linger)
			listeners := []reconciler.Listener{waiter.Listener}
			if thinking != nil {
				listeners = append(listeners, thinking)
			}
			sess, err := openSession(ctx, a.settings, listeners...)
			if err != nil {
				return err
			}
			defer sess.Close()

			turns, err := runExchange(ctx, sess, waiter, prompt)
			if err != nil {
				return err
			}
			exchange := lastExchange(turns)

			if saveDir != "" {
				paths, err := saveAttachments(saveDir, exchange)
				if err != nil {
					return err
				}
				for _, p := range paths {
					log.Info().Str("path", p).Msg("saved attachment")
				}
			}

			switch output {
			case "text":
				// The prompt is already known to the caller.
				if err := printTurns(os.Stdout, exchange[1:], !raw && isTerminal(os.Stdout), false); err != nil {
					return err
				}
			default:
				if err := writeStructured(os.Stdout, output, exchange); err != nil {
					return err
				}
			}

			for _, t := range exchange {
				if t.Author == transcript.AuthorBot && t.Kind == transcript.KindText && t.State != transcript.StateReceived {
					return errors.Errorf("no complete answer received, turn is %s", t.State)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Give up waiting for the answer after this long")
	cmd.Flags().DurationVar(&linger, "linger", answerLinger, "Keep listening this long after the answer for attached files")
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "Decode attached files into this directory")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json, yaml)")
	cmd.Flags().BoolVar(&showThinking, "thinking", false, "Print the bot's reasoning to stderr as it arrives")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the answer without markdown rendering")
	return cmd
}

// runExchange runs the session until the answer to prompt is complete and
// returns the final transcript.
func runExchange(ctx context.Context, sess *session, waiter *answerWaiter, prompt string) ([]transcript.Turn, error) {
	eg, egCtx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(egCtx)
	defer stopRun()
	var prompted atomic.Bool

	eg.Go(func() error {
		err := sess.r.Run(runCtx, sess.conn)
		if errors.Is(err, context.Canceled) && runCtx.Err() != nil && egCtx.Err() == nil {
			return nil
		}
		if err == nil && !prompted.Load() {
			return errClosedBeforePrompt
		}
		return err
	})

	eg.Go(func() error {
		defer stopRun()
		if err := waitForReady(egCtx, sess.r); err != nil {
			return err
		}
		done := waiter.Arm()
		if err := sess.r.SendPrompt(egCtx, prompt); err != nil {
			return err
		}
		prompted.Store(true)
		select {
		case <-done:
			return nil
		case <-egCtx.Done():
			return errors.Wrap(egCtx.Err(), "waiting for the answer")
		}
	})

	err := eg.Wait()
	return sess.r.Snapshot(), err
}
