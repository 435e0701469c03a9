package cmds

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/kbchat/pkg/framelog"
	"github.com/go-go-golems/kbchat/pkg/stats"
	"github.com/go-go-golems/kbchat/pkg/transcript"
)

type replayOutput struct {
	SessionID string            `json:"session_id" yaml:"session_id"`
	Turns     []transcript.Turn `json:"turns" yaml:"turns"`
	Stats     *stats.Summary    `json:"stats,omitempty" yaml:"stats,omitempty"`
}

func newReplayCommand(a *app) *cobra.Command {
	var (
		output       string
		withStats    bool
		showThinking bool
		saveDir      string
	)
	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Rebuild a recorded session's transcript from its frame log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openFrameStore(a.settings)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("frame log is disabled")
			}
			defer func() { _ = store.Close() }()

			turns, err := framelog.Replay(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if saveDir != "" {
				if _, err := saveAttachments(saveDir, turns); err != nil {
					return err
				}
			}

			out := replayOutput{SessionID: args[0], Turns: turns}
			if withStats {
				summary, err := stats.Summarize(turns)
				if err != nil {
					return err
				}
				out.Stats = &summary
			}

			if output != "text" {
				return writeStructured(os.Stdout, output, out)
			}
			if err := printTurns(os.Stdout, turns, isTerminal(os.Stdout), showThinking); err != nil {
				return err
			}
			if out.Stats != nil {
				return writeStructured(os.Stdout, "yaml", out.Stats)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json, yaml)")
	cmd.Flags().BoolVar(&withStats, "stats", false, "Append turn and token counts")
	cmd.Flags().BoolVar(&showThinking, "thinking", false, "Include the bot's reasoning in text output")
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "Decode attached files into this directory")
	return cmd
}
