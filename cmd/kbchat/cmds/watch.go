package cmds

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/kbchat/pkg/bus"
)

func newWatchCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow another client's transcript changes over Redis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.settings.Redis.Enabled {
				return errors.New("watch needs --redis-enabled")
			}
			b, err := bus.New(a.settings.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			changes, err := b.Subscribe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for c := range changes {
				if output != "text" {
					if err := writeStructured(os.Stdout, output, c); err != nil {
						return err
					}
					continue
				}
				line := fmt.Sprintf("#%d %-10s processing=%t", c.Seq, c.Reason, c.Processing)
				if c.Turn != nil {
					line += fmt.Sprintf(" turn=%d %s/%s %s", c.Turn.ID, c.Turn.Author, c.Turn.Kind, c.Turn.State)
				}
				fmt.Fprintln(os.Stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json, yaml)")
	return cmd
}
