package cmds

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newSessionsCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions recorded in the frame log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openFrameStore(a.settings)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("frame log is disabled")
			}
			defer func() { _ = store.Close() }()

			sessions, err := store.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if output != "text" {
				return writeStructured(os.Stdout, output, sessions)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tFRAMES\tFIRST\tLAST")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.SessionID, s.Frames,
					time.UnixMilli(s.FirstAtMs).Format(time.DateTime),
					time.UnixMilli(s.LastAtMs).Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format (text, json, yaml)")
	return cmd
}
