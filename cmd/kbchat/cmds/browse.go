package cmds

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/kbchat/pkg/tui"
)

func newBrowseCommand(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse recorded sessions in a full-screen UI",
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
			if len(sessions) == 0 {
				return errors.Errorf("no sessions recorded in %s", a.settings.FrameLog)
			}

			var md tui.Markdown = tui.PlainMarkdown
			if !raw {
				if md, err = tui.GlamourMarkdown(72); err != nil {
					return errors.Wrap(err, "create markdown renderer")
				}
			}
			p := tea.NewProgram(tui.NewBrowser(cmd.Context(), store, sessions, md), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			final, err := p.Run()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return errors.Wrap(err, "browser ui")
			}
			if b, ok := final.(tui.Browser); ok && b.Selected() != "" {
				fmt.Println(b.Selected())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Show answers without markdown rendering")
	return cmd
}
