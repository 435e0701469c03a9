package cmds

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/kbchat/pkg/gateway"
)

func newServeMockCommand(_ *app) *cobra.Command {
	var (
		settings gateway.Settings
		script   string
		delay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve-mock",
		Short: "Run a local gateway that streams scripted or echoed answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var producer gateway.Producer = gateway.EchoProducer{Delay: delay}
			if script != "" {
				p, err := gateway.LoadScript(script)
				if err != nil {
					return err
				}
				producer = p
			}
			srv, err := gateway.NewServer(settings, producer)
			if err != nil {
				return err
			}
			log.Debug().Str("script", script).Int("chunk_size", settings.ChunkSize).Msg("mock gateway configured")
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&settings.Addr, "addr", "127.0.0.1:8080", "Listen address")
	cmd.Flags().StringVar(&settings.Path, "path", gateway.DefaultPath, "WebSocket path")
	cmd.Flags().IntVar(&settings.ChunkSize, "chunk-size", 0, "Split every fragment into frames of at most this many bytes")
	cmd.Flags().DurationVar(&settings.IdleTimeout, "idle-timeout", 0, "Exit after no client was connected for this long")
	cmd.Flags().StringVar(&script, "script", "", "YAML script of fragments to send for every prompt")
	cmd.Flags().DurationVar(&delay, "delay", 50*time.Millisecond, "Pause between echoed fragments")
	return cmd
}
