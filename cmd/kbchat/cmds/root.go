package cmds

import (
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/kbchat/pkg/config"
	"github.com/go-go-golems/kbchat/pkg/logging"
)

const annotationConfigOptional = "config-optional"

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	settings  *config.Settings
	logCloser io.Closer
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "kbchat",
		Short:         "Terminal client for a streaming knowledge-base chatbot",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			configFile, _ := cmd.Flags().GetString("config")
			if cmd.Annotations[annotationConfigOptional] != "" && configFile != "" {
				// init may be pointed at a file it is about to create.
				if path, err := homedir.Expand(configFile); err == nil {
					if _, err := os.Stat(path); err != nil {
						configFile = ""
					}
				}
			}
			s, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			closer, err := logging.Init(s.Logging())
			if err != nil {
				return err
			}
			a.settings = s
			a.logCloser = closer
			log.Debug().Str("ws_url", s.WSURL).Str("frame_log", s.FrameLog).Bool("redis", s.Redis.Enabled).Msg("settings loaded")
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newChatCommand(a),
		newAskCommand(a),
		newReplayCommand(a),
		newSessionsCommand(a),
		newBrowseCommand(a),
		newInitCommand(a),
		newWatchCommand(a),
		newServeMockCommand(a),
	)
	return root
}
