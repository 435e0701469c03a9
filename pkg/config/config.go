// Package config loads kbchat settings from flags, KBCHAT_* environment
// variables and ~/.kbchat/config.yaml, in that order of precedence.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/kbchat/pkg/bus"
	"github.com/go-go-golems/kbchat/pkg/logging"
)

const (
	EnvPrefix         = "KBCHAT"
	DefaultConfigFile = "~/.kbchat/config.yaml"
	DefaultFrameLog   = "~/.kbchat/frames.db"
)

type Settings struct {
	WSURL            string        `mapstructure:"ws-url"`
	SessionID        string        `mapstructure:"session-id"`
	FailOnDisconnect bool          `mapstructure:"fail-on-disconnect"`
	PingInterval     time.Duration `mapstructure:"ping-interval"`
	MaxPending       int           `mapstructure:"max-pending"`
	// FrameLog is the SQLite file frames are recorded to. "memory" keeps them
	// in process and an empty value disables recording.
	FrameLog string `mapstructure:"frame-log"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`

	Redis bus.Settings `mapstructure:",squash"`
}

var defaults = map[string]any{
	"ws-url":             "ws://localhost:8080/ws",
	"session-id":         "",
	"fail-on-disconnect": false,
	"ping-interval":      "30s",
	"max-pending":        1 << 20,
	"frame-log":          DefaultFrameLog,
	"log-level":          "info",
	"log-format":         "auto",
	"log-file":           "",
	"redis-enabled":      false,
	"redis-addr":         "localhost:6379",
	"redis-group":        "kbchat",
	"redis-consumer":     "kbchat-1",
}

// AddFlags registers every setting as a flag so BindPFlags can pick it up.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file (default "+DefaultConfigFile+")")
	fs.String("ws-url", defaults["ws-url"].(string), "Websocket endpoint of the chatbot gateway")
	fs.String("session-id", "", "Session id sent with every prompt (random when empty)")
	fs.Bool("fail-on-disconnect", false, "Mark a pending bot turn FAILED when the connection drops")
	fs.Duration("ping-interval", 30*time.Second, "Websocket keepalive ping interval, 0 disables")
	fs.Int("max-pending", defaults["max-pending"].(int), "Maximum buffered bytes of an incomplete fragment, 0 disables")
	fs.String("frame-log", DefaultFrameLog, `SQLite file for raw frames, "memory" or "" to disable`)
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", "auto", "Log format (auto, console, json)")
	fs.String("log-file", "", "Write logs to this file instead of stderr")
	fs.Bool("redis-enabled", false, "Publish transcript changes to Redis Streams")
	fs.String("redis-addr", defaults["redis-addr"].(string), "Redis address host:port")
	fs.String("redis-group", defaults["redis-group"].(string), "Redis consumer group")
	fs.String("redis-consumer", defaults["redis-consumer"].(string), "Redis consumer name")
}

// Load resolves settings. configFile may be empty, in which case the default
// file is read when it exists.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "config: expand path")
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	} else if path, err := homedir.Expand(DefaultConfigFile); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "config: read %s", path)
			}
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if s.FrameLog != "" && s.FrameLog != "memory" {
		p, err := homedir.Expand(s.FrameLog)
		if err != nil {
			return nil, errors.Wrap(err, "config: expand frame-log")
		}
		s.FrameLog = p
	}
	return s, s.Validate()
}

// ValidateWSURL checks that raw is a ws:// or wss:// URL with a host.
func ValidateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "config: invalid ws-url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("config: ws-url must use ws:// or wss://, got %q", raw)
	}
	if u.Host == "" {
		return errors.Errorf("config: ws-url has no host: %q", raw)
	}
	return nil
}

func (s *Settings) Validate() error {
	if err := ValidateWSURL(s.WSURL); err != nil {
		return err
	}
	if s.PingInterval < 0 {
		return errors.New("config: ping-interval must not be negative")
	}
	if s.MaxPending < 0 {
		return errors.New("config: max-pending must not be negative")
	}
	switch strings.ToLower(s.LogFormat) {
	case "", "auto", "console", "json":
	default:
		return errors.Errorf("config: unknown log-format %q", s.LogFormat)
	}
	if s.Redis.Enabled {
		if s.Redis.Addr == "" || s.Redis.Group == "" || s.Redis.Consumer == "" {
			return errors.New("config: redis-enabled needs redis-addr, redis-group and redis-consumer")
		}
	}
	return nil
}

// WriteFile stores the persistent settings as YAML at path, creating the
// directory. Session ids and log destinations are left to flags.
func (s *Settings) WriteFile(path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return errors.Wrap(err, "config: expand path")
	}
	doc := map[string]any{
		"ws-url":             s.WSURL,
		"fail-on-disconnect": s.FailOnDisconnect,
		"ping-interval":      s.PingInterval.String(),
		"max-pending":        s.MaxPending,
		"frame-log":          s.FrameLog,
		"log-level":          s.LogLevel,
		"redis-enabled":      s.Redis.Enabled,
	}
	if s.Redis.Enabled {
		doc["redis-addr"] = s.Redis.Addr
		doc["redis-group"] = s.Redis.Group
		doc["redis-consumer"] = s.Redis.Consumer
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "config: encode")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "config: create directory")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "config: write %s", path)
	}
	return nil
}

func (s *Settings) Logging() logging.Settings {
	return logging.Settings{Level: s.LogLevel, Format: s.LogFormat, File: s.LogFile}
}

// EnsureFrameLogDir creates the directory holding the frame log file.
func (s *Settings) EnsureFrameLogDir() error {
	if s.FrameLog == "" || s.FrameLog == "memory" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.FrameLog), 0o700); err != nil {
		return errors.Wrap(err, "config: create frame log directory")
	}
	return nil
}
