// Package config defines and loads all NanoClaw configuration: a YAML file
// for structure, a .env file for development convenience, and environment
// variables for credentials. Secrets resolve env → OS keyring → config
// value; they are read once at startup and never forwarded to workers
// except the capability-whitelisted subset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/bookmarks"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/channels/signal"
	slackchan "github.com/Joi/nanoclaw/pkg/nanoclaw/channels/slack"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/intake"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/pool"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/reminders"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/scheduler"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/snapshot"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/voice"
)

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// SignalChannelConfig wraps the signal adapter config with an enable flag
// and auto-registration policy.
type SignalChannelConfig struct {
	Enabled       bool `yaml:"enabled"`
	AutoRegister  bool `yaml:"auto_register"`
	signal.Config `yaml:",inline"`
}

// SlackChannelConfig wraps one slack workspace instance.
type SlackChannelConfig struct {
	Enabled          bool `yaml:"enabled"`
	AutoRegister     bool `yaml:"auto_register"`
	slackchan.Config `yaml:",inline"`
}

// ChannelsConfig groups all transports.
type ChannelsConfig struct {
	Signal SignalChannelConfig  `yaml:"signal"`
	Slack  []SlackChannelConfig `yaml:"slack"`
}

// Config is the root configuration.
type Config struct {
	// Name is the assistant identity (used as the default trigger word).
	Name string `yaml:"name"`

	// MainFolder is the privileged conversation folder.
	MainFolder string `yaml:"main_folder"`

	// DataDir holds the databases.
	DataDir string `yaml:"data_dir"`

	Logging   LoggingConfig     `yaml:"logging"`
	Channels  ChannelsConfig    `yaml:"channels"`
	Pool      pool.Config       `yaml:"pool"`
	IPC       ipc.Config        `yaml:"ipc"`
	Scheduler scheduler.Config  `yaml:"scheduler"`
	Snapshot  snapshot.Config   `yaml:"snapshot"`
	Voice     voice.Config      `yaml:"voice"`
	Bookmarks bookmarks.Config  `yaml:"bookmarks"`
	Reminders reminders.Config  `yaml:"reminders"`
	Mail      intake.MailConfig `yaml:"mail"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Name:       "Andy",
		MainFolder: "main",
		DataDir:    "./data",
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Channels: ChannelsConfig{
			Signal: SignalChannelConfig{Config: signal.DefaultConfig()},
		},
		Pool:      pool.DefaultConfig(),
		IPC:       ipc.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Snapshot:  snapshot.DefaultConfig(),
		Voice:     voice.DefaultConfig(),
		Reminders: reminders.DefaultConfig(),
		Mail:      intake.DefaultMailConfig(),
	}
}

// Load reads the YAML config at path, layered over defaults. A .env file
// next to the config is loaded into the process environment first, so the
// environment overrides applied after the YAML see its values.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		// Best effort: the .env is a development convenience.
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg.applyEnv()
	cfg.applyDerived()
	return cfg, nil
}

// applyEnv resolves credentials: environment first, OS keyring second,
// whatever the YAML carried last.
func (c *Config) applyEnv() {
	c.Channels.Signal.Account = resolveSecret("NANOCLAW_SIGNAL_ACCOUNT", "signal_account", c.Channels.Signal.Account)
	if v := os.Getenv("NANOCLAW_SIGNAL_RPC_URL"); v != "" {
		c.Channels.Signal.RPCURL = v
	}
	for i := range c.Channels.Slack {
		ns := c.Channels.Slack[i].Namespace
		c.Channels.Slack[i].BotToken = resolveSecret(
			envName("NANOCLAW_SLACK_BOT_TOKEN", ns), keyName("slack_bot_token", ns),
			c.Channels.Slack[i].BotToken)
		c.Channels.Slack[i].AppToken = resolveSecret(
			envName("NANOCLAW_SLACK_APP_TOKEN", ns), keyName("slack_app_token", ns),
			c.Channels.Slack[i].AppToken)
	}
	c.Voice.Token = resolveSecret("NANOCLAW_VOICE_TOKEN", "voice_token", c.Voice.Token)
	c.Bookmarks.Token = resolveSecret("NANOCLAW_BOOKMARK_TOKEN", "bookmark_token", c.Bookmarks.Token)

	if v := os.Getenv("NANOCLAW_IPC_ROOT"); v != "" {
		c.IPC.Root = v
	}
	if v := os.Getenv("NANOCLAW_MAX_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Pool.MaxWorkers = n
		}
	}
	if v := os.Getenv("NANOCLAW_TURN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pool.TurnTimeout = d
		}
	}
}

// applyDerived fills paths and cross-component fields that have a single
// source of truth.
func (c *Config) applyDerived() {
	if c.IPC.Root == "" {
		c.IPC.Root = filepath.Join(c.DataDir, "ipc")
	}
	if c.Pool.WorkDir == "" {
		c.Pool.WorkDir = filepath.Join(c.DataDir, "conversations")
	}
	c.Pool.IPCRoot = c.IPC.Root
	c.Snapshot.Root = c.IPC.Root
	c.IPC.MainFolder = c.MainFolder
	c.Scheduler.MainFolder = c.MainFolder
	c.Snapshot.MainFolder = c.MainFolder
	if c.Channels.Signal.BotName == "" {
		c.Channels.Signal.BotName = c.Name
	}
}

// AddressBookPath is the address book database location.
func (c *Config) AddressBookPath() string {
	return filepath.Join(c.DataDir, "addressbook.db")
}

// TaskStorePath is the task database location.
func (c *Config) TaskStorePath() string {
	return filepath.Join(c.DataDir, "tasks.db")
}
