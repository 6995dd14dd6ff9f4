// Package commands implements the nanoclaw CLI.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/config"
)

// Version is set at build time.
var Version = "dev"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nanoclaw",
		Short: "Personal chat-agent gateway",
		Long: `NanoClaw connects real-time messaging channels (Signal, Slack) to
isolated per-conversation agent workers, runs scheduled tasks on their
behalf, and services worker tool calls over a file-based IPC surface.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to config.yaml")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRegisterCmd())
	root.AddCommand(newTasksCmd())
	root.AddCommand(newSessionCmd())
	return root
}

// loadConfig resolves the --config flag and loads configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// newLogger builds the slog logger from config and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch {
	case verbose, cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
