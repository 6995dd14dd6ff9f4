// Package reminders talks to the external reminders bridge: a line-oriented
// subprocess that reads one JSON request on stdin and writes one JSON
// response on stdout. The bridge owns the actual reminder store (e.g. the
// OS reminders database); this package only shuttles requests. The
// per-conversation snapshot file is written by package snapshot.
package reminders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Bridge operations.
const (
	OpListLists = "list_lists"
	OpList      = "list_reminders"
	OpCreate    = "create_reminder"
	OpComplete  = "complete_reminder"
	OpUpdate    = "update_reminder"
	OpSnapshot  = "snapshot"
)

// Config holds bridge configuration.
type Config struct {
	// Command is the bridge argv (e.g. ["python3", "reminders-bridge.py"]).
	Command []string `yaml:"command"`

	// Timeout bounds one bridge invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second}
}

// Bridge invokes the subprocess, one call per request.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Bridge.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Bridge{cfg: cfg, logger: logger.With("component", "reminders")}
}

// Enabled reports whether a bridge command is configured.
func (b *Bridge) Enabled() bool { return len(b.cfg.Command) > 0 }

// Call performs one bridge operation and returns its raw JSON response.
// A bridge-side failure comes back as {"error": "..."} — passed through
// untouched so the worker decides whether to retry.
func (b *Bridge) Call(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	if !b.Enabled() {
		return nil, fmt.Errorf("reminders bridge not configured")
	}

	request := map[string]any{"operation": operation}
	for k, v := range params {
		request[k] = v
	}
	input, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reminders bridge %s: %w: %s", operation, err, stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(out) {
		return nil, fmt.Errorf("reminders bridge %s: non-JSON output", operation)
	}
	return out, nil
}

// Snapshot fetches the full incomplete-reminders snapshot.
func (b *Bridge) Snapshot(ctx context.Context) (json.RawMessage, error) {
	return b.Call(ctx, OpSnapshot, nil)
}
