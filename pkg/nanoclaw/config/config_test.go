package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MainFolder != "main" {
		t.Errorf("expected main folder 'main', got %q", cfg.MainFolder)
	}
	if cfg.Pool.MaxWorkers != 5 {
		t.Errorf("expected 5 workers, got %d", cfg.Pool.MaxWorkers)
	}
	if cfg.IPC.Root == "" || cfg.Pool.IPCRoot != cfg.IPC.Root {
		t.Errorf("expected derived ipc root, got %q / %q", cfg.IPC.Root, cfg.Pool.IPCRoot)
	}
	if cfg.Channels.Signal.BotName != cfg.Name {
		t.Errorf("expected bot name defaulted to assistant name")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
name: Andy
main_folder: hq
data_dir: /tmp/nanoclaw-test
channels:
  signal:
    enabled: true
    rpc_url: http://127.0.0.1:9000/rpc
    account: "+15550000000"
  slack:
    - enabled: true
      namespace: cit
pool:
  max_workers: 3
  command: ["agent-runner", "--stream"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MainFolder != "hq" {
		t.Errorf("expected hq, got %q", cfg.MainFolder)
	}
	if !cfg.Channels.Signal.Enabled || cfg.Channels.Signal.RPCURL != "http://127.0.0.1:9000/rpc" {
		t.Errorf("signal config not loaded: %+v", cfg.Channels.Signal)
	}
	if len(cfg.Channels.Slack) != 1 || cfg.Channels.Slack[0].Namespace != "cit" {
		t.Errorf("slack config not loaded: %+v", cfg.Channels.Slack)
	}
	if cfg.Pool.MaxWorkers != 3 || len(cfg.Pool.Command) != 2 {
		t.Errorf("pool config not loaded: %+v", cfg.Pool)
	}
	if cfg.Scheduler.TickInterval != time.Minute {
		t.Errorf("expected default tick, got %v", cfg.Scheduler.TickInterval)
	}

	// Cross-component fields are derived from the single source of truth.
	if cfg.IPC.MainFolder != "hq" || cfg.Scheduler.MainFolder != "hq" || cfg.Snapshot.MainFolder != "hq" {
		t.Error("main folder not propagated")
	}
	if cfg.IPC.Root != filepath.Join("/tmp/nanoclaw-test", "ipc") {
		t.Errorf("unexpected ipc root %q", cfg.IPC.Root)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NANOCLAW_SIGNAL_ACCOUNT", "+15559999999")
	t.Setenv("NANOCLAW_MAX_WORKERS", "9")
	t.Setenv("NANOCLAW_TURN_TIMEOUT", "3m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channels.Signal.Account != "+15559999999" {
		t.Errorf("env account not applied, got %q", cfg.Channels.Signal.Account)
	}
	if cfg.Pool.MaxWorkers != 9 {
		t.Errorf("env worker count not applied, got %d", cfg.Pool.MaxWorkers)
	}
	if cfg.Pool.TurnTimeout != 3*time.Minute {
		t.Errorf("env turn timeout not applied, got %v", cfg.Pool.TurnTimeout)
	}
}
