// Package snapshot materializes host state into read-only JSON files inside
// each conversation's IPC directory: groups.json, current_tasks.json,
// reminders_snapshot.json, available_groups.json. Workers read these for a
// point-in-time view without asking the host.
//
// Files are written with the same atomic-rename protocol as tool requests.
// A non-main conversation sees only its own tasks; the main one sees all.
package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/ipc"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/reminders"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/scheduler"
)

// Config holds snapshot writer configuration.
type Config struct {
	// Root is the IPC directory root.
	Root string `yaml:"root"`

	// Interval is the periodic refresh cadence. Mutations refresh eagerly
	// on top of this.
	Interval time.Duration `yaml:"interval"`

	// MainFolder is the privileged conversation folder.
	MainFolder string `yaml:"main_folder"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, MainFolder: "main"}
}

// groupEntry is one row of groups.json / available_groups.json.
type groupEntry struct {
	ChatID      string `json:"chat_id"`
	DisplayName string `json:"display_name,omitempty"`
	Folder      string `json:"folder"`
}

// Writer materializes the snapshots.
type Writer struct {
	cfg       Config
	book      *addressbook.Store
	tasks     *scheduler.Scheduler
	reminders *reminders.Bridge
	logger    *slog.Logger

	// mu serializes full refreshes; eager refreshes from tool handlers can
	// race the periodic tick otherwise.
	mu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a snapshot Writer. reminders may be nil.
func New(cfg Config, book *addressbook.Store, tasks *scheduler.Scheduler, rem *reminders.Bridge, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.MainFolder == "" {
		cfg.MainFolder = "main"
	}
	return &Writer{
		cfg:       cfg,
		book:      book,
		tasks:     tasks,
		reminders: rem,
		logger:    logger.With("component", "snapshot"),
		ctx:       context.Background(),
	}
}

// Start begins the periodic refresh loop.
func (w *Writer) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		w.RefreshAll()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.RefreshAll()
				w.RefreshReminders("")
			}
		}
	}()
}

// Stop halts the refresh loop.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// RefreshAll rewrites groups.json, available_groups.json and
// current_tasks.json for every known conversation folder.
func (w *Writer) RefreshAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	convs, err := w.book.List()
	if err != nil {
		w.logger.Error("snapshot: listing conversations", "error", err)
		return
	}

	all := make([]groupEntry, 0, len(convs))
	byFolder := make(map[string][]groupEntry)
	for _, c := range convs {
		entry := groupEntry{ChatID: c.ChatID, DisplayName: c.DisplayName, Folder: c.Folder}
		all = append(all, entry)
		byFolder[c.Folder] = append(byFolder[c.Folder], entry)
	}

	for folder := range byFolder {
		dir := filepath.Join(w.cfg.Root, folder)
		if err := os.MkdirAll(dir, 0o777); err != nil {
			w.logger.Error("snapshot: preparing dir", "folder", folder, "error", err)
			continue
		}

		visible := byFolder[folder]
		available := visible
		if folder == w.cfg.MainFolder {
			available = all
		}
		w.write(filepath.Join(dir, "groups.json"), visible)
		w.write(filepath.Join(dir, "available_groups.json"), available)

		tasks, err := w.tasks.List(folder)
		if err != nil {
			w.logger.Error("snapshot: listing tasks", "folder", folder, "error", err)
			continue
		}
		if tasks == nil {
			tasks = []*scheduler.Task{}
		}
		w.write(filepath.Join(dir, "current_tasks.json"), tasks)
	}
}

// RefreshReminders rewrites the reminders snapshot for one folder, or for
// every reminders-capable folder when folder is empty.
func (w *Writer) RefreshReminders(folder string) {
	if w.reminders == nil || !w.reminders.Enabled() {
		return
	}

	snap, err := w.reminders.Snapshot(w.ctx)
	if err != nil {
		w.logger.Warn("snapshot: reminders bridge", "error", err)
		return
	}

	folders := []string{folder}
	if folder == "" {
		convs, err := w.book.List()
		if err != nil {
			return
		}
		seen := map[string]bool{}
		folders = folders[:0]
		for _, c := range convs {
			if (c.Capabilities.Reminders || c.Folder == w.cfg.MainFolder) && !seen[c.Folder] {
				seen[c.Folder] = true
				folders = append(folders, c.Folder)
			}
		}
	}

	for _, f := range folders {
		dir := filepath.Join(w.cfg.Root, f)
		if err := os.MkdirAll(dir, 0o777); err != nil {
			continue
		}
		if err := ipc.WriteAtomic(filepath.Join(dir, "reminders_snapshot.json"), snap); err != nil {
			w.logger.Error("snapshot: writing reminders", "folder", f, "error", err)
		}
	}
}

// ---------- Internal ----------

func (w *Writer) write(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.logger.Error("snapshot: marshal", "file", path, "error", err)
		return
	}
	if err := ipc.WriteAtomic(path, data); err != nil {
		w.logger.Error("snapshot: write", "file", path, "error", err)
	}
}
