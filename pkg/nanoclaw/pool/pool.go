// Package pool manages the per-conversation worker processes: a bounded set
// of long-lived sandboxed children, each scoped to one conversation folder,
// fed turns over stdin and streaming line-delimited JSON events back.
//
// Guarantees:
//   - At most one worker process per folder at any instant
//   - Turns for one folder are FIFO with at most one in flight
//   - Results for turn k are fully drained before turn k+1 begins
//   - Cross-folder parallelism bounded by the pool size while an idle worker
//     can be evicted; when every live worker is busy, a new folder's worker
//     is spawned beyond the bound
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
)

// Turn is one unit of work for a folder's worker.
type Turn struct {
	// ChatID is where results are sent. Empty for silent turns.
	ChatID string

	// Prompt is the turn payload.
	Prompt string

	// SessionKey selects the session continuation: "chat" for conversation
	// turns, "task:<id>" for isolated scheduled turns, "voice" for the
	// single-shot path.
	SessionKey string
}

// FolderInfo is what the pool needs to know about a folder to spawn its
// worker: the owning chat id, privilege, capabilities, env overrides.
type FolderInfo struct {
	ChatID       string
	IsMain       bool
	Capabilities addressbook.Capabilities
	ExtraEnv     map[string]string
}

// InfoProvider resolves a folder to its spawn metadata.
type InfoProvider func(folder string) (FolderInfo, error)

// SendFunc delivers one outbound text for a chat id.
type SendFunc func(ctx context.Context, chatID, text string) error

// SessionStore persists worker-assigned session ids.
type SessionStore interface {
	GetSession(folder, purpose string) (string, error)
	PutSession(folder, purpose, sessionID string) error
}

// Config holds worker pool configuration.
type Config struct {
	// Command is the worker argv; the process reads turns on stdin and
	// writes events on stdout.
	Command []string `yaml:"command"`

	// MaxWorkers is the live-worker count at which a new spawn first evicts
	// the least-recently-used idle worker; with none idle it spawns anyway.
	MaxWorkers int `yaml:"max_workers"`

	// IdleTimeout is how long an idle worker is kept alive for follow-ups.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// TurnTimeout is the per-turn deadline. Values below the floor are
	// raised to survive cold starts.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// WorkDir is the root under which each folder's working directory lives.
	WorkDir string `yaml:"work_dir"`

	// IPCRoot is the tool IPC directory root mounted into workers.
	IPCRoot string `yaml:"ipc_root"`

	// CapabilityEnv whitelists host env var names forwarded to workers per
	// capability ("reminders", "bookmarks", "outbound_email"). Nothing else
	// from the host environment reaches a worker.
	CapabilityEnv map[string][]string `yaml:"capability_env"`

	// ApologyText is sent once to the conversation when a turn fails.
	// Empty disables the apology.
	ApologyText string `yaml:"apology_text"`
}

// minTurnTimeout is the floor for per-turn deadlines.
const minTurnTimeout = 2 * time.Minute

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  5,
		IdleTimeout: 5 * time.Minute,
		TurnTimeout: 5 * time.Minute,
		ApologyText: "Sorry — something went wrong handling that. Please try again.",
	}
}

// Pool owns the workers.
type Pool struct {
	cfg      Config
	info     InfoProvider
	send     SendFunc
	sessions SessionStore
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker pool.
func New(cfg Config, info InfoProvider, send SendFunc, sessions SessionStore, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.TurnTimeout < minTurnTimeout {
		cfg.TurnTimeout = minTurnTimeout
	}
	return &Pool{
		cfg:      cfg,
		info:     info,
		send:     send,
		sessions: sessions,
		logger:   logger.With("component", "pool"),
		workers:  make(map[string]*worker),
	}
}

// Start begins the idle-reap loop.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.reapLoop()
}

// Stop terminates all workers and waits for bookkeeping to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	for _, w := range p.workers {
		w.terminate()
	}
	p.workers = make(map[string]*worker)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("pool stopped")
}

// Enqueue appends a chat turn to the folder's FIFO queue, spawning the
// worker when none is live.
func (p *Pool) Enqueue(folder, chatID, prompt string) error {
	return p.EnqueueTurn(folder, Turn{ChatID: chatID, Prompt: prompt, SessionKey: "chat"})
}

// EnqueueTurn appends an arbitrary turn (scheduled turns pass their own
// session key) to the folder's queue.
func (p *Pool) EnqueueTurn(folder string, turn Turn) error {
	if folder == "" {
		return fmt.Errorf("enqueue: folder is required")
	}
	if turn.SessionKey == "" {
		turn.SessionKey = "chat"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[folder]
	if !ok || w.dead() {
		var err error
		w, err = p.spawnLocked(folder)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", folder, err)
		}
	}
	w.push(turn)
	return nil
}

// RunDetached is the single-shot voice path: it spawns a throwaway worker
// outside the pool's bookkeeping, resolves on the first streamed result, and
// terminates the process. Queue semantics do not apply.
func (p *Pool) RunDetached(ctx context.Context, folder, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = p.cfg.TurnTimeout
	}
	info, err := p.info(folder)
	if err != nil {
		return "", fmt.Errorf("run detached %s: %w", folder, err)
	}

	w := newWorker(p, folder, info)
	if err := w.start(); err != nil {
		return "", fmt.Errorf("run detached %s: %w", folder, err)
	}
	defer w.terminate()

	session, _ := p.sessions.GetSession(folder, "voice")
	return w.runOnce(ctx, Turn{Prompt: prompt, SessionKey: "voice"}, session, timeout)
}

// ClearSession is the operator reset path.
func (p *Pool) ClearSession(folder, purpose string) error {
	type clearer interface {
		ClearSession(folder, purpose string) error
	}
	if c, ok := p.sessions.(clearer); ok {
		return c.ClearSession(folder, purpose)
	}
	return fmt.Errorf("session store does not support clearing")
}

// ---------- Internal ----------

// spawnLocked starts a worker for folder, evicting the least-recently-used
// idle worker when the pool is full. Caller holds p.mu.
func (p *Pool) spawnLocked(folder string) (*worker, error) {
	if len(p.workers) >= p.cfg.MaxWorkers {
		p.evictLRULocked()
	}

	info, err := p.info(folder)
	if err != nil {
		return nil, err
	}
	w := newWorker(p, folder, info)
	if err := w.start(); err != nil {
		return nil, err
	}
	p.workers[folder] = w
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.loop()
	}()
	p.logger.Info("worker spawned", "folder", folder)
	return w, nil
}

// evictLRULocked terminates the least-recently-used idle worker, if any.
// Caller holds p.mu.
func (p *Pool) evictLRULocked() {
	var (
		victim *worker
		oldest time.Time
	)
	for _, w := range p.workers {
		if !w.idle() {
			continue
		}
		if victim == nil || w.lastActivity().Before(oldest) {
			victim, oldest = w, w.lastActivity()
		}
	}
	if victim == nil {
		p.logger.Warn("pool full with no idle worker to evict", "live", len(p.workers))
		return
	}
	p.logger.Info("evicting idle worker", "folder", victim.folder)
	victim.terminate()
	delete(p.workers, victim.folder)
}

// removeWorker drops a worker from the map if it is still the registered one.
func (p *Pool) removeWorker(w *worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.folder] == w {
		delete(p.workers, w.folder)
	}
}

// respawn replaces a dead worker, carrying over its remaining queue.
func (p *Pool) respawn(old *worker, remaining []Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	if p.workers[old.folder] == old {
		delete(p.workers, old.folder)
	}
	w, err := p.spawnLocked(old.folder)
	if err != nil {
		p.logger.Error("respawn failed, dropping queued turns",
			"folder", old.folder, "queued", len(remaining), "error", err)
		return
	}
	for _, t := range remaining {
		w.push(t)
	}
	p.logger.Info("worker respawned with queue intact",
		"folder", old.folder, "queued", len(remaining))
}

// reapLoop terminates workers idle past the idle window.
func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		for folder, w := range p.workers {
			if w.idle() && time.Since(w.lastActivity()) > p.cfg.IdleTimeout {
				p.logger.Info("reaping idle worker", "folder", folder)
				w.terminate()
				delete(p.workers, folder)
			}
		}
		p.mu.Unlock()
	}
}
