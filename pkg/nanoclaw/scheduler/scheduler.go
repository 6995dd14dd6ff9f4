// Package scheduler implements the persistent task scheduler for NanoClaw.
// Tasks (cron, interval, one-shot) fire by enqueuing synthetic turns on the
// worker pool — never by talking to a worker directly, which keeps the
// firing path correct across worker restarts.
//
// All user-supplied cron and one-shot values are interpreted in the host's
// configured local zone; stored next-fire timestamps are absolute instants.
// Missed windows during downtime fire exactly once on resume and then skip
// ahead — no catch-up storm.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/pool"
)

// Enqueuer receives fired turns. The worker pool implements this.
type Enqueuer interface {
	EnqueueTurn(folder string, turn pool.Turn) error
}

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is how often due tasks are scanned.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Timezone names the zone user-supplied values are interpreted in.
	// Empty means the process-local zone.
	Timezone string `yaml:"timezone"`

	// MainFolder receives main-scope tasks (empty owning folder).
	MainFolder string `yaml:"main_folder"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{TickInterval: time.Minute, MainFolder: "main"}
}

// Scheduler runs the tick loop over the durable task table.
type Scheduler struct {
	cfg    Config
	store  *Store
	pool   Enqueuer
	loc    *time.Location
	logger *slog.Logger

	// onMutate is called after any task mutation so snapshots stay fresh.
	onMutate func()

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler over the store and pool.
func New(cfg Config, store *Store, p Enqueuer, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MainFolder == "" {
		cfg.MainFolder = "main"
	}
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler: bad timezone %q: %w", cfg.Timezone, err)
		}
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		pool:   p,
		loc:    loc,
		logger: logger.With("component", "scheduler"),
	}, nil
}

// SetOnMutate registers the snapshot refresh hook.
func (s *Scheduler) SetOnMutate(fn func()) { s.onMutate = fn }

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		// Immediate first tick picks up windows missed during downtime.
		s.tick(time.Now())
		for {
			select {
			case <-s.ctx.Done():
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
	s.logger.Info("scheduler started", "tick", s.cfg.TickInterval, "zone", s.loc.String())
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Schedule validates and persists a new task. A one-shot whose time already
// passed transitions directly to completed without firing.
func (s *Scheduler) Schedule(t *Task) error {
	if t.Prompt == "" {
		return fmt.Errorf("task prompt is required")
	}
	if err := ValidateValue(t.Kind, t.Value); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextInherit
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	now := time.Now()
	next, err := NextFire(t.Kind, t.Value, now, s.loc)
	if err != nil {
		return err
	}
	t.NextFire = next
	t.Status = StatusActive
	if t.Kind == KindOnce && !next.After(now) {
		t.Status = StatusCompleted
	}

	if err := s.store.Save(t); err != nil {
		return err
	}
	s.logger.Info("task scheduled",
		"id", t.ID, "kind", t.Kind, "folder", t.Folder,
		"next_fire", t.NextFire.Format(time.RFC3339), "status", t.Status)
	s.mutated()
	return nil
}

// Pause suspends an active task.
func (s *Scheduler) Pause(id string) error {
	return s.setStatus(id, StatusPaused)
}

// Resume reactivates a paused task, re-deriving its next fire so the pause
// window is skipped rather than replayed.
func (s *Scheduler) Resume(id string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPaused {
		return fmt.Errorf("task %q is %s, not paused", id, t.Status)
	}
	next, err := NextFire(t.Kind, t.Value, time.Now(), s.loc)
	if err != nil {
		return err
	}
	t.NextFire = next
	t.Status = StatusActive
	if t.Kind == KindOnce && !next.After(time.Now()) {
		t.Status = StatusCompleted
	}
	if err := s.store.Save(t); err != nil {
		return err
	}
	s.logger.Info("task resumed", "id", id, "next_fire", t.NextFire.Format(time.RFC3339))
	s.mutated()
	return nil
}

// Cancel deletes a task.
func (s *Scheduler) Cancel(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.logger.Info("task cancelled", "id", id)
	s.mutated()
	return nil
}

// Get returns one task.
func (s *Scheduler) Get(id string) (*Task, error) { return s.store.Get(id) }

// List returns tasks visible to a folder; the main folder sees all.
func (s *Scheduler) List(folder string) ([]*Task, error) {
	if folder == s.cfg.MainFolder {
		return s.store.List("")
	}
	return s.store.List(folder)
}

// ---------- Internal ----------

// tick fires every due task once. The running transition is persisted
// before the enqueue, so a crash in between reprocesses on the next tick.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due, err := s.store.Due(now)
	if err != nil {
		s.logger.Error("due scan failed", "error", err)
		return
	}
	for _, t := range due {
		s.fire(t, now)
	}
	if len(due) > 0 {
		s.mutated()
	}
}

func (s *Scheduler) fire(t *Task, now time.Time) {
	t.Status = StatusRunning
	t.LastFire = now
	if err := s.store.Save(t); err != nil {
		s.logger.Error("persist before enqueue failed", "id", t.ID, "error", err)
		return
	}

	folder := t.Folder
	if folder == "" {
		folder = s.cfg.MainFolder
	}
	turn := pool.Turn{Prompt: t.Prompt, SessionKey: "chat"}
	if t.ContextMode == ContextIsolated {
		turn.SessionKey = "task:" + t.ID
	}

	if err := s.pool.EnqueueTurn(folder, turn); err != nil {
		s.logger.Error("task enqueue failed", "id", t.ID, "folder", folder, "error", err)
		t.Status = StatusFailed
		if err := s.store.Save(t); err != nil {
			s.logger.Error("persist after enqueue failure failed", "id", t.ID, "error", err)
		}
		return
	}

	// Re-derive the following fire from now — one fire per missed window,
	// then skip ahead.
	switch t.Kind {
	case KindOnce:
		t.Status = StatusCompleted
	default:
		next, err := NextFire(t.Kind, t.Value, now, s.loc)
		if err != nil {
			s.logger.Error("next fire derivation failed", "id", t.ID, "error", err)
			t.Status = StatusFailed
		} else {
			t.NextFire = next
			t.Status = StatusActive
		}
	}
	if err := s.store.Save(t); err != nil {
		s.logger.Error("persist after fire failed", "id", t.ID, "error", err)
	}
	s.logger.Info("task fired", "id", t.ID, "kind", t.Kind, "folder", folder, "status", t.Status)
}

func (s *Scheduler) setStatus(id, status string) error {
	t, err := s.store.Get(id)
	if err != nil {
		return err
	}
	t.Status = status
	if err := s.store.Save(t); err != nil {
		return err
	}
	s.logger.Info("task status changed", "id", id, "status", status)
	s.mutated()
	return nil
}

func (s *Scheduler) mutated() {
	if s.onMutate != nil {
		s.onMutate()
	}
}
