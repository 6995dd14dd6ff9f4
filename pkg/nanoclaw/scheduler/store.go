package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Task kinds.
const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Context modes.
const (
	ContextInherit  = "inherit"
	ContextIsolated = "isolated"
)

// Task is one scheduled turn.
type Task struct {
	// ID is the unique task identifier.
	ID string `json:"id"`

	// Folder is the owning conversation folder. Empty means main-scope.
	Folder string `json:"folder"`

	// Prompt is the synthetic turn payload.
	Prompt string `json:"prompt"`

	// Kind is "cron", "interval", or "once".
	Kind string `json:"kind"`

	// Value is the schedule value: cron expression, milliseconds, or a
	// local timestamp without zone suffix.
	Value string `json:"value"`

	// ContextMode is "inherit" (shared session) or "isolated" (fresh
	// session keyed task:<id>).
	ContextMode string `json:"context_mode"`

	// Status is the task lifecycle state.
	Status string `json:"status"`

	// NextFire is the absolute next firing instant.
	NextFire time.Time `json:"next_fire"`

	// LastFire is the last firing instant, zero if never fired.
	LastFire time.Time `json:"last_fire,omitempty"`

	// GroupFolder is the folder of the group that created the task.
	GroupFolder string `json:"group_folder,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = fmt.Errorf("task not found")

// Store persists tasks in SQLite. Single-writer, same discipline as the
// address book.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the task database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			folder       TEXT NOT NULL DEFAULT '',
			prompt       TEXT NOT NULL,
			kind         TEXT NOT NULL,
			value        TEXT NOT NULL,
			context_mode TEXT NOT NULL DEFAULT 'inherit',
			status       TEXT NOT NULL DEFAULT 'active',
			next_fire    TEXT NOT NULL DEFAULT '',
			last_fire    TEXT NOT NULL DEFAULT '',
			group_folder TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save inserts or updates a task.
func (s *Store) Save(t *Task) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO tasks
			(id, folder, prompt, kind, value, context_mode, status,
			 next_fire, last_fire, group_folder, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.Prompt, t.Kind, t.Value, t.ContextMode, t.Status,
		formatTime(t.NextFire), formatTime(t.LastFire), t.GroupFolder,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %q: %w", t.ID, err)
	}
	return nil
}

// Get returns one task by id.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// Delete removes a task by id.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List returns all tasks, optionally filtered by folder. An empty folder
// returns everything (the main conversation's view).
func (s *Store) List(folder string) ([]*Task, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if folder == "" {
		rows, err = s.db.Query(taskSelect + ` ORDER BY created_at`)
	} else {
		rows, err = s.db.Query(taskSelect+` WHERE folder = ? ORDER BY created_at`, folder)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Due returns fireable tasks: active, or running with a stale next-fire
// (a crash between persist and enqueue reprocesses on the next tick).
func (s *Store) Due(now time.Time) ([]*Task, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status IN (?, ?) AND next_fire != '' AND next_fire <= ?
		ORDER BY next_fire`,
		StatusActive, StatusRunning, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ---------- Internal ----------

const taskSelect = `
	SELECT id, folder, prompt, kind, value, context_mode, status,
	       next_fire, last_fire, group_folder, created_at
	FROM tasks`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                             Task
		nextFire, lastFire, createdAt string
	)
	if err := row.Scan(
		&t.ID, &t.Folder, &t.Prompt, &t.Kind, &t.Value, &t.ContextMode,
		&t.Status, &nextFire, &lastFire, &t.GroupFolder, &createdAt,
	); err != nil {
		return nil, err
	}
	t.NextFire = parseTime(nextFire)
	t.LastFire = parseTime(lastFire)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// formatTime stores instants as RFC3339 UTC so lexicographic comparison in
// SQL matches chronological order.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
