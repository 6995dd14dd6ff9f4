// Package addressbook implements the durable chat-id → conversation store
// for NanoClaw, backed by SQLite. It is the single source of truth for
// routing decisions: folders, trigger rules, capability flags and sessions.
//
// The store is single-writer: every mutation goes through one *sql.DB with
// synchronous=FULL so each commit is fsynced. Reads are cheap and
// synchronous.
package addressbook

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// Errors.
var (
	ErrNotFound       = fmt.Errorf("conversation not found")
	ErrFolderConflict = fmt.Errorf("folder already belongs to another conversation")
)

// Capabilities are the per-conversation feature flags.
type Capabilities struct {
	Reminders     bool `json:"reminders"`
	Bookmarks     bool `json:"bookmarks"`
	OutboundEmail bool `json:"outbound_email"`
}

// ContainerConfig is an optional per-conversation worker override.
type ContainerConfig struct {
	Mounts []string          `json:"mounts,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// Conversation is the persistent record keyed by chat id.
type Conversation struct {
	ChatID          string           `json:"chat_id"`
	DisplayName     string           `json:"display_name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	RequiresTrigger bool             `json:"requires_trigger"`
	Capabilities    Capabilities     `json:"capabilities"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActiveAt    time.Time        `json:"last_active_at"`
	Container       *ContainerConfig `json:"container,omitempty"`
}

// Store is the SQLite-backed address book.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the address book database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open address book: %w", err)
	}
	// Serial writer: a single connection removes write races entirely.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "addressbook")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the conversation for a chat id.
func (s *Store) Get(chatID string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, display_name, folder, trigger_word, requires_trigger,
		       capabilities, created_at, last_active_at, container
		FROM conversations WHERE chat_id = ?`, chatID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return conv, err
}

// Put inserts or updates a conversation. Folder uniqueness is enforced:
// a folder already owned by a different chat id is a conflict (Link is the
// sanctioned way to share a folder).
func (s *Store) Put(conv *Conversation) error {
	if conv.ChatID == "" || conv.Folder == "" {
		return fmt.Errorf("put: chat id and folder are required")
	}

	var owner string
	err := s.db.QueryRow(
		`SELECT chat_id FROM conversations WHERE folder = ? AND chat_id != ? AND linked = 0 LIMIT 1`,
		conv.Folder, conv.ChatID).Scan(&owner)
	if err == nil {
		return fmt.Errorf("put %q: folder %q owned by %q: %w", conv.ChatID, conv.Folder, owner, ErrFolderConflict)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("put %q: %w", conv.ChatID, err)
	}

	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	return s.write(conv, false)
}

// List returns all conversations ordered by creation time.
func (s *Store) List() ([]*Conversation, error) {
	rows, err := s.db.Query(`
		SELECT chat_id, display_name, folder, trigger_word, requires_trigger,
		       capabilities, created_at, last_active_at, container
		FROM conversations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

// Representative returns the earliest-registered conversation for a folder.
// It is the record capability inheritance copies from.
func (s *Store) Representative(folder string) (*Conversation, error) {
	row := s.db.QueryRow(`
		SELECT chat_id, display_name, folder, trigger_word, requires_trigger,
		       capabilities, created_at, last_active_at, container
		FROM conversations WHERE folder = ? ORDER BY created_at LIMIT 1`, folder)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return conv, err
}

// Link registers aliasID as a second chat id for an existing folder. Trigger
// and capability settings are copied from the folder's representative record.
// When the alias already exists, the target's settings win and a warning is
// logged.
func (s *Store) Link(aliasID, targetFolder string, displayName string) (*Conversation, error) {
	rep, err := s.Representative(targetFolder)
	if err != nil {
		return nil, fmt.Errorf("link %q: target folder %q: %w", aliasID, targetFolder, err)
	}

	if existing, err := s.Get(aliasID); err == nil {
		s.logger.Warn("link: alias already registered, target settings win",
			"alias", aliasID, "old_folder", existing.Folder, "folder", targetFolder)
	}

	conv := &Conversation{
		ChatID:          aliasID,
		DisplayName:     displayName,
		Folder:          targetFolder,
		Trigger:         rep.Trigger,
		RequiresTrigger: rep.RequiresTrigger,
		Capabilities:    rep.Capabilities,
		CreatedAt:       time.Now(),
	}
	if err := s.write(conv, true); err != nil {
		return nil, err
	}
	s.logger.Info("chat id linked", "alias", aliasID, "folder", targetFolder)
	return conv, nil
}

// UpdateLastSeen bumps the last-active timestamp.
func (s *Store) UpdateLastSeen(chatID string, ts time.Time) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET last_active_at = ? WHERE chat_id = ?`,
		ts.UTC().Format(time.RFC3339), chatID)
	if err != nil {
		return fmt.Errorf("update last seen %q: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- Sessions ----------

// GetSession returns the worker session id for a (folder, purpose) pair, or
// empty when none exists. Session values are never logged.
func (s *Store) GetSession(folder, purpose string) (string, error) {
	var session string
	err := s.db.QueryRow(
		`SELECT session_id FROM sessions WHERE folder = ? AND purpose = ?`,
		folder, purpose).Scan(&session)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %s/%s: %w", folder, purpose, err)
	}
	return session, nil
}

// PutSession stores a worker-assigned session id.
func (s *Store) PutSession(folder, purpose, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (folder, purpose, session_id, updated_at)
		VALUES (?, ?, ?, ?)`,
		folder, purpose, sessionID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("put session %s/%s: %w", folder, purpose, err)
	}
	return nil
}

// ClearSession removes a stored session id (operator reset).
func (s *Store) ClearSession(folder, purpose string) error {
	_, err := s.db.Exec(
		`DELETE FROM sessions WHERE folder = ? AND purpose = ?`, folder, purpose)
	if err != nil {
		return fmt.Errorf("clear session %s/%s: %w", folder, purpose, err)
	}
	return nil
}

// ---------- Internal ----------

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			chat_id          TEXT PRIMARY KEY,
			display_name     TEXT NOT NULL DEFAULT '',
			folder           TEXT NOT NULL,
			trigger_word     TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 0,
			capabilities     TEXT NOT NULL DEFAULT '{}',
			created_at       TEXT NOT NULL,
			last_active_at   TEXT NOT NULL DEFAULT '',
			container        TEXT,
			linked           INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_folder ON conversations(folder);

		CREATE TABLE IF NOT EXISTS sessions (
			folder     TEXT NOT NULL,
			purpose    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (folder, purpose)
		);`)
	if err != nil {
		return fmt.Errorf("migrate address book: %w", err)
	}
	return nil
}

// write persists a conversation row. linked marks rows created via Link so
// folder-uniqueness checks can tell owners from aliases.
func (s *Store) write(conv *Conversation, linked bool) error {
	caps, err := json.Marshal(conv.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	var container sql.NullString
	if conv.Container != nil {
		b, err := json.Marshal(conv.Container)
		if err != nil {
			return fmt.Errorf("marshal container config: %w", err)
		}
		container = sql.NullString{String: string(b), Valid: true}
	}
	var lastActive string
	if !conv.LastActiveAt.IsZero() {
		lastActive = conv.LastActiveAt.UTC().Format(time.RFC3339)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO conversations
			(chat_id, display_name, folder, trigger_word, requires_trigger,
			 capabilities, created_at, last_active_at, container, linked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ChatID,
		conv.DisplayName,
		conv.Folder,
		conv.Trigger,
		boolToInt(conv.RequiresTrigger),
		string(caps),
		conv.CreatedAt.UTC().Format(time.RFC3339),
		lastActive,
		container,
		boolToInt(linked),
	)
	if err != nil {
		return fmt.Errorf("write conversation %q: %w", conv.ChatID, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conv            Conversation
		requiresTrigger int
		caps            string
		createdAt       string
		lastActive      string
		container       sql.NullString
	)
	if err := row.Scan(
		&conv.ChatID, &conv.DisplayName, &conv.Folder, &conv.Trigger,
		&requiresTrigger, &caps, &createdAt, &lastActive, &container,
	); err != nil {
		return nil, err
	}
	conv.RequiresTrigger = requiresTrigger != 0
	if err := json.Unmarshal([]byte(caps), &conv.Capabilities); err != nil {
		return nil, fmt.Errorf("scan %q: capabilities: %w", conv.ChatID, err)
	}
	conv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastActive != "" {
		conv.LastActiveAt, _ = time.Parse(time.RFC3339, lastActive)
	}
	if container.Valid {
		var cc ContainerConfig
		if err := json.Unmarshal([]byte(container.String), &cc); err == nil {
			conv.Container = &cc
		}
	}
	return &conv, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
