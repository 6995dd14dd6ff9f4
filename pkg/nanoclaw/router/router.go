// Package router decides what happens to every inbound message: drop it,
// auto-register its conversation, or enqueue a turn on the worker pool.
// It is a pure function over the message plus address book state.
package router

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/channels"
)

// dedupWindow bounds how long a message id is remembered. Re-delivery of the
// same id within the window is a no-op.
const dedupWindow = 10 * time.Minute

// dedupMax bounds how many ids are remembered.
const dedupMax = 512

// AutoRegisterPolicy describes how unknown chat ids on one transport are
// handled: if Enabled, a default conversation is inserted on first contact.
type AutoRegisterPolicy struct {
	Enabled         bool
	FolderTemplate  string // e.g. "sig-%s"; %s is a slug of the chat id
	RequiresTrigger bool
	Trigger         string
	Capabilities    addressbook.Capabilities
}

// Enqueuer receives accepted turns. The worker pool implements this.
type Enqueuer interface {
	Enqueue(folder, chatID, prompt string) error
}

// Router filters inbound messages and dispatches turns.
type Router struct {
	book     *addressbook.Store
	pool     Enqueuer
	policies map[string]AutoRegisterPolicy // keyed by chat id prefix
	logger   *slog.Logger

	// triggerRe caches one compiled regex per trigger string.
	triggerMu sync.Mutex
	triggerRe map[string]*regexp.Regexp

	// seen implements the message id dedup window.
	seenMu sync.Mutex
	seen   map[string]time.Time
}

// New creates a Router over the address book and pool.
func New(book *addressbook.Store, pool Enqueuer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		book:      book,
		pool:      pool,
		policies:  make(map[string]AutoRegisterPolicy),
		logger:    logger.With("component", "router"),
		triggerRe: make(map[string]*regexp.Regexp),
		seen:      make(map[string]time.Time),
	}
}

// SetAutoRegister installs the auto-registration policy for a chat id prefix.
func (r *Router) SetAutoRegister(prefix string, policy AutoRegisterPolicy) {
	r.policies[prefix] = policy
}

// HandleMessage is the inbound entry point, wired as the channels' OnMessage
// callback. Every accepted message enqueues exactly one turn.
func (r *Router) HandleMessage(m channels.Message) {
	if m.IsSelf {
		return
	}
	if r.isDuplicate(m.ID) {
		r.logger.Debug("duplicate message dropped", "chat_id", m.ChatID)
		return
	}

	conv, err := r.book.Get(m.ChatID)
	if err == addressbook.ErrNotFound {
		conv = r.autoRegister(m)
	} else if err != nil {
		r.logger.Error("address book lookup failed", "chat_id", m.ChatID, "error", err)
		return
	}
	if conv == nil {
		r.logger.Debug("unknown chat id dropped", "chat_id", m.ChatID)
		return
	}

	text := m.Text
	if conv.RequiresTrigger {
		stripped, ok := r.matchTrigger(conv.Trigger, text)
		if !ok {
			return
		}
		text = stripped
	}

	if err := r.book.UpdateLastSeen(m.ChatID, m.Timestamp); err != nil {
		r.logger.Warn("update last seen failed", "chat_id", m.ChatID, "error", err)
	}

	if err := r.pool.Enqueue(conv.Folder, m.ChatID, text); err != nil {
		r.logger.Error("enqueue turn failed", "folder", conv.Folder, "error", err)
	}
}

// HandleChatMetadata records chat discovery: known chats get their display
// name refreshed, unknown ones are left for the registration path.
func (r *Router) HandleChatMetadata(meta channels.ChatMetadata) {
	conv, err := r.book.Get(meta.ChatID)
	if err != nil || conv == nil {
		return
	}
	if meta.Name != "" && conv.DisplayName != meta.Name {
		conv.DisplayName = meta.Name
		if err := r.book.Put(conv); err != nil {
			r.logger.Warn("metadata update failed", "chat_id", meta.ChatID, "error", err)
		}
	}
}

// ---------- Internal ----------

// matchTrigger tests text against the conversation's case-insensitive
// ^@<trigger>\b gate and returns the text with the matched prefix stripped.
func (r *Router) matchTrigger(trigger, text string) (string, bool) {
	if trigger == "" {
		return text, true
	}
	re := r.compiledTrigger(trigger)
	loc := re.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	return strings.TrimSpace(text[loc[1]:]), true
}

// compiledTrigger returns the cached regex for a trigger string, compiling
// it on first use.
func (r *Router) compiledTrigger(trigger string) *regexp.Regexp {
	r.triggerMu.Lock()
	defer r.triggerMu.Unlock()
	if re, ok := r.triggerRe[trigger]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(trigger) + `\b`)
	r.triggerRe[trigger] = re
	return re
}

// autoRegister inserts a default conversation when the transport's policy
// allows it. Returns nil when no policy applies.
func (r *Router) autoRegister(m channels.Message) *addressbook.Conversation {
	prefix, policy, ok := r.policyFor(m.ChatID)
	if !ok || !policy.Enabled {
		return nil
	}

	conv := &addressbook.Conversation{
		ChatID:          m.ChatID,
		DisplayName:     m.SenderName,
		Folder:          fmt.Sprintf(policy.FolderTemplate, slugify(strings.TrimPrefix(m.ChatID, prefix))),
		Trigger:         policy.Trigger,
		RequiresTrigger: policy.RequiresTrigger,
		Capabilities:    policy.Capabilities,
		CreatedAt:       time.Now(),
	}
	if err := r.book.Put(conv); err != nil {
		r.logger.Error("auto-register failed", "chat_id", m.ChatID, "error", err)
		return nil
	}
	r.logger.Info("conversation auto-registered", "chat_id", m.ChatID, "folder", conv.Folder)
	return conv
}

// policyFor finds the longest-prefix policy matching the chat id.
func (r *Router) policyFor(chatID string) (string, AutoRegisterPolicy, bool) {
	var (
		bestPrefix string
		best       AutoRegisterPolicy
		bestLen    = -1
	)
	for prefix, p := range r.policies {
		if strings.HasPrefix(chatID, prefix) && len(prefix) > bestLen {
			bestPrefix, best, bestLen = prefix, p, len(prefix)
		}
	}
	return bestPrefix, best, bestLen >= 0
}

// isDuplicate remembers message ids for the dedup window.
func (r *Router) isDuplicate(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if ts, ok := r.seen[id]; ok && now.Sub(ts) < dedupWindow {
		return true
	}
	// Opportunistic expiry keeps the map bounded.
	if len(r.seen) >= dedupMax {
		for k, ts := range r.seen {
			if now.Sub(ts) >= dedupWindow {
				delete(r.seen, k)
			}
		}
		// Still full of fresh ids: drop the map rather than grow unbounded.
		if len(r.seen) >= dedupMax {
			r.seen = make(map[string]time.Time)
		}
	}
	r.seen[id] = now
	return false
}

// slugify reduces a chat id to a filesystem-safe folder fragment.
func slugify(chatID string) string {
	var b strings.Builder
	for _, c := range chatID {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c >= 'A' && c <= 'Z':
			b.WriteRune(c + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
