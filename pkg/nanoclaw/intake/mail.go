// Package intake synthesizes inbound work from non-chat sources. The mail
// poller turns matching mailbox messages into bookmark relay calls. The
// reminders snapshot is refreshed by package snapshot, not here.
//
// Idempotence leans on a server-side processed label: a message is labeled
// (and archived) only after every relay call for it succeeded, so a relay
// outage mid-batch leaves it unlabeled for retry. Atomicity is per-message.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/bookmarks"
)

// MailConfig holds mail poller configuration.
type MailConfig struct {
	// Enabled toggles the poller.
	Enabled bool `yaml:"enabled"`

	// Interval is the poll cadence.
	Interval time.Duration `yaml:"interval"`

	// FromFilter selects which senders feed the bookmark flow.
	FromFilter string `yaml:"from_filter"`

	// ProcessedLabel marks handled messages server-side.
	ProcessedLabel string `yaml:"processed_label"`

	// Command is the mail CLI argv prefix. The poller appends
	// "search --from <filter> --without-label <label> --json" to list
	// pending messages and "done <id> <label>" to mark one processed.
	Command []string `yaml:"command"`
}

// DefaultMailConfig returns a MailConfig with sensible defaults.
func DefaultMailConfig() MailConfig {
	return MailConfig{
		Interval:       5 * time.Minute,
		ProcessedLabel: "nanoclaw-processed",
	}
}

// mailMessage is one pending message from the CLI's search output.
type mailMessage struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// MailPoller runs the mail→bookmark loop.
type MailPoller struct {
	cfg    MailConfig
	relay  *bookmarks.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMailPoller creates the poller.
func NewMailPoller(cfg MailConfig, relay *bookmarks.Client, logger *slog.Logger) *MailPoller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ProcessedLabel == "" {
		cfg.ProcessedLabel = "nanoclaw-processed"
	}
	return &MailPoller{
		cfg:    cfg,
		relay:  relay,
		logger: logger.With("component", "mail-intake"),
	}
}

// Start begins polling. A poller without a command or relay stays inert.
func (m *MailPoller) Start(ctx context.Context) {
	if !m.cfg.Enabled || len(m.cfg.Command) == 0 || m.relay == nil || !m.relay.Enabled() {
		m.logger.Info("mail intake disabled")
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.pollOnce()
			}
		}
	}()
	m.logger.Info("mail intake started", "interval", m.cfg.Interval, "from", m.cfg.FromFilter)
}

// Stop halts polling.
func (m *MailPoller) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// ---------- Internal ----------

// pollOnce processes every pending message independently.
func (m *MailPoller) pollOnce() {
	messages, err := m.search()
	if err != nil {
		m.logger.Warn("mail search failed", "error", err)
		return
	}
	for _, msg := range messages {
		m.processMessage(msg)
	}
}

// processMessage forwards every extracted URL, then labels the message.
// Any relay failure aborts before the label so the whole message retries on
// the next poll.
func (m *MailPoller) processMessage(msg mailMessage) {
	urls := ExtractURLs(msg.Body)
	for _, u := range urls {
		if _, err := m.relay.Intake(m.ctx, u, map[string]any{"source": "email"}); err != nil {
			m.logger.Warn("bookmark relay failed, message left for retry",
				"message_id", msg.ID, "url", u, "error", err)
			return
		}
		m.logger.Info("bookmark forwarded", "message_id", msg.ID, "url", u)
	}

	if err := m.markProcessed(msg.ID); err != nil {
		m.logger.Warn("labeling failed, message may re-forward",
			"message_id", msg.ID, "error", err)
		return
	}
	m.logger.Debug("mail message processed", "message_id", msg.ID, "urls", len(urls))
}

// search lists pending messages via the mail CLI.
func (m *MailPoller) search() ([]mailMessage, error) {
	args := append(append([]string{}, m.cfg.Command[1:]...),
		"search", "--from", m.cfg.FromFilter,
		"--without-label", m.cfg.ProcessedLabel, "--json")
	out, err := m.run(args)
	if err != nil {
		return nil, err
	}
	var messages []mailMessage
	if err := json.Unmarshal(out, &messages); err != nil {
		return nil, fmt.Errorf("mail search output: %w", err)
	}
	return messages, nil
}

// markProcessed adds the processed label and removes the message from the
// inbox.
func (m *MailPoller) markProcessed(id string) error {
	args := append(append([]string{}, m.cfg.Command[1:]...),
		"done", id, m.cfg.ProcessedLabel)
	_, err := m.run(args)
	return err
}

func (m *MailPoller) run(args []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.cfg.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("mail cli: %w: %s", err, stderr.String())
	}
	return bytes.TrimSpace(stdout.Bytes()), nil
}
