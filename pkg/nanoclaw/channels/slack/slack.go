// Package slack implements the Slack channel for NanoClaw using the Slack
// Web API and Socket Mode for real-time events.
//
// Features:
//   - Socket Mode over WebSocket (no public URL needed)
//   - Envelope acknowledgement and automatic reconnect with backoff
//   - DM and channel support, leading bot-mention stripping
//   - Per-bot sender identity on outbound messages (username override)
//   - Namespaced instances via an injected chat id prefix (e.g. slack:cit:)
//   - In-memory outbound queue drained on reconnect
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/channels"
)

// Config holds Slack channel configuration.
type Config struct {
	// BotToken is the Slack Bot User OAuth Token (xoxb-...).
	BotToken string `yaml:"bot_token"`

	// AppToken is the Slack App-Level Token for Socket Mode (xapp-...).
	AppToken string `yaml:"app_token"`

	// Namespace disambiguates multiple workspace instances. Empty claims
	// "slack:"; "cit" claims "slack:cit:".
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{}
}

// Slack implements channels.Channel and channels.LabeledSender.
type Slack struct {
	cfg      Config
	logger   *slog.Logger
	client   *http.Client
	handlers channels.Handlers
	queue    *channels.SendQueue

	// prefix is the claimed chat id prefix ("slack:" or "slack:<ns>:").
	prefix string

	// botUserID is the bot's own Slack user ID (to drop self-echoes).
	botUserID string

	// connected tracks the socket mode connection state.
	connected atomic.Bool

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// dmChannels caches user id → opened DM channel id.
	dmChannels map[string]string

	// userNames caches user id → display name.
	userNames map[string]string

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// New creates a new Slack channel instance.
func New(cfg Config, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	prefix := channels.SlackPrefix
	if cfg.Namespace != "" {
		prefix = channels.SlackPrefix + cfg.Namespace + ":"
	}
	logger = logger.With("component", "slack", "prefix", prefix)
	return &Slack{
		cfg:        cfg,
		logger:     logger,
		client:     &http.Client{Timeout: 15 * time.Second},
		queue:      channels.NewSendQueue(logger),
		prefix:     prefix,
		dmChannels: make(map[string]string),
		userNames:  make(map[string]string),
	}
}

// Name returns the channel identifier, qualified by namespace.
func (s *Slack) Name() string {
	if s.cfg.Namespace != "" {
		return "slack:" + s.cfg.Namespace
	}
	return "slack"
}

// SetHandlers registers inbound callbacks. Must be called before Connect.
func (s *Slack) SetHandlers(h channels.Handlers) { s.handlers = h }

// Owns claims chat ids under this instance's prefix. The un-namespaced
// instance must not swallow namespaced ids, so "slack:cit:..." is only
// claimed when Namespace == "cit".
func (s *Slack) Owns(chatID string) bool {
	if !strings.HasPrefix(chatID, s.prefix) {
		return false
	}
	if s.cfg.Namespace == "" {
		rest := strings.TrimPrefix(chatID, s.prefix)
		// A second ":" past an initial non-channel segment means a namespace.
		if i := strings.IndexByte(rest, ':'); i >= 0 && rest[:i] != "channel" {
			return false
		}
	}
	return true
}

// IsConnected returns true if the socket mode loop is live.
func (s *Slack) IsConnected() bool { return s.connected.Load() }

// Connect resolves the bot identity and starts the socket mode loop.
func (s *Slack) Connect(ctx context.Context) error {
	if s.cfg.BotToken == "" {
		return fmt.Errorf("slack: bot_token is required")
	}
	if s.cfg.AppToken == "" {
		return fmt.Errorf("slack: app_token is required for socket mode")
	}
	if s.connected.Load() {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	identity, err := s.authTest()
	if err != nil {
		return fmt.Errorf("slack: auth.test failed: %w", err)
	}
	s.botUserID = identity.UserID
	s.logger.Info("slack: authenticated", "bot", identity.User, "team", identity.Team)

	go s.socketModeLoop()
	return nil
}

// Disconnect stops the socket mode loop.
func (s *Slack) Disconnect() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connected.Store(false)
	s.logger.Info("slack: disconnected")
	return nil
}

// Send delivers text to a Slack chat, queueing on outage.
func (s *Slack) Send(ctx context.Context, chatID, text string) error {
	return s.SendAs(ctx, chatID, text, "")
}

// SendAs delivers text with an optional per-bot username label.
func (s *Slack) SendAs(ctx context.Context, chatID, text, senderLabel string) error {
	if !s.Owns(chatID) {
		return fmt.Errorf("slack: not an owner of %q", chatID)
	}
	if !s.connected.Load() {
		s.queue.Enqueue(chatID, text, senderLabel)
		return nil
	}
	if err := s.deliver(chatID, text, senderLabel); err != nil {
		s.errorCount.Add(1)
		s.logger.Warn("slack: send failed, queued", "chat_id", chatID, "error", err)
		s.queue.Enqueue(chatID, text, senderLabel)
	}
	return nil
}

// ---------- Internal ----------

// deliver posts one message via chat.postMessage.
func (s *Slack) deliver(chatID, text, senderLabel string) error {
	addr, isChannel, ok := channels.SlackAddress(chatID, s.prefix)
	if !ok {
		return fmt.Errorf("slack: malformed chat id %q", chatID)
	}

	target := addr
	if !isChannel {
		dm, err := s.openDM(addr)
		if err != nil {
			return err
		}
		target = dm
	}

	payload := map[string]any{"channel": target, "text": text}
	if senderLabel != "" {
		payload["username"] = senderLabel
	}
	_, err := s.apiCall("chat.postMessage", payload)
	return err
}

// openDM resolves a user id to a DM channel id via conversations.open.
func (s *Slack) openDM(userID string) (string, error) {
	s.mu.RLock()
	cached, ok := s.dmChannels[userID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err := s.apiCall("conversations.open", map[string]any{"users": userID})
	if err != nil {
		return "", err
	}
	chID := gjson.GetBytes(result, "channel.id").String()
	if chID == "" {
		return "", fmt.Errorf("slack: conversations.open returned no channel for %s", userID)
	}

	s.mu.Lock()
	s.dmChannels[userID] = chID
	s.mu.Unlock()
	return chID, nil
}

// userName resolves a user id to a display name via users.info, cached.
func (s *Slack) userName(userID string) string {
	s.mu.RLock()
	cached, ok := s.userNames[userID]
	s.mu.RUnlock()
	if ok {
		return cached
	}

	result, err := s.apiCall("users.info", map[string]any{"user": userID})
	if err != nil {
		return ""
	}
	name := gjson.GetBytes(result, "user.profile.display_name").String()
	if name == "" {
		name = gjson.GetBytes(result, "user.real_name").String()
	}

	s.mu.Lock()
	s.userNames[userID] = name
	s.mu.Unlock()
	return name
}

// socketModeLoop maintains the WebSocket connection, reconnecting with
// exponential backoff on failure.
func (s *Slack) socketModeLoop() {
	backoff := time.Second
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		wsURL, err := s.getSocketURL()
		if err != nil {
			s.errorCount.Add(1)
			s.logger.Warn("slack: apps.connections.open failed", "error", err, "backoff", backoff)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := s.runSocket(wsURL); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("slack: socket closed", "error", err)
		}
		s.connected.Store(false)
	}
}

// runSocket reads envelopes from one WebSocket connection until it dies.
func (s *Slack) runSocket(wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.connected.Store(true)
	s.errorCount.Store(0)
	s.logger.Info("slack: socket mode connected")
	s.queue.Drain(s.deliver)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env := gjson.ParseBytes(data)
		switch env.Get("type").String() {
		case "hello":
			continue
		case "disconnect":
			return fmt.Errorf("server requested disconnect: %s", env.Get("reason").String())
		case "events_api":
			// Ack before processing; Slack redelivers unacked envelopes.
			if id := env.Get("envelope_id").String(); id != "" {
				ack, _ := json.Marshal(map[string]string{"envelope_id": id})
				if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
					return fmt.Errorf("ack: %w", err)
				}
			}
			s.handleEvent(env.Get("payload.event"))
		}
	}
}

// handleEvent normalizes one Events API event and raises the callbacks.
func (s *Slack) handleEvent(event gjson.Result) {
	if event.Get("type").String() != "message" {
		return
	}

	text := event.Get("text").String()
	subtype := event.Get("subtype").String()
	switch subtype {
	case "":
	case "message_changed":
		// Edits carry the new body nested one level down.
		text = event.Get("message.text").String()
		if text == "" {
			return
		}
	default:
		// Reactions, joins, receipts: no new text, drop.
		return
	}

	userID := event.Get("user").String()
	botID := event.Get("bot_id").String()
	isSelf := userID != "" && userID == s.botUserID
	if isSelf {
		return
	}

	slackChannel := event.Get("channel").String()
	isGroup := !strings.HasPrefix(slackChannel, "D")
	var chatID string
	if isGroup {
		chatID = s.prefix + "channel:" + slackChannel
	} else {
		chatID = s.prefix + userID
	}

	ts := parseSlackTS(event.Get("ts").String())
	text = s.stripBotMention(text)
	if text == "" {
		return
	}

	if s.handlers.OnChatMetadata != nil {
		s.handlers.OnChatMetadata(channels.ChatMetadata{
			ChatID:    chatID,
			Timestamp: ts,
			Transport: s.Name(),
			IsGroup:   isGroup,
		})
	}
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(channels.Message{
			ID:         event.Get("client_msg_id").String(),
			ChatID:     chatID,
			Sender:     userID,
			SenderName: s.userName(userID),
			Text:       text,
			Timestamp:  ts,
			IsBot:      botID != "",
		})
	}
}

// stripBotMention removes a leading <@BOTID> mention from message text.
func (s *Slack) stripBotMention(text string) string {
	trimmed := strings.TrimSpace(text)
	mention := "<@" + s.botUserID + ">"
	if rest, ok := strings.CutPrefix(trimmed, mention); ok {
		return strings.TrimSpace(strings.TrimLeft(rest, " \t:,"))
	}
	return trimmed
}

// parseSlackTS converts a Slack "1234567890.000100" timestamp.
func parseSlackTS(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(n, 0)
}

// authIdentity is the auth.test response subset we need.
type authIdentity struct {
	User   string `json:"user"`
	UserID string `json:"user_id"`
	Team   string `json:"team"`
}

// authTest resolves the bot's own identity.
func (s *Slack) authTest() (*authIdentity, error) {
	result, err := s.apiCall("auth.test", map[string]any{})
	if err != nil {
		return nil, err
	}
	var identity authIdentity
	if err := json.Unmarshal(result, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

// getSocketURL fetches a fresh WebSocket URL via apps.connections.open.
// This endpoint authenticates with the app-level token, not the bot token.
func (s *Slack) getSocketURL() (string, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost,
		"https://slack.com/api/apps.connections.open", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AppToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.Get("ok").Bool() {
		return "", fmt.Errorf("slack: apps.connections.open: %s", parsed.Get("error").String())
	}
	return parsed.Get("url").String(), nil
}

// apiCall performs one Web API call with the bot token.
func (s *Slack) apiCall(method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost,
		"https://slack.com/api/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("slack: %s: reading response: %w", method, err)
	}
	if !gjson.GetBytes(data, "ok").Bool() {
		return nil, fmt.Errorf("slack: %s: %s", method, gjson.GetBytes(data, "error").String())
	}
	return data, nil
}
