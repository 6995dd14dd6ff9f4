// Package signal implements the Signal channel for NanoClaw via a local
// signal daemon speaking JSON-RPC over HTTP — no protocol code in-process.
//
// Features:
//   - Long polling (receive with a short server-side timeout)
//   - Single-flight polling: overlapping attempts are coalesced
//   - Send to DMs (E.164 recipient) and groups (group id)
//   - Self-echo suppression by the daemon account number
//   - In-memory outbound queue drained on reconnect
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/channels"
)

// Config holds Signal channel configuration.
type Config struct {
	// RPCURL is the local daemon's JSON-RPC endpoint (e.g. http://127.0.0.1:8090/api/v1/rpc).
	RPCURL string `yaml:"rpc_url"`

	// Account is the bot's own E.164 number, used for self-echo suppression.
	Account string `yaml:"account"`

	// BotName is the display identity whose leading mention is stripped
	// from group messages before emission.
	BotName string `yaml:"bot_name"`

	// PollInterval is the delay between receive calls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReceiveTimeout is the server-side receive timeout passed to the daemon.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RPCURL:         "http://127.0.0.1:8090/api/v1/rpc",
		PollInterval:   2 * time.Second,
		ReceiveTimeout: 1500 * time.Millisecond,
	}
}

// Signal implements channels.Channel over the local daemon.
type Signal struct {
	cfg      Config
	logger   *slog.Logger
	client   *http.Client
	handlers channels.Handlers
	queue    *channels.SendQueue

	// connected tracks whether the daemon answered a version call.
	connected atomic.Bool

	// polling guards the single-flight receive loop.
	polling atomic.Bool

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive poll errors.
	errorCount atomic.Int64

	// rpcSeq numbers outgoing JSON-RPC requests.
	rpcSeq atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Signal channel instance.
func New(cfg Config, logger *slog.Logger) *Signal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 1500 * time.Millisecond
	}
	logger = logger.With("component", "signal")
	return &Signal{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
		queue:  channels.NewSendQueue(logger),
	}
}

// Name returns "signal".
func (s *Signal) Name() string { return "signal" }

// SetHandlers registers inbound callbacks. Must be called before Connect.
func (s *Signal) SetHandlers(h channels.Handlers) { s.handlers = h }

// Owns claims every chat id with the sig: prefix.
func (s *Signal) Owns(chatID string) bool {
	return strings.HasPrefix(chatID, channels.SignalPrefix)
}

// IsConnected returns true if the daemon is reachable.
func (s *Signal) IsConnected() bool { return s.connected.Load() }

// Connect verifies the daemon and starts the poll loop.
func (s *Signal) Connect(ctx context.Context) error {
	if s.cfg.RPCURL == "" {
		return fmt.Errorf("signal: rpc_url is required")
	}
	if s.connected.Load() {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	var version struct {
		Version string `json:"version"`
	}
	if err := s.call(s.ctx, "version", nil, &version); err != nil {
		return fmt.Errorf("signal: daemon version check failed: %w", err)
	}
	s.connected.Store(true)
	s.logger.Info("signal: connected", "daemon_version", version.Version)

	s.queue.Drain(s.deliver)
	go s.pollLoop()
	return nil
}

// Disconnect stops polling.
func (s *Signal) Disconnect() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connected.Store(false)
	s.logger.Info("signal: disconnected")
	return nil
}

// Send delivers text to a Signal DM or group. While disconnected (or on a
// transport failure) the message is queued and Send returns nil; the router
// must never block on an outage.
func (s *Signal) Send(ctx context.Context, chatID, text string) error {
	if !s.Owns(chatID) {
		return fmt.Errorf("signal: not an owner of %q", chatID)
	}
	if !s.connected.Load() {
		s.queue.Enqueue(chatID, text, "")
		return nil
	}
	if err := s.deliver(chatID, text, ""); err != nil {
		s.errorCount.Add(1)
		s.logger.Warn("signal: send failed, queued", "chat_id", chatID, "error", err)
		s.queue.Enqueue(chatID, text, "")
	}
	return nil
}

// ---------- Internal ----------

// deliver performs one send RPC. The daemon addresses DMs by recipient
// number and groups by group id.
func (s *Signal) deliver(chatID, text, _ string) error {
	params := map[string]any{"message": text}
	if gid, ok := strings.CutPrefix(chatID, channels.SignalPrefix+"group:"); ok {
		params["groupId"] = gid
	} else {
		params["recipient"] = strings.TrimPrefix(chatID, channels.SignalPrefix)
	}
	return s.call(s.ctx, "send", params, nil)
}

// pollLoop issues one receive call per tick. Only one poll may be in flight;
// a tick that lands while the previous receive is still running is skipped.
func (s *Signal) pollLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.polling.CompareAndSwap(false, true) {
			continue
		}
		s.pollOnce()
		s.polling.Store(false)
	}
}

// envelope is one inbound item from the daemon's receive result.
type envelope struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourceName string `json:"sourceName"`
	Timestamp  int64  `json:"timestamp"`
	Message    string `json:"message"`
	GroupID    string `json:"groupId"`
	GroupName  string `json:"groupName"`
}

func (s *Signal) pollOnce() {
	var envelopes []envelope
	params := map[string]any{"timeout": s.cfg.ReceiveTimeout.Milliseconds()}
	if err := s.call(s.ctx, "receive", params, &envelopes); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.errorCount.Add(1)
		s.logger.Warn("signal: receive failed", "error", err)
		return
	}
	s.errorCount.Store(0)

	for _, env := range envelopes {
		s.emit(env)
	}
}

// emit normalizes one envelope and raises the callbacks. Self-echoes and
// empty bodies are dropped at this boundary.
func (s *Signal) emit(env envelope) {
	isSelf := s.cfg.Account != "" && env.Source == s.cfg.Account
	if isSelf || env.Message == "" {
		return
	}

	var chatID string
	isGroup := env.GroupID != ""
	if isGroup {
		chatID = channels.SignalGroupChatID(env.GroupID)
	} else {
		chatID = channels.SignalChatID(env.Source)
	}
	ts := time.UnixMilli(env.Timestamp)
	s.lastMsg.Store(ts)

	text := env.Message
	if isGroup && s.cfg.BotName != "" {
		text = channels.StripLeadingMention(text, s.cfg.BotName)
	}
	if text == "" {
		return
	}

	if s.handlers.OnChatMetadata != nil {
		name := env.SourceName
		if isGroup {
			name = env.GroupName
		}
		s.handlers.OnChatMetadata(channels.ChatMetadata{
			ChatID:    chatID,
			Timestamp: ts,
			Name:      name,
			Transport: s.Name(),
			IsGroup:   isGroup,
		})
	}
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(channels.Message{
			ID:         env.ID,
			ChatID:     chatID,
			Sender:     env.Source,
			SenderName: env.SourceName,
			Text:       text,
			Timestamp:  ts,
		})
	}
}

// rpcRequest is a JSON-RPC 2.0 request body.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// rpcResponse is a JSON-RPC 2.0 response body.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one JSON-RPC round trip against the daemon.
func (s *Signal) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      s.rpcSeq.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: reading response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: daemon returned %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("%s: decoding result: %w", method, err)
		}
	}
	return nil
}
