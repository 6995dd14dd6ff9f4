package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds the registered channels in registration order and routes
// outbound sends to the first channel that claims the chat id. Claims must
// be disjoint; namespaced instances of the same transport disambiguate via
// an injected prefix.
type Registry struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *slog.Logger
}

// NewRegistry creates an empty channel registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a channel. Order matters: ownership questions are answered
// by asking channels in registration order.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
	r.logger.Info("channel registered", "channel", ch.Name())
}

// Owner returns the first channel claiming the chat id.
func (r *Registry) Owner(chatID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.Owns(chatID) {
			return ch, true
		}
	}
	return nil, false
}

// Send routes text to the owning channel. Unknown chat ids are an error;
// transport outages are not (the owning channel queues internally).
func (r *Registry) Send(ctx context.Context, chatID, text string) error {
	ch, ok := r.Owner(chatID)
	if !ok {
		return fmt.Errorf("send to %q: %w", chatID, ErrNoOwner)
	}
	return ch.Send(ctx, chatID, text)
}

// SendAs routes text with a sender label. Channels without per-bot identity
// get a plain Send.
func (r *Registry) SendAs(ctx context.Context, chatID, text, senderLabel string) error {
	ch, ok := r.Owner(chatID)
	if !ok {
		return fmt.Errorf("send to %q: %w", chatID, ErrNoOwner)
	}
	if ls, ok := ch.(LabeledSender); ok && senderLabel != "" {
		return ls.SendAs(ctx, chatID, text, senderLabel)
	}
	return ch.Send(ctx, chatID, text)
}

// DisconnectAll disconnects every registered channel.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if err := ch.Disconnect(); err != nil {
			r.logger.Error("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}
