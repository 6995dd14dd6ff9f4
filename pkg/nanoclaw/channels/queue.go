package channels

import (
	"log/slog"
	"sync"
)

// queuedSend is one deferred outbound message.
type queuedSend struct {
	chatID string
	text   string
	label  string
}

// SendQueue buffers outbound messages while a channel is disconnected and
// drains them in FIFO order on reconnect. It is deliberately in-memory only:
// restarts start fresh.
//
// Each channel owns exactly one SendQueue; there is no cross-channel state.
type SendQueue struct {
	mu      sync.Mutex
	pending []queuedSend
	logger  *slog.Logger
}

// NewSendQueue creates an empty queue.
func NewSendQueue(logger *slog.Logger) *SendQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendQueue{logger: logger}
}

// Enqueue appends a message to the back of the queue.
func (q *SendQueue) Enqueue(chatID, text, label string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, queuedSend{chatID: chatID, text: text, label: label})
	q.logger.Debug("outbound message queued", "chat_id", chatID, "queued", len(q.pending))
}

// Len returns the number of queued messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain delivers every queued message through send, in FIFO order. A failed
// send stops the drain and puts the message (and everything behind it) back
// at the front of the queue, preserving order for the next attempt.
func (q *SendQueue) Drain(send func(chatID, text, label string) error) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, m := range batch {
		if err := send(m.chatID, m.text, m.label); err != nil {
			q.mu.Lock()
			q.pending = append(batch[i:], q.pending...)
			requeued := len(q.pending)
			q.mu.Unlock()
			q.logger.Warn("outbound drain interrupted, re-queued",
				"chat_id", m.chatID, "remaining", requeued, "error", err)
			return
		}
	}
	if len(batch) > 0 {
		q.logger.Info("outbound queue drained", "sent", len(batch))
	}
}
