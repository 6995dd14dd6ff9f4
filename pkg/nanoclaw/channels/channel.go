// Package channels defines the interfaces and types for NanoClaw
// communication channels. Each channel (Signal, Slack) implements the
// Channel interface to receive and send messages in a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "signal", "slack").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Owns reports whether this channel claims the given chat id.
	Owns(chatID string) bool

	// Send delivers text to the chat. When the channel is disconnected the
	// message is queued in-memory and drained on the next reconnect, so Send
	// never fails on transport outages.
	Send(ctx context.Context, chatID, text string) error

	// SetHandlers registers the inbound callbacks. Must be called before Connect.
	SetHandlers(h Handlers)
}

// LabeledSender is implemented by channels that can attach a per-message
// sender identity to outbound messages (e.g. Slack bot username override).
type LabeledSender interface {
	Channel

	// SendAs sends text with a sender label. Channels without per-bot
	// identity fall back to plain Send.
	SendAs(ctx context.Context, chatID, text, senderLabel string) error
}

// Handlers carries the callbacks a channel raises on inbound activity.
type Handlers struct {
	// OnMessage receives every normalized inbound message that survived
	// channel-boundary filtering (self-echoes and textless subtypes dropped).
	OnMessage func(msg Message)

	// OnChatMetadata receives chat discovery events: a chat was seen, with
	// its display name when the transport knows it.
	OnChatMetadata func(meta ChatMetadata)
}

// Message is the normalized inbound message shape. All transports project
// their payloads into this before handing off to the router.
type Message struct {
	// ID is the transport-unique message identifier, used for dedup.
	ID string

	// ChatID is the transport-qualified conversation address.
	ChatID string

	// Sender is the platform identifier of the author.
	Sender string

	// SenderName is the author display name, when known.
	SenderName string

	// Text is the message body after boundary normalization (leading bot
	// mention stripped for group transports).
	Text string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// IsSelf marks messages authored by the bot identity itself.
	IsSelf bool

	// IsBot marks messages authored by any bot account.
	IsBot bool
}

// ChatMetadata describes a chat observed on a transport.
type ChatMetadata struct {
	ChatID    string
	Timestamp time.Time
	Name      string
	Transport string
	IsGroup   bool
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrNoOwner             = fmt.Errorf("no channel owns this chat id")
	ErrPrefixClaimed       = fmt.Errorf("chat id prefix already claimed")
)
