package slack

import (
	"log/slog"
	"os"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/channels"
)

func newTestSlack(t *testing.T, cfg Config) (*Slack, *[]channels.Message) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	s := New(cfg, logger)
	s.botUserID = "UBOT"

	received := &[]channels.Message{}
	s.SetHandlers(channels.Handlers{
		OnMessage: func(m channels.Message) { *received = append(*received, m) },
	})
	return s, received
}

func event(t *testing.T, raw string) gjson.Result {
	t.Helper()
	return gjson.Parse(raw)
}

func TestHandleEvent(t *testing.T) {
	t.Run("normalizes a channel message", func(t *testing.T) {
		s, received := newTestSlack(t, DefaultConfig())
		s.handleEvent(event(t, `{
			"type": "message", "channel": "C123", "user": "U456",
			"text": "hello", "ts": "1700000000.000100", "client_msg_id": "m-1"
		}`))

		if len(*received) != 1 {
			t.Fatalf("expected 1 message, got %d", len(*received))
		}
		m := (*received)[0]
		if m.ChatID != "slack:channel:C123" {
			t.Errorf("expected chat id slack:channel:C123, got %s", m.ChatID)
		}
		if m.Text != "hello" {
			t.Errorf("expected text 'hello', got %q", m.Text)
		}
		if m.ID != "m-1" {
			t.Errorf("expected id m-1, got %q", m.ID)
		}
	})

	t.Run("maps DMs to the user id", func(t *testing.T) {
		s, received := newTestSlack(t, DefaultConfig())
		s.handleEvent(event(t, `{
			"type": "message", "channel": "D900", "user": "U456",
			"text": "hi", "ts": "1700000000.000100"
		}`))

		if len(*received) != 1 {
			t.Fatalf("expected 1 message, got %d", len(*received))
		}
		if got := (*received)[0].ChatID; got != "slack:U456" {
			t.Errorf("expected slack:U456, got %s", got)
		}
	})

	t.Run("applies the namespace prefix", func(t *testing.T) {
		s, received := newTestSlack(t, Config{Namespace: "cit"})
		s.handleEvent(event(t, `{
			"type": "message", "channel": "C123", "user": "U456",
			"text": "hi", "ts": "1700000000.000100"
		}`))

		if got := (*received)[0].ChatID; got != "slack:cit:channel:C123" {
			t.Errorf("expected slack:cit:channel:C123, got %s", got)
		}
	})

	t.Run("drops self echoes", func(t *testing.T) {
		s, received := newTestSlack(t, DefaultConfig())
		s.handleEvent(event(t, `{
			"type": "message", "channel": "C123", "user": "UBOT",
			"text": "my own message", "ts": "1700000000.000100"
		}`))

		if len(*received) != 0 {
			t.Errorf("expected self echo dropped, got %d messages", len(*received))
		}
	})

	t.Run("drops textless subtypes", func(t *testing.T) {
		s, received := newTestSlack(t, DefaultConfig())
		s.handleEvent(event(t, `{
			"type": "message", "subtype": "channel_join", "channel": "C123",
			"user": "U456", "ts": "1700000000.000100"
		}`))

		if len(*received) != 0 {
			t.Errorf("expected subtype dropped, got %d messages", len(*received))
		}
	})

	t.Run("keeps edits that carry new text", func(t *testing.T) {
		s, received := newTestSlack(t, DefaultConfig())
		s.handleEvent(event(t, `{
			"type": "message", "subtype": "message_changed", "channel": "C123",
			"user": "U456", "ts": "1700000000.000100",
			"message": {"text": "edited body"}
		}`))

		if len(*received) != 1 {
			t.Fatalf("expected edit kept, got %d messages", len(*received))
		}
		if got := (*received)[0].Text; got != "edited body" {
			t.Errorf("expected edited body, got %q", got)
		}
	})

	t.Run("strips the leading bot mention", func(t *testing.T) {
		s, received := newTestSlack(t, DefaultConfig())
		s.handleEvent(event(t, `{
			"type": "message", "channel": "C123", "user": "U456",
			"text": "<@UBOT> do the thing", "ts": "1700000000.000100"
		}`))

		if got := (*received)[0].Text; got != "do the thing" {
			t.Errorf("expected mention stripped, got %q", got)
		}
	})

	t.Run("marks other bots", func(t *testing.T) {
		s, received := newTestSlack(t, DefaultConfig())
		s.handleEvent(event(t, `{
			"type": "message", "channel": "C123", "user": "U777",
			"bot_id": "B42", "text": "bot says", "ts": "1700000000.000100"
		}`))

		if len(*received) != 1 || !(*received)[0].IsBot {
			t.Errorf("expected IsBot message, got %+v", *received)
		}
	})
}

func TestOwns(t *testing.T) {
	t.Run("default instance", func(t *testing.T) {
		s, _ := newTestSlack(t, DefaultConfig())
		cases := map[string]bool{
			"slack:U123":             true,
			"slack:channel:C123":     true,
			"slack:cit:U123":         false,
			"slack:cit:channel:C123": false,
			"sig:+15551234567":       false,
		}
		for id, want := range cases {
			if got := s.Owns(id); got != want {
				t.Errorf("Owns(%q) = %v, want %v", id, got, want)
			}
		}
	})

	t.Run("namespaced instance", func(t *testing.T) {
		s, _ := newTestSlack(t, Config{Namespace: "cit"})
		cases := map[string]bool{
			"slack:cit:U123":         true,
			"slack:cit:channel:C123": true,
			"slack:U123":             false,
			"slack:channel:C123":     false,
		}
		for id, want := range cases {
			if got := s.Owns(id); got != want {
				t.Errorf("Owns(%q) = %v, want %v", id, got, want)
			}
		}
	})
}
