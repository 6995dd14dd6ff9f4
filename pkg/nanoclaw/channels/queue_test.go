package channels

import (
	"fmt"
	"testing"
)

func TestSendQueue(t *testing.T) {
	t.Run("drains in FIFO order", func(t *testing.T) {
		q := NewSendQueue(nil)
		q.Enqueue("sig:+15551234567", "A", "")
		q.Enqueue("sig:+15551234567", "B", "")
		q.Enqueue("sig:+15551234567", "C", "")

		var sent []string
		q.Drain(func(_, text, _ string) error {
			sent = append(sent, text)
			return nil
		})

		if len(sent) != 3 {
			t.Fatalf("expected 3 sends, got %d", len(sent))
		}
		for i, want := range []string{"A", "B", "C"} {
			if sent[i] != want {
				t.Errorf("send %d: expected %q, got %q", i, want, sent[i])
			}
		}
		if q.Len() != 0 {
			t.Errorf("expected empty queue after drain, got %d", q.Len())
		}
	})

	t.Run("failed send re-queues the tail in order", func(t *testing.T) {
		q := NewSendQueue(nil)
		q.Enqueue("sig:+1", "A", "")
		q.Enqueue("sig:+1", "B", "")
		q.Enqueue("sig:+1", "C", "")

		var sent []string
		q.Drain(func(_, text, _ string) error {
			if text == "B" {
				return fmt.Errorf("transport down")
			}
			sent = append(sent, text)
			return nil
		})

		if len(sent) != 1 || sent[0] != "A" {
			t.Fatalf("expected only A sent, got %v", sent)
		}
		if q.Len() != 2 {
			t.Fatalf("expected B and C re-queued, got %d", q.Len())
		}

		sent = nil
		q.Drain(func(_, text, _ string) error {
			sent = append(sent, text)
			return nil
		})
		if len(sent) != 2 || sent[0] != "B" || sent[1] != "C" {
			t.Errorf("expected B,C on retry, got %v", sent)
		}
	})

	t.Run("messages enqueued during a failed drain stay behind the tail", func(t *testing.T) {
		q := NewSendQueue(nil)
		q.Enqueue("sig:+1", "A", "")
		q.Drain(func(_, text, _ string) error {
			q.Enqueue("sig:+1", "late", "")
			return fmt.Errorf("down")
		})

		var sent []string
		q.Drain(func(_, text, _ string) error {
			sent = append(sent, text)
			return nil
		})
		if len(sent) != 2 || sent[0] != "A" || sent[1] != "late" {
			t.Errorf("expected A,late, got %v", sent)
		}
	})
}
