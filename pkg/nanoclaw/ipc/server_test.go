package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/pool"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/scheduler"
)

// fakePool satisfies scheduler.Enqueuer.
type fakePool struct{}

func (fakePool) EnqueueTurn(string, pool.Turn) error { return nil }

type sentMessage struct {
	chatID, text, label string
}

type testHarness struct {
	server *Server
	book   *addressbook.Store
	sched  *scheduler.Scheduler
	store  *scheduler.Store
	root   string
	sent   []sentMessage
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	book, err := addressbook.Open(filepath.Join(dir, "book.db"), nil)
	if err != nil {
		t.Fatalf("open book: %v", err)
	}
	t.Cleanup(func() { book.Close() })

	store, err := scheduler.OpenStore(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched, err := scheduler.New(scheduler.DefaultConfig(), store, fakePool{}, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	h := &testHarness{book: book, sched: sched, store: store, root: filepath.Join(dir, "ipc")}

	cfg := DefaultConfig()
	cfg.Root = h.root
	h.server = New(cfg, Deps{
		Book:      book,
		Scheduler: sched,
		Send: func(_ context.Context, chatID, text, label string) error {
			h.sent = append(h.sent, sentMessage{chatID, text, label})
			return nil
		},
	}, nil)
	return h
}

// drop writes a request file using the atomic protocol and returns its path.
func (h *testHarness) drop(t *testing.T, folder, family string, body map[string]any) string {
	t.Helper()
	dir := filepath.Join(h.root, folder, family)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, RequestFilename())
	if err := WriteAtomic(path, data); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return path
}

// readResponse reads and decodes a response envelope.
func readResponse(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestMessageOperation(t *testing.T) {
	h := newHarness(t)

	path := h.drop(t, "joi", "messages", map[string]any{
		"type": "message", "chat_id": "sig:+1", "text": "hello out there",
	})
	h.server.Sweep()

	if len(h.sent) != 1 || h.sent[0].text != "hello out there" {
		t.Fatalf("expected message forwarded, got %+v", h.sent)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected request file unlinked after processing")
	}
}

func TestTmpFilesIgnored(t *testing.T) {
	h := newHarness(t)

	dir := filepath.Join(h.root, "joi", "messages")
	os.MkdirAll(dir, 0o755)
	partial := filepath.Join(dir, "100-0001.json.tmp")
	os.WriteFile(partial, []byte(`{"type":"message","chat_id":"sig:+1","text":"partial`), 0o644)

	h.server.Sweep()
	if len(h.sent) != 0 {
		t.Error("expected .tmp file ignored")
	}
	if _, err := os.Stat(partial); err != nil {
		t.Error("expected .tmp file left alone")
	}
}

func TestMalformedRequestKeptForInspection(t *testing.T) {
	h := newHarness(t)

	dir := filepath.Join(h.root, "joi", "messages")
	os.MkdirAll(dir, 0o755)
	bad := filepath.Join(dir, "100-0001.json")
	os.WriteFile(bad, []byte(`{not json`), 0o644)

	h.server.Sweep()
	h.server.Sweep()

	if _, err := os.Stat(bad); err != nil {
		t.Error("expected malformed file kept in place")
	}
}

func TestScheduleTaskValidation(t *testing.T) {
	h := newHarness(t)

	t.Run("zoned once is rejected with isError", func(t *testing.T) {
		h.drop(t, "joi", "tasks", map[string]any{
			"type": "schedule_task", "prompt": "x",
			"kind": "once", "value": "2026-02-01T15:30:00Z",
			"response_file": "resp-1.json",
		})
		h.server.Sweep()

		resp := readResponse(t, filepath.Join(h.root, "joi", "tasks", "resp-1.json"))
		if resp["isError"] != true {
			t.Fatalf("expected isError, got %+v", resp)
		}
		if !strings.Contains(resp["message"].(string), "without timezone suffix") {
			t.Errorf("expected zone suffix message, got %q", resp["message"])
		}
	})

	t.Run("local once is accepted and persisted active", func(t *testing.T) {
		h.drop(t, "joi", "tasks", map[string]any{
			"type": "schedule_task", "prompt": "x",
			"kind": "once", "value": "2030-02-01T15:30:00",
			"response_file": "resp-2.json",
		})
		h.server.Sweep()

		resp := readResponse(t, filepath.Join(h.root, "joi", "tasks", "resp-2.json"))
		if resp["isError"] == true {
			t.Fatalf("unexpected error: %+v", resp)
		}

		tasks, _ := h.store.List("joi")
		if len(tasks) != 1 || tasks[0].Status != scheduler.StatusActive {
			t.Fatalf("expected one active task, got %+v", tasks)
		}
	})
}

func TestTaskPrivilege(t *testing.T) {
	h := newHarness(t)

	// A task owned by another conversation.
	other := &scheduler.Task{Folder: "family", Prompt: "theirs", Kind: scheduler.KindInterval, Value: "60000"}
	if err := h.sched.Schedule(other); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	t.Run("non-main cannot touch foreign tasks", func(t *testing.T) {
		h.drop(t, "joi", "tasks", map[string]any{
			"type": "cancel_task", "task_id": other.ID,
			"response_file": "resp-1.json",
		})
		h.server.Sweep()

		resp := readResponse(t, filepath.Join(h.root, "joi", "tasks", "resp-1.json"))
		if resp["isError"] != true {
			t.Fatalf("expected privilege error, got %+v", resp)
		}
		if _, err := h.store.Get(other.ID); err != nil {
			t.Error("foreign task should be untouched")
		}
	})

	t.Run("non-main schedule is forced to its own folder", func(t *testing.T) {
		h.drop(t, "joi", "tasks", map[string]any{
			"type": "schedule_task", "prompt": "sneaky", "folder": "family",
			"kind": "interval", "value": "60000",
			"response_file": "resp-2.json",
		})
		h.server.Sweep()

		tasks, _ := h.store.List("joi")
		found := false
		for _, task := range tasks {
			if task.Prompt == "sneaky" {
				found = true
			}
		}
		if !found {
			t.Error("expected task landed in the requester's own folder")
		}
	})

	t.Run("main can target any folder", func(t *testing.T) {
		h.drop(t, "main", "tasks", map[string]any{
			"type": "schedule_task", "prompt": "cross", "folder": "family",
			"kind": "interval", "value": "60000",
			"response_file": "resp-3.json",
		})
		h.server.Sweep()

		tasks, _ := h.store.List("family")
		found := false
		for _, task := range tasks {
			if task.Prompt == "cross" {
				found = true
			}
		}
		if !found {
			t.Error("expected main-scheduled task on the target folder")
		}
	})

	t.Run("main can cancel foreign tasks", func(t *testing.T) {
		h.drop(t, "main", "tasks", map[string]any{
			"type": "cancel_task", "task_id": other.ID,
			"response_file": "resp-4.json",
		})
		h.server.Sweep()

		if _, err := h.store.Get(other.ID); err != scheduler.ErrTaskNotFound {
			t.Errorf("expected task cancelled by main, got %v", err)
		}
	})
}

func TestRegisterGroupPrivilege(t *testing.T) {
	h := newHarness(t)

	t.Run("non-main is refused", func(t *testing.T) {
		h.drop(t, "joi", "messages", map[string]any{
			"type": "register_group", "chat_id": "sig:group:new", "folder": "newgroup",
			"response_file": "resp-1.json",
		})
		h.server.Sweep()

		resp := readResponse(t, filepath.Join(h.root, "joi", "messages", "resp-1.json"))
		if resp["isError"] != true {
			t.Fatalf("expected isError, got %+v", resp)
		}
		if !strings.Contains(resp["message"].(string), "Only the main group") {
			t.Errorf("expected main-only message, got %q", resp["message"])
		}
	})

	t.Run("main registers a new row", func(t *testing.T) {
		h.drop(t, "main", "messages", map[string]any{
			"type": "register_group", "chat_id": "sig:group:new", "folder": "newgroup",
			"name": "New Group", "response_file": "resp-2.json",
		})
		h.server.Sweep()

		conv, err := h.book.Get("sig:group:new")
		if err != nil {
			t.Fatalf("expected conversation registered: %v", err)
		}
		if conv.Folder != "newgroup" || conv.DisplayName != "New Group" {
			t.Errorf("unexpected conversation %+v", conv)
		}
	})
}

func TestLinkAccount(t *testing.T) {
	h := newHarness(t)
	if err := h.book.Put(&addressbook.Conversation{
		ChatID: "sig:+1", Folder: "joi",
		Trigger: "Andy", Capabilities: addressbook.Capabilities{Reminders: true},
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	h.drop(t, "main", "messages", map[string]any{
		"type": "link_account", "chat_id": "slack:U1", "folder": "joi",
		"response_file": "resp-1.json",
	})
	h.server.Sweep()

	conv, err := h.book.Get("slack:U1")
	if err != nil {
		t.Fatalf("expected alias linked: %v", err)
	}
	if conv.Folder != "joi" || conv.Trigger != "Andy" || !conv.Capabilities.Reminders {
		t.Errorf("expected settings copied from representative, got %+v", conv)
	}
}

func TestLexicographicSweepOrder(t *testing.T) {
	h := newHarness(t)

	dir := filepath.Join(h.root, "joi", "messages")
	os.MkdirAll(dir, 0o755)
	// Timestamps out of write order; the sweep must sort by filename.
	for _, f := range []struct{ name, text string }{
		{"200-0001.json", "second"},
		{"100-0001.json", "first"},
		{"300-0001.json", "third"},
	} {
		body, _ := json.Marshal(map[string]any{"type": "message", "chat_id": "sig:+1", "text": f.text})
		if err := WriteAtomic(filepath.Join(dir, f.name), body); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	h.server.Sweep()
	if len(h.sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(h.sent))
	}
	for i, want := range []string{"first", "second", "third"} {
		if h.sent[i].text != want {
			t.Errorf("send %d: expected %q, got %q", i, want, h.sent[i].text)
		}
	}
}

func TestCapabilityGate(t *testing.T) {
	h := newHarness(t)
	if err := h.book.Put(&addressbook.Conversation{ChatID: "sig:+1", Folder: "joi"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	h.drop(t, "joi", "reminders", map[string]any{
		"type": "reminders.create", "params": map[string]any{"title": "x"},
		"response_file": "resp-1.json",
	})
	h.server.Sweep()

	resp := readResponse(t, filepath.Join(h.root, "joi", "reminders", "resp-1.json"))
	if resp["isError"] != true {
		t.Fatalf("expected capability error, got %+v", resp)
	}
}
