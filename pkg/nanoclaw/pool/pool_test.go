package pool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// memSessions is an in-memory SessionStore.
type memSessions struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemSessions() *memSessions {
	return &memSessions{data: make(map[string]string)}
}

func (m *memSessions) GetSession(folder, purpose string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[folder+"/"+purpose], nil
}

func (m *memSessions) PutSession(folder, purpose, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[folder+"/"+purpose] = sessionID
	return nil
}

// sendRecorder collects outbound sends.
type sendRecorder struct {
	mu    sync.Mutex
	sends []string
	ch    chan string
}

func newSendRecorder() *sendRecorder {
	return &sendRecorder{ch: make(chan string, 64)}
}

func (r *sendRecorder) send(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	r.sends = append(r.sends, text)
	r.mu.Unlock()
	r.ch <- text
	return nil
}

func (r *sendRecorder) wait(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.sends) >= n {
			out := append([]string(nil), r.sends...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d sends", n)
		}
	}
}

// echoWorkerScript emits one session event, then for every stdin line a
// result plus turn_complete, mimicking the worker stream contract.
const echoWorkerScript = `#!/bin/sh
echo '{"type":"session","session_id":"sess-test-1"}'
while read line; do
  echo '{"type":"result","text":"pong<internal>hidden</internal>"}'
  echo '{"type":"turn_complete"}'
done
`

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestPool(t *testing.T, script string, rec *sendRecorder, sessions SessionStore) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Command = []string{"/bin/sh", script}
	cfg.WorkDir = filepath.Join(t.TempDir(), "work")
	cfg.IPCRoot = filepath.Join(t.TempDir(), "ipc")
	cfg.ApologyText = ""

	info := func(folder string) (FolderInfo, error) {
		return FolderInfo{ChatID: "sig:+1"}, nil
	}
	p := New(cfg, info, rec.send, sessions, nil)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestEnqueueStreamsResults(t *testing.T) {
	rec := newSendRecorder()
	sessions := newMemSessions()
	p := newTestPool(t, writeScript(t, echoWorkerScript), rec, sessions)

	if err := p.Enqueue("joi", "sig:+1", "ping"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sends := rec.wait(t, 1, 10*time.Second)
	if sends[0] != "pong" {
		t.Errorf("expected internal content stripped from %q", sends[0])
	}

	// Session from the worker's first event is persisted.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if got, _ := sessions.GetSession("joi", "chat"); got == "sess-test-1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTurnsAreSerializedFIFO(t *testing.T) {
	// Each turn echoes its own input back, proving order.
	script := `#!/bin/sh
while read line; do
  printf '{"type":"result","text":%s}\n' "$(printf '%s' "$line" | sed 's/.*"prompt":"\([^"]*\)".*/"\1"/')"
  echo '{"type":"turn_complete"}'
done
`
	rec := newSendRecorder()
	p := newTestPool(t, writeScript(t, script), rec, newMemSessions())

	for _, prompt := range []string{"one", "two", "three"} {
		if err := p.Enqueue("joi", "sig:+1", prompt); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	sends := rec.wait(t, 3, 10*time.Second)
	for i, want := range []string{"one", "two", "three"} {
		if sends[i] != want {
			t.Errorf("send %d: expected %q, got %q", i, want, sends[i])
		}
	}
}

func TestSingleWorkerPerFolder(t *testing.T) {
	rec := newSendRecorder()
	p := newTestPool(t, writeScript(t, echoWorkerScript), rec, newMemSessions())

	if err := p.Enqueue("joi", "sig:+1", "a"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := p.Enqueue("joi", "sig:+1", "b"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec.wait(t, 2, 10*time.Second)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) != 1 {
		t.Errorf("expected exactly one worker for the folder, got %d", len(p.workers))
	}
}

func TestRunDetachedResolvesOnFirstResult(t *testing.T) {
	script := `#!/bin/sh
while read line; do
  echo '{"type":"result","text":"voice answer"}'
  echo '{"type":"result","text":"late extra"}'
  echo '{"type":"turn_complete"}'
done
`
	rec := newSendRecorder()
	p := newTestPool(t, writeScript(t, script), rec, newMemSessions())

	got, err := p.RunDetached(context.Background(), "voice", "say hi", 10*time.Second)
	if err != nil {
		t.Fatalf("run detached: %v", err)
	}
	if got != "voice answer" {
		t.Errorf("expected first result, got %q", got)
	}
}

func TestWorkerExitFailsTurn(t *testing.T) {
	// The worker dies immediately without completing the turn.
	script := `#!/bin/sh
read line
exit 3
`
	rec := newSendRecorder()
	sessions := newMemSessions()
	cfg := DefaultConfig()
	cfg.Command = []string{"/bin/sh", writeScript(t, script)}
	cfg.WorkDir = filepath.Join(t.TempDir(), "work")
	cfg.IPCRoot = filepath.Join(t.TempDir(), "ipc")
	cfg.ApologyText = "sorry!"

	info := func(folder string) (FolderInfo, error) {
		return FolderInfo{ChatID: "sig:+1"}, nil
	}
	p := New(cfg, info, rec.send, sessions, nil)
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	if err := p.Enqueue("joi", "sig:+1", "ping"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sends := rec.wait(t, 1, 10*time.Second)
	if sends[0] != "sorry!" {
		t.Errorf("expected apology, got %q", sends[0])
	}
}
