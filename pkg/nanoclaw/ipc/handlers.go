package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Joi/nanoclaw/pkg/nanoclaw/addressbook"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/bookmarks"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/reminders"
	"github.com/Joi/nanoclaw/pkg/nanoclaw/scheduler"
)

// Deps are the host services the IPC operations act on.
type Deps struct {
	// Book is the address book (register_group, link_account, capability
	// lookups).
	Book *addressbook.Store

	// Scheduler services the task operations.
	Scheduler *scheduler.Scheduler

	// Send forwards out-of-band messages to the owning channel.
	Send func(ctx context.Context, chatID, text, senderLabel string) error

	// Reminders is the external bridge, nil when not configured.
	Reminders *reminders.Bridge

	// Bookmarks is the relay client, nil when not configured.
	Bookmarks *bookmarks.Client

	// RefreshReminders re-materializes a folder's reminders snapshot after
	// a mutating bridge call.
	RefreshReminders func(folder string)

	// RefreshSnapshots re-materializes the address book / task snapshots
	// after a mutation.
	RefreshSnapshots func()
}

// dispatch routes one request to its operation handler. The family only
// partitions directories; the operation tag is authoritative.
func (s *Server) dispatch(folder, family string, req *request) response {
	switch req.Type {
	case "message":
		return s.opMessage(req)
	case "schedule_task":
		return s.opScheduleTask(folder, req)
	case "pause_task", "resume_task", "cancel_task":
		return s.opTaskLifecycle(folder, req)
	case "register_group":
		return s.opRegisterGroup(folder, req)
	case "link_account":
		return s.opLinkAccount(folder, req)
	case "reminders.create", "reminders.complete", "reminders.update", "reminders.snapshot":
		return s.opReminders(folder, req)
	case "bookmark.url", "bookmark.health", "bookmark.recent":
		return s.opBookmark(folder, req)
	}
	s.logger.Warn("unknown operation", "type", req.Type, "folder", folder, "family", family)
	return errorf("unknown operation %q", req.Type)
}

// isMain reports whether folder is the privileged conversation.
func (s *Server) isMain(folder string) bool { return folder == s.cfg.MainFolder }

// opMessage forwards an out-of-band message. A send error is logged and also
// returned in the response envelope; the channel itself queues on outage.
func (s *Server) opMessage(req *request) response {
	var p struct {
		ChatID      string `json:"chat_id"`
		Text        string `json:"text"`
		SenderLabel string `json:"sender_label,omitempty"`
	}
	if err := json.Unmarshal(req.raw, &p); err != nil || p.ChatID == "" || p.Text == "" {
		return errorf("message requires chat_id and text")
	}
	if err := s.deps.Send(s.ctx, p.ChatID, p.Text, p.SenderLabel); err != nil {
		s.logger.Error("ipc message send failed", "chat_id", p.ChatID, "error", err)
		return errorf("send failed: %v", err)
	}
	return response{Result: "sent"}
}

// opScheduleTask creates a scheduled task. Non-main conversations may only
// schedule for themselves; the main conversation may target any folder.
func (s *Server) opScheduleTask(folder string, req *request) response {
	var p struct {
		Folder      string `json:"folder,omitempty"`
		Prompt      string `json:"prompt"`
		Kind        string `json:"kind"`
		Value       string `json:"value"`
		ContextMode string `json:"context_mode,omitempty"`
	}
	if err := json.Unmarshal(req.raw, &p); err != nil {
		return errorf("malformed schedule_task request")
	}

	target := p.Folder
	if !s.isMain(folder) {
		target = folder
	} else if target == "" {
		target = folder
	}

	task := &scheduler.Task{
		Folder:      target,
		Prompt:      p.Prompt,
		Kind:        p.Kind,
		Value:       p.Value,
		ContextMode: p.ContextMode,
		GroupFolder: folder,
	}
	if err := s.deps.Scheduler.Schedule(task); err != nil {
		return errorf("%v", err)
	}
	return response{Result: task}
}

// opTaskLifecycle pauses, resumes, or cancels a task, enforcing folder
// ownership for non-main conversations regardless of tool arguments.
func (s *Server) opTaskLifecycle(folder string, req *request) response {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(req.raw, &p); err != nil || p.TaskID == "" {
		return errorf("%s requires task_id", req.Type)
	}

	task, err := s.deps.Scheduler.Get(p.TaskID)
	if err != nil {
		return errorf("%v", err)
	}
	if !s.isMain(folder) && task.Folder != folder {
		return errorf("task %s belongs to another conversation", p.TaskID)
	}

	switch req.Type {
	case "pause_task":
		err = s.deps.Scheduler.Pause(p.TaskID)
	case "resume_task":
		err = s.deps.Scheduler.Resume(p.TaskID)
	case "cancel_task":
		err = s.deps.Scheduler.Cancel(p.TaskID)
	}
	if err != nil {
		return errorf("%v", err)
	}
	return response{Result: "ok"}
}

// opRegisterGroup inserts a new conversation. Main only.
func (s *Server) opRegisterGroup(folder string, req *request) response {
	if !s.isMain(folder) {
		return errorf("Only the main group can register new groups")
	}
	var p struct {
		ChatID          string `json:"chat_id"`
		Name            string `json:"name,omitempty"`
		Folder          string `json:"folder"`
		Trigger         string `json:"trigger,omitempty"`
		RequiresTrigger bool   `json:"requires_trigger,omitempty"`
	}
	if err := json.Unmarshal(req.raw, &p); err != nil || p.ChatID == "" || p.Folder == "" {
		return errorf("register_group requires chat_id and folder")
	}

	conv := &addressbook.Conversation{
		ChatID:          p.ChatID,
		DisplayName:     p.Name,
		Folder:          p.Folder,
		Trigger:         p.Trigger,
		RequiresTrigger: p.RequiresTrigger,
	}
	if err := s.deps.Book.Put(conv); err != nil {
		return errorf("%v", err)
	}
	s.refreshSnapshots()
	return response{Result: conv}
}

// opLinkAccount links a second chat id to an existing folder. Main only.
func (s *Server) opLinkAccount(folder string, req *request) response {
	if !s.isMain(folder) {
		return errorf("Only the main group can link accounts")
	}
	var p struct {
		ChatID string `json:"chat_id"`
		Folder string `json:"folder"`
		Name   string `json:"name,omitempty"`
	}
	if err := json.Unmarshal(req.raw, &p); err != nil || p.ChatID == "" || p.Folder == "" {
		return errorf("link_account requires chat_id and folder")
	}

	conv, err := s.deps.Book.Link(p.ChatID, p.Folder, p.Name)
	if err != nil {
		return errorf("%v", err)
	}
	s.refreshSnapshots()
	return response{Result: conv}
}

// opReminders proxies to the external bridge. Requires the reminders
// capability; mutating calls re-materialize the folder's snapshot. Bridge
// outages surface as {error: ...} in the result — the worker decides
// whether to retry.
func (s *Server) opReminders(folder string, req *request) response {
	if !s.hasCapability(folder, func(c addressbook.Capabilities) bool { return c.Reminders }) {
		return errorf("reminders capability not enabled for this conversation")
	}
	if s.deps.Reminders == nil || !s.deps.Reminders.Enabled() {
		return response{Result: map[string]string{"error": "reminders bridge not configured"}}
	}

	var p struct {
		Params map[string]any `json:"params,omitempty"`
	}
	if err := json.Unmarshal(req.raw, &p); err != nil {
		return errorf("malformed reminders request")
	}

	op := map[string]string{
		"reminders.create":   reminders.OpCreate,
		"reminders.complete": reminders.OpComplete,
		"reminders.update":   reminders.OpUpdate,
		"reminders.snapshot": reminders.OpSnapshot,
	}[req.Type]

	result, err := s.deps.Reminders.Call(s.ctx, op, p.Params)
	if err != nil {
		return response{Result: map[string]string{"error": err.Error()}}
	}

	if req.Type != "reminders.snapshot" && s.deps.RefreshReminders != nil {
		s.deps.RefreshReminders(folder)
	}
	return response{Result: json.RawMessage(result)}
}

// opBookmark proxies to the relay with bounded deadlines.
func (s *Server) opBookmark(folder string, req *request) response {
	if !s.hasCapability(folder, func(c addressbook.Capabilities) bool { return c.Bookmarks }) {
		return errorf("bookmarks capability not enabled for this conversation")
	}
	if s.deps.Bookmarks == nil || !s.deps.Bookmarks.Enabled() {
		return response{Result: map[string]string{"error": "bookmark relay not configured"}}
	}

	var (
		result json.RawMessage
		err    error
	)
	switch req.Type {
	case "bookmark.url":
		var p struct {
			URL string `json:"url"`
		}
		if jerr := json.Unmarshal(req.raw, &p); jerr != nil || p.URL == "" {
			return errorf("bookmark.url requires url")
		}
		result, err = s.deps.Bookmarks.Intake(s.ctx, p.URL, nil)
	case "bookmark.health":
		result, err = s.deps.Bookmarks.Health(s.ctx)
	case "bookmark.recent":
		result, err = s.deps.Bookmarks.Recent(s.ctx)
	}
	if err != nil {
		return response{Result: map[string]string{"error": err.Error()}}
	}
	return response{Result: result}
}

// hasCapability checks the folder's representative record.
func (s *Server) hasCapability(folder string, check func(addressbook.Capabilities) bool) bool {
	if s.isMain(folder) {
		return true
	}
	rep, err := s.deps.Book.Representative(folder)
	if err != nil {
		return false
	}
	return check(rep.Capabilities)
}

func (s *Server) refreshSnapshots() {
	if s.deps.RefreshSnapshots != nil {
		s.deps.RefreshSnapshots()
	}
}

func errorf(format string, args ...any) response {
	return response{IsError: true, Message: fmt.Sprintf(format, args...)}
}
