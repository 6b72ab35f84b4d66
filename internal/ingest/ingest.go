// Package ingest is the write-side service: it validates incoming domain
// mutations, applies per-user limits, and routes every accepted write through
// the change emitter so subscribers observe it.
package ingest

import (
	"context"
	"fmt"

	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/channel"
	"github.com/agentbox/agentbox/internal/emitter"
	"github.com/agentbox/agentbox/internal/store"
)

// ErrQuotaExceeded is returned when a user is at their running-sandbox limit.
var ErrQuotaExceeded = fmt.Errorf("sandbox quota exceeded")

var validLogTypes = map[string]bool{
	store.LogTypeStdout:         true,
	store.LogTypeStderr:         true,
	store.LogTypeTestResult:     true,
	store.LogTypeAgentReasoning: true,
	store.LogTypeCodeGeneration: true,
}

type Service struct {
	store        *store.Store
	emitter      *emitter.Emitter
	maxSandboxes int
}

func NewService(st *store.Store, em *emitter.Emitter, maxSandboxes int) *Service {
	return &Service{store: st, emitter: em, maxSandboxes: maxSandboxes}
}

// CreateTask records a new task and announces it on the task's channel.
func (s *Service) CreateTask(ctx context.Context, userID, title string) (*store.Task, error) {
	t := &store.Task{UserID: userID, Title: title, Status: "pending"}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.emitter.EmitTaskStatus(ctx, t.ID, t.Status, "")
	return t, nil
}

// UpdateTaskStatus transitions a task and broadcasts the new status.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID, status, detail string) error {
	if err := s.store.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return err
	}
	s.emitter.EmitTaskStatus(ctx, taskID, status, detail)
	return nil
}

// CreateSandbox provisions a sandbox row for the user, enforcing the running
// sandbox quota, and announces it on the sandbox's channel.
func (s *Service) CreateSandbox(ctx context.Context, userID, template string) (*store.Sandbox, error) {
	running, err := s.store.CountRunningSandboxes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if running >= s.maxSandboxes {
		return nil, fmt.Errorf("%w: %d running sandboxes, limit %d", ErrQuotaExceeded, running, s.maxSandboxes)
	}
	sb := &store.Sandbox{UserID: userID, Template: template}
	if err := s.store.CreateSandbox(ctx, sb); err != nil {
		return nil, err
	}
	s.emitter.Emit(ctx, channel.Sandbox(sb.ID), bus.TypeStatusUpdate, emitter.StatusBroadcast{
		EntityID: sb.ID,
		Status:   sb.Status,
	})
	return sb, nil
}

// IngestLog appends a log record and broadcasts it with its assigned
// sequence number. The record's log type must come from the closed set.
func (s *Service) IngestLog(ctx context.Context, rec *store.LogRecord, metadata map[string]any) error {
	if !validLogTypes[rec.LogType] {
		return fmt.Errorf("%w: log type %q", store.ErrInvalidInput, rec.LogType)
	}
	if err := s.emitter.EmitLog(ctx, rec, metadata); err != nil {
		return err
	}
	// Log traffic counts as sandbox activity for the expiry sweep.
	if err := s.store.TouchSandbox(ctx, rec.SandboxID); err != nil {
		return err
	}
	return nil
}

// RecordTestResult stores one test outcome and broadcasts it on the
// session's channel.
func (s *Service) RecordTestResult(ctx context.Context, r *store.TestResult) error {
	if err := s.store.InsertTestResult(ctx, r); err != nil {
		return err
	}
	s.emitter.EmitTestUpdate(ctx, r)
	return nil
}

// LogsSince returns the sandbox's log records after the given sequence
// number, in sequence order. Reconnecting consumers use it to backfill the
// gap between their last observed sequence number and the live stream.
func (s *Service) LogsSince(ctx context.Context, sandboxID string, afterSeq int64, limit int) ([]store.LogRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.LogsSince(ctx, sandboxID, afterSeq, limit)
}
