// Package emitter turns durable row mutations into channel broadcasts. Writes
// go through a transactional outbox: the domain row and the event record
// commit together, and a dispatcher loop fans the pending events out to the
// hub afterwards. Broadcast failure never affects the durability of a write.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/channel"
	"github.com/agentbox/agentbox/internal/store"
)

const (
	dispatchBatchSize = 100
	dispatchInterval  = 250 * time.Millisecond
)

// LogBroadcast is the domain payload nested in a log event envelope.
type LogBroadcast struct {
	ID             string         `json:"id"`
	LogType        string         `json:"log_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Timestamp      float64        `json:"timestamp"`
	SequenceNumber int64          `json:"sequence_number"`
	Source         string         `json:"source"`
}

// StatusBroadcast is the domain payload for status_update events.
type StatusBroadcast struct {
	EntityID string `json:"entity_id"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// TestBroadcast is the domain payload for test_update events.
type TestBroadcast struct {
	SessionID  string  `json:"session_id"`
	TestName   string  `json:"test_name"`
	Status     string  `json:"status"`
	DurationMS int64   `json:"duration_ms"`
	Timestamp  float64 `json:"timestamp"`
}

// ProgressBroadcast is the domain payload for progress_update events.
type ProgressBroadcast struct {
	TaskID  string  `json:"task_id"`
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage,omitempty"`
}

// Emitter owns the write-side of the bus: it appends outbox events alongside
// domain writes and runs the dispatcher that publishes them to the hub.
type Emitter struct {
	store *store.Store
	hub   *bus.Hub

	nudge  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func New(st *store.Store, hub *bus.Hub) *Emitter {
	return &Emitter{
		store: st,
		hub:   hub,
		nudge: make(chan struct{}, 1),
	}
}

// Start launches the outbox dispatcher. Call Stop to drain and halt it.
func (e *Emitter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.dispatchLoop(ctx)
}

// Stop halts the dispatcher after the in-flight batch completes.
func (e *Emitter) Stop() {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
	})
}

// EmitLog ingests a log record: the row and its broadcast commit in one
// transaction, with the sequence number assigned before the broadcast body is
// built. The broadcast targets the record's sandbox channel.
func (e *Emitter) EmitLog(ctx context.Context, rec *store.LogRecord, metadata map[string]any) error {
	if rec.SandboxID == "" {
		return fmt.Errorf("%w: log record sandbox id is required", store.ErrInvalidInput)
	}
	err := e.store.AppendLog(ctx, rec, channel.Sandbox(rec.SandboxID), bus.TypeLog, func(seq int64) ([]byte, error) {
		return json.Marshal(LogBroadcast{
			ID:             rec.ID,
			LogType:        rec.LogType,
			Content:        rec.Content,
			Metadata:       metadata,
			Timestamp:      bus.Stamp(rec.CreatedAt),
			SequenceNumber: seq,
			Source:         rec.Source,
		})
	})
	if err != nil {
		return err
	}
	e.wake()
	return nil
}

// Emit records a fire-and-forget broadcast for the named channel. The write
// is durable once Emit returns; delivery happens asynchronously and only to
// currently subscribed listeners.
func (e *Emitter) Emit(ctx context.Context, channelName, eventType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.WarnContext(ctx, "emit payload marshal failed, broadcast skipped",
			slog.String("channel", channelName), slog.Any("err", err))
		return
	}
	if err := e.store.AppendOutbox(ctx, channelName, eventType, body); err != nil {
		// Emission failure is non-fatal: the caller's write already
		// committed and offline consumers read the store directly.
		slog.WarnContext(ctx, "outbox append failed, broadcast skipped",
			slog.String("channel", channelName), slog.Any("err", err))
		return
	}
	e.wake()
}

// EmitTaskStatus broadcasts a status_update on the task's channel.
func (e *Emitter) EmitTaskStatus(ctx context.Context, taskID, status, detail string) {
	e.Emit(ctx, channel.Task(taskID), bus.TypeStatusUpdate, StatusBroadcast{
		EntityID: taskID,
		Status:   status,
		Detail:   detail,
	})
}

// EmitTestUpdate broadcasts a test_update on the session's test channel.
func (e *Emitter) EmitTestUpdate(ctx context.Context, r *store.TestResult) {
	e.Emit(ctx, channel.Test(r.SessionID), bus.TypeTestUpdate, TestBroadcast{
		SessionID:  r.SessionID,
		TestName:   r.TestName,
		Status:     r.Status,
		DurationMS: r.DurationMS,
		Timestamp:  bus.Stamp(r.CreatedAt),
	})
}

// EmitProgress broadcasts a progress_update on the task's channel.
func (e *Emitter) EmitProgress(ctx context.Context, taskID string, percent float64, stage string) {
	e.Emit(ctx, channel.Task(taskID), bus.TypeProgressUpdate, ProgressBroadcast{
		TaskID:  taskID,
		Percent: percent,
		Stage:   stage,
	})
}

func (e *Emitter) wake() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

func (e *Emitter) dispatchLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.nudge:
		case <-ticker.C:
		}
		e.drain(ctx)
	}
}

// drain publishes pending outbox events in insertion order. Hub delivery is
// best effort; an event with no listeners is still marked dispatched because
// offline consumers catch up from the store, not the bus.
func (e *Emitter) drain(ctx context.Context) {
	for {
		pending, err := e.store.PendingOutbox(ctx, dispatchBatchSize)
		if err != nil {
			slog.WarnContext(ctx, "outbox read failed", slog.Any("err", err))
			return
		}
		if len(pending) == 0 {
			return
		}

		ids := make([]int64, 0, len(pending))
		for _, evt := range pending {
			e.hub.Publish(evt.Channel, bus.Envelope{
				Type:      evt.EventType,
				Payload:   evt.Payload,
				Timestamp: bus.Stamp(evt.CreatedAt),
			})
			ids = append(ids, evt.ID)
		}
		if err := e.store.MarkDispatched(ctx, ids); err != nil {
			// Events stay pending and will be republished: delivery is
			// at-least-once.
			slog.WarnContext(ctx, "outbox mark failed", slog.Any("err", err))
			return
		}
		if len(pending) < dispatchBatchSize {
			return
		}
	}
}
