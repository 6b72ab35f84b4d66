package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/agentbox/agentbox/internal/bus"
	"github.com/agentbox/agentbox/internal/channel"
	"github.com/agentbox/agentbox/internal/emitter"
	"github.com/agentbox/agentbox/internal/store"
)

func newTestService(t *testing.T, maxSandboxes int) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "agentbox.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	em := emitter.New(st, bus.NewHub())
	return NewService(st, em, maxSandboxes), st
}

func TestCreateSandboxQuota(t *testing.T) {
	svc, _ := newTestService(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.CreateSandbox(ctx, "alice", "python"); err != nil {
			t.Fatalf("CreateSandbox %d: %v", i, err)
		}
	}
	if _, err := svc.CreateSandbox(ctx, "alice", "python"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// Quotas are per user.
	if _, err := svc.CreateSandbox(ctx, "bob", "python"); err != nil {
		t.Fatalf("CreateSandbox for bob: %v", err)
	}
}

func TestQuotaFreedByStoppedSandbox(t *testing.T) {
	svc, st := newTestService(t, 1)
	ctx := context.Background()

	sb, err := svc.CreateSandbox(ctx, "alice", "python")
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if _, err := svc.CreateSandbox(ctx, "alice", "python"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if err := st.UpdateSandboxStatus(ctx, sb.ID, store.SandboxStatusStopped); err != nil {
		t.Fatalf("UpdateSandboxStatus: %v", err)
	}
	if _, err := svc.CreateSandbox(ctx, "alice", "python"); err != nil {
		t.Fatalf("CreateSandbox after stop: %v", err)
	}
}

func TestIngestLogValidatesType(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()

	for _, logType := range []string{
		store.LogTypeStdout,
		store.LogTypeStderr,
		store.LogTypeTestResult,
		store.LogTypeAgentReasoning,
		store.LogTypeCodeGeneration,
	} {
		rec := &store.LogRecord{SandboxID: "sb-1", LogType: logType, Content: "x"}
		if err := svc.IngestLog(ctx, rec, nil); err != nil {
			t.Fatalf("IngestLog(%s): %v", logType, err)
		}
		if rec.Seq == 0 {
			t.Fatalf("IngestLog(%s) left seq unassigned", logType)
		}
	}

	rec := &store.LogRecord{SandboxID: "sb-1", LogType: "metrics", Content: "x"}
	if err := svc.IngestLog(ctx, rec, nil); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("unknown log type: %v", err)
	}
}

func TestCreateTaskEmitsStatus(t *testing.T) {
	svc, st := newTestService(t, 3)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, "alice", "refactor parser")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == "" || task.Status != "pending" {
		t.Fatalf("task = %+v", task)
	}

	pending, err := st.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	if len(pending) != 1 || pending[0].Channel != channel.Task(task.ID) {
		t.Fatalf("pending outbox = %+v", pending)
	}
}

func TestRecordTestResult(t *testing.T) {
	svc, st := newTestService(t, 3)
	ctx := context.Background()

	r := &store.TestResult{SessionID: "sess-1", UserID: "alice", TestName: "test_ok", Status: "passed", DurationMS: 12}
	if err := svc.RecordTestResult(ctx, r); err != nil {
		t.Fatalf("RecordTestResult: %v", err)
	}

	owns, err := st.UserCreatedTestSession(ctx, "alice", "sess-1")
	if err != nil {
		t.Fatalf("UserCreatedTestSession: %v", err)
	}
	if !owns {
		t.Fatal("test result row not visible to ownership lookup")
	}

	pending, err := st.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOutbox: %v", err)
	}
	found := false
	for _, evt := range pending {
		if evt.Channel == channel.Test("sess-1") && evt.EventType == bus.TypeTestUpdate {
			found = true
		}
	}
	if !found {
		t.Fatalf("no test_update outbox event, pending = %+v", pending)
	}
}

func TestLogsSinceClampsLimit(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := &store.LogRecord{SandboxID: "sb-1", LogType: store.LogTypeStdout, Content: "x"}
		if err := svc.IngestLog(ctx, rec, nil); err != nil {
			t.Fatalf("IngestLog: %v", err)
		}
	}
	got, err := svc.LogsSince(ctx, "sb-1", 0, -1)
	if err != nil {
		t.Fatalf("LogsSince: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("LogsSince with clamped limit = %d records, want 5", len(got))
	}
	two, err := svc.LogsSince(ctx, "sb-1", 0, 2)
	if err != nil {
		t.Fatalf("LogsSince: %v", err)
	}
	if len(two) != 2 {
		t.Fatalf("LogsSince limit 2 = %d records", len(two))
	}
}
