package store

import "time"

// Task is a unit of agent work owned by a user. A task may be bound to the
// sandbox executing it.
type Task struct {
	ID        string
	UserID    string
	SandboxID string
	Title     string
	Status    string
	CreatedAt time.Time
}

// Sandbox is an isolated execution environment.
type Sandbox struct {
	ID             string
	UserID         string
	Template       string
	Status         string
	BootTimeMS     int64
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

const (
	SandboxStatusRunning = "running"
	SandboxStatusStopped = "stopped"
)

// TestResult is one test outcome within a streaming test session.
type TestResult struct {
	ID         string
	SessionID  string
	UserID     string
	TestName   string
	Status     string
	DurationMS int64
	CreatedAt  time.Time
}

// Log types accepted for ingestion.
const (
	LogTypeStdout         = "stdout"
	LogTypeStderr         = "stderr"
	LogTypeTestResult     = "test_result"
	LogTypeAgentReasoning = "agent_reasoning"
	LogTypeCodeGeneration = "code_generation"
)

// LogRecord is one append-only log line. Seq is assigned on ingestion and
// defines the total order for replay, independent of CreatedAt which is
// subject to clock skew. Records are never mutated after insert.
type LogRecord struct {
	Seq       int64
	ID        string
	SandboxID string
	TaskID    string
	LogType   string
	Content   string
	Source    string
	CreatedAt time.Time
}

// OutboxEvent is a pending broadcast written in the same transaction as the
// domain row it describes.
type OutboxEvent struct {
	ID        int64
	Channel   string
	EventType string
	Payload   []byte
	CreatedAt time.Time
}
