// Package store is the relational backing store for the realtime bus: task,
// sandbox, and test-session ownership data, the append-only log table, and
// the transactional outbox the change emitter writes to.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/agentbox/agentbox/internal/store/dblog"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Store struct {
	db *dblog.DB
}

// Open opens (and creates, if needed) the sqlite database at path and applies
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := dblog.Open(ctx, "sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s := &Store{db: db}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---- tasks ----

func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.UserID == "" {
		return fmt.Errorf("%w: task user id is required", ErrInvalidInput)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, sandbox_id, title, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.SandboxID, t.Title, t.Status, t.CreatedAt.UnixNano())
	return err
}

func (s *Store) BindTaskSandbox(ctx context.Context, taskID, sandboxID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sandbox_id = ? WHERE id = ?`, sandboxID, taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`, status, taskID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

// ---- sandboxes ----

func (s *Store) CreateSandbox(ctx context.Context, sb *Sandbox) error {
	if sb.ID == "" {
		sb.ID = uuid.New().String()
	}
	if sb.UserID == "" {
		return fmt.Errorf("%w: sandbox user id is required", ErrInvalidInput)
	}
	if sb.Status == "" {
		sb.Status = SandboxStatusRunning
	}
	now := time.Now()
	if sb.LastActivityAt.IsZero() {
		sb.LastActivityAt = now
	}
	if sb.ExpiresAt.IsZero() {
		sb.ExpiresAt = now.Add(time.Hour)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (id, user_id, template, status, boot_time_ms, last_activity_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.UserID, sb.Template, sb.Status, sb.BootTimeMS,
		sb.LastActivityAt.UnixNano(), sb.ExpiresAt.UnixNano())
	return err
}

func (s *Store) UpdateSandboxStatus(ctx context.Context, sandboxID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET status = ?, last_activity_at = ? WHERE id = ?`,
		status, time.Now().UnixNano(), sandboxID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: sandbox %s", ErrNotFound, sandboxID)
	}
	return nil
}

func (s *Store) TouchSandbox(ctx context.Context, sandboxID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_activity_at = ? WHERE id = ?`,
		time.Now().UnixNano(), sandboxID)
	return err
}

// CountRunningSandboxes returns the number of running sandboxes owned by the
// user, used to enforce the per-user quota.
func (s *Store) CountRunningSandboxes(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM sandboxes WHERE user_id = ? AND status = ?`,
		userID, SandboxStatusRunning)
	return count, err
}

// ExpiredSandboxes returns running sandboxes whose expires_at has passed.
func (s *Store) ExpiredSandboxes(ctx context.Context, now time.Time) ([]Sandbox, error) {
	var rows []sandboxRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, template, status, boot_time_ms, last_activity_at, expires_at
		 FROM sandboxes WHERE status = ? AND expires_at < ?`,
		SandboxStatusRunning, now.UnixNano())
	if err != nil {
		return nil, err
	}
	out := make([]Sandbox, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// ---- test results ----

func (s *Store) InsertTestResult(ctx context.Context, r *TestResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.SessionID == "" || r.UserID == "" {
		return fmt.Errorf("%w: test result session id and user id are required", ErrInvalidInput)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_results (id, session_id, user_id, test_name, status, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.UserID, r.TestName, r.Status, r.DurationMS, r.CreatedAt.UnixNano())
	return err
}

// ---- ownership (read-only reference data for the access policy) ----

// UserOwnsSandbox reports whether the user owns a task whose sandbox maps to
// the given sandbox id.
func (s *Store) UserOwnsSandbox(ctx context.Context, userID, sandboxID string) (bool, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE user_id = ? AND sandbox_id = ?)`,
		userID, sandboxID)
	return exists == 1, err
}

// UserCreatedTestSession reports whether the user created a test-result
// record with the given session id.
func (s *Store) UserCreatedTestSession(ctx context.Context, userID, sessionID string) (bool, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM test_results WHERE user_id = ? AND session_id = ?)`,
		userID, sessionID)
	return exists == 1, err
}

// UserOwnsTask reports whether the user owns the task with the given id.
func (s *Store) UserOwnsTask(ctx context.Context, userID, taskID string) (bool, error) {
	var exists int
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM tasks WHERE user_id = ? AND id = ?)`,
		userID, taskID)
	return exists == 1, err
}

// ---- logs and outbox ----

// AppendLog inserts the log record and the corresponding outbox event in one
// transaction, so "event observed" never precedes "event durable". The
// sequence number is assigned by the insert, written back into rec.Seq, and
// passed to payload to build the broadcast body.
func (s *Store) AppendLog(ctx context.Context, rec *LogRecord, outboxChannel, eventType string, payload func(seq int64) ([]byte, error)) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return s.db.Transact(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO logs (id, sandbox_id, task_id, log_type, content, source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.SandboxID, rec.TaskID, rec.LogType, rec.Content, rec.Source, rec.CreatedAt.UnixNano())
		if err != nil {
			return err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rec.Seq = seq
		body, err := payload(seq)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (channel, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
			outboxChannel, eventType, body, rec.CreatedAt.UnixNano())
		return err
	})
}

// AppendOutbox records a broadcast for the outbox dispatcher without an
// accompanying log row.
func (s *Store) AppendOutbox(ctx context.Context, channelName, eventType string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (channel, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		channelName, eventType, payload, time.Now().UnixNano())
	return err
}

// PendingOutbox returns undispatched outbox events in insertion order.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var rows []outboxRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, channel, event_type, payload, created_at FROM outbox
		 WHERE dispatched_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]OutboxEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, OutboxEvent{
			ID:        r.ID,
			Channel:   r.Channel,
			EventType: r.EventType,
			Payload:   r.Payload,
			CreatedAt: time.Unix(0, r.CreatedAt),
		})
	}
	return out, nil
}

// MarkDispatched stamps the outbox events as delivered.
func (s *Store) MarkDispatched(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox SET dispatched_at = ? WHERE id IN (?)`, time.Now().UnixNano(), ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// LogsSince returns log records with a sequence number greater than seq, in
// sequence order. Consumers use this for gap backfill after reconnecting.
func (s *Store) LogsSince(ctx context.Context, sandboxID string, seq int64, limit int) ([]LogRecord, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT seq, id, sandbox_id, task_id, log_type, content, source, created_at
		 FROM logs WHERE sandbox_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		sandboxID, seq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]LogRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

// PurgeLogsBefore deletes log records created before the cutoff and returns
// the number removed. Dispatched outbox rows older than the cutoff go with
// them.
func (s *Store) PurgeLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE dispatched_at IS NOT NULL AND created_at < ?`, cutoff.UnixNano())
	return purged, err
}

// ---- row types ----

type sandboxRow struct {
	ID             string `db:"id"`
	UserID         string `db:"user_id"`
	Template       string `db:"template"`
	Status         string `db:"status"`
	BootTimeMS     int64  `db:"boot_time_ms"`
	LastActivityAt int64  `db:"last_activity_at"`
	ExpiresAt      int64  `db:"expires_at"`
}

func (r sandboxRow) model() Sandbox {
	return Sandbox{
		ID:             r.ID,
		UserID:         r.UserID,
		Template:       r.Template,
		Status:         r.Status,
		BootTimeMS:     r.BootTimeMS,
		LastActivityAt: time.Unix(0, r.LastActivityAt),
		ExpiresAt:      time.Unix(0, r.ExpiresAt),
	}
}

type logRow struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	SandboxID string `db:"sandbox_id"`
	TaskID    string `db:"task_id"`
	LogType   string `db:"log_type"`
	Content   string `db:"content"`
	Source    string `db:"source"`
	CreatedAt int64  `db:"created_at"`
}

func (r logRow) model() LogRecord {
	return LogRecord{
		Seq:       r.Seq,
		ID:        r.ID,
		SandboxID: r.SandboxID,
		TaskID:    r.TaskID,
		LogType:   r.LogType,
		Content:   r.Content,
		Source:    r.Source,
		CreatedAt: time.Unix(0, r.CreatedAt),
	}
}

type outboxRow struct {
	ID        int64  `db:"id"`
	Channel   string `db:"channel"`
	EventType string `db:"event_type"`
	Payload   []byte `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}
