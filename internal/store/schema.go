package store

// Timestamps are stored as integer unix nanoseconds so ordering comparisons
// never depend on text parsing. logs.seq and outbox.id use AUTOINCREMENT so
// rowids are never reused and sequence numbers stay strictly increasing.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	sandbox_id TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_sandbox ON tasks(sandbox_id);

CREATE TABLE IF NOT EXISTS sandboxes (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	template         TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'running',
	boot_time_ms     INTEGER NOT NULL DEFAULT 0,
	last_activity_at INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_user ON sandboxes(user_id, status);

CREATE TABLE IF NOT EXISTS test_results (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	test_name   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_results_session ON test_results(session_id, user_id);

CREATE TABLE IF NOT EXISTS logs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	sandbox_id TEXT NOT NULL,
	task_id    TEXT NOT NULL DEFAULT '',
	log_type   TEXT NOT NULL,
	content    TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_sandbox ON logs(sandbox_id);
CREATE INDEX IF NOT EXISTS idx_logs_created ON logs(created_at);

CREATE TABLE IF NOT EXISTS outbox (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	channel       TEXT NOT NULL,
	event_type    TEXT NOT NULL,
	payload       BLOB NOT NULL,
	created_at    INTEGER NOT NULL,
	dispatched_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(id) WHERE dispatched_at IS NULL;
`
