package queue

import "context"

// schemaDDL bootstraps the queue schema idempotently with CREATE-IF-NOT-
// EXISTS statements, per spec §4.1 — there is no migrations table; the
// schema is declared once and grown additively across releases.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS task_queue (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	idempotency_key  TEXT UNIQUE,
	type             TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 100,
	payload          TEXT NOT NULL DEFAULT '{}',
	compatibility    TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'queued',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 5,
	run_after_utc    DATETIME NOT NULL,
	reserved_at_utc  DATETIME,
	lease_until_utc  DATETIME,
	processing_utc   DATETIME,
	finished_at_utc  DATETIME,
	created_at_utc   DATETIME NOT NULL,
	updated_at_utc   DATETIME NOT NULL,
	locked_by        TEXT,
	error_message    TEXT,
	region           TEXT GENERATED ALWAYS AS (json_extract(compatibility, '$.region')) VIRTUAL,
	format           TEXT GENERATED ALWAYS AS (json_extract(payload, '$.format')) VIRTUAL
);

CREATE INDEX IF NOT EXISTS idx_task_queue_claim
	ON task_queue (status, run_after_utc, priority, id);

CREATE INDEX IF NOT EXISTS idx_task_queue_type_status
	ON task_queue (type, status);

CREATE INDEX IF NOT EXISTS idx_task_queue_lease
	ON task_queue (status, lease_until_utc);

CREATE INDEX IF NOT EXISTS idx_task_queue_locked_by
	ON task_queue (locked_by) WHERE locked_by IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_task_queue_region
	ON task_queue (region);

CREATE INDEX IF NOT EXISTS idx_task_queue_format
	ON task_queue (format);

CREATE TABLE IF NOT EXISTS workers (
	worker_id      TEXT PRIMARY KEY,
	capabilities   TEXT NOT NULL DEFAULT '{}',
	heartbeat_utc  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_logs (
	log_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id   INTEGER NOT NULL REFERENCES task_queue(id) ON DELETE CASCADE,
	at_utc    DATETIME NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	details   TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task_id
	ON task_logs (task_id, at_utc);

CREATE INDEX IF NOT EXISTS idx_task_logs_at_utc
	ON task_logs (at_utc);

CREATE VIEW IF NOT EXISTS v_queue_status_summary AS
	SELECT status, COUNT(*) AS task_count
	FROM task_queue
	GROUP BY status;

CREATE VIEW IF NOT EXISTS v_queue_type_summary AS
	SELECT type, status, COUNT(*) AS task_count
	FROM task_queue
	GROUP BY type, status;

CREATE VIEW IF NOT EXISTS v_worker_status AS
	SELECT w.worker_id,
	       w.heartbeat_utc,
	       (SELECT COUNT(*) FROM task_queue t
	          WHERE t.locked_by = w.worker_id AND t.status IN ('leased', 'processing')) AS active_tasks
	FROM workers w;

CREATE VIEW IF NOT EXISTS v_task_performance AS
	SELECT type,
	       COUNT(*) AS total,
	       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed,
	       SUM(CASE WHEN status = 'dead_letter' THEN 1 ELSE 0 END) AS dead_lettered,
	       AVG(attempts) AS avg_attempts
	FROM task_queue
	GROUP BY type;

CREATE VIEW IF NOT EXISTS v_recent_failures AS
	SELECT id, type, attempts, max_attempts, error_message, updated_at_utc
	FROM task_queue
	WHERE status IN ('failed', 'dead_letter')
	ORDER BY updated_at_utc DESC
	LIMIT 200;
`

// bootstrapSchema applies schemaDDL inside a single write transaction so a
// partial failure never leaves half the schema in place.
func (s *Store) bootstrapSchema(ctx context.Context) error {
	return s.withWriteTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, schemaDDL)
		return err
	})
}
