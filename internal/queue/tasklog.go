package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LogLevel mirrors the diagnostic levels a TaskLog row may carry.
type LogLevel string

const (
	LogDebug    LogLevel = "DEBUG"
	LogInfo     LogLevel = "INFO"
	LogWarning  LogLevel = "WARNING"
	LogError    LogLevel = "ERROR"
	LogCritical LogLevel = "CRITICAL"
)

// TaskLog is one row of the append-only per-task diagnostic stream.
type TaskLog struct {
	LogID   int64
	TaskID  int64
	AtUTC   time.Time
	Level   LogLevel
	Message string
	Details json.RawMessage
}

// TaskLogger appends diagnostic rows for a task and prunes old ones. It is a
// thin facade over Store, grounded on the original source's
// Backend/OldBackend/src/queue/logger.py, which gives the task_logs table
// (spec §3/§6) an actual writer.
type TaskLogger struct {
	store *Store
}

// NewTaskLogger wraps store with the TaskLog append/cleanup API.
func NewTaskLogger(store *Store) *TaskLogger {
	return &TaskLogger{store: store}
}

// Append writes one TaskLog row for taskID.
func (l *TaskLogger) Append(ctx context.Context, taskID int64, level LogLevel, message string, details any) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode task log details: %w", err)
		}
		raw = b
	}
	return l.store.withWriteTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, at_utc, level, message, details)
			VALUES (?, ?, ?, ?, ?)`,
			taskID, nowUTC(), string(level), message, nullableJSON(raw))
		return err
	})
}

// CleanupOldLogs deletes task_logs rows older than olderThan and returns the
// number of rows removed.
func (l *TaskLogger) CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := nowUTC().Add(-olderThan)
	var affected int64
	err := l.store.withWriteTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM task_logs WHERE at_utc < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// ListForTask returns a task's log rows ordered oldest first.
func (l *TaskLogger) ListForTask(ctx context.Context, taskID int64, limit int) ([]*TaskLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := l.store.conn.QueryContext(ctx, `
		SELECT log_id, task_id, at_utc, level, message, details
		FROM task_logs WHERE task_id = ? ORDER BY at_utc ASC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer rows.Close()

	var out []*TaskLog
	for rows.Next() {
		var (
			tl      TaskLog
			details []byte
		)
		if err := rows.Scan(&tl.LogID, &tl.TaskID, &tl.AtUTC, &tl.Level, &tl.Message, &details); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		tl.Details = details
		out = append(out, &tl)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
