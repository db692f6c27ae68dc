package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnqueueOptions configures a single Enqueue call. Zero values mean "use
// the store's defaults" for Priority/MaxAttempts, and "now" for RunAfter.
type EnqueueOptions struct {
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
	RunAfter       time.Time
	Compatibility  json.RawMessage
}

// Enqueue inserts a new task. If opts.IdempotencyKey is set and a row with
// that key already exists, Enqueue returns the existing task's ID and
// ErrAlreadyEnqueued rather than inserting a duplicate — this is the
// at-least-once-producer safety net from spec §4.1's idempotency_key column.
func (s *Store) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts EnqueueOptions) (int64, error) {
	if !validJSONObject(payload) {
		return 0, ErrInvalidPayload
	}
	if !validJSONObject(opts.Compatibility) {
		return 0, ErrInvalidPayload
	}
	if taskType == "" {
		return 0, fmt.Errorf("queue: task type must not be empty")
	}

	priority := opts.Priority
	if priority == 0 {
		priority = 100
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	runAfter := opts.RunAfter
	if runAfter.IsZero() {
		runAfter = nowUTC()
	}
	payloadStr := "{}"
	if len(payload) > 0 {
		payloadStr = string(payload)
	}
	compatStr := "{}"
	if len(opts.Compatibility) > 0 {
		compatStr = string(opts.Compatibility)
	}

	var idempotencyKey sql.NullString
	if opts.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: opts.IdempotencyKey, Valid: true}
	}

	var id int64
	err := s.withWriteTx(ctx, func(tx *Tx) error {
		if opts.IdempotencyKey != "" {
			row := tx.QueryRowContext(ctx, `SELECT id FROM task_queue WHERE idempotency_key = ?`, opts.IdempotencyKey)
			var existing int64
			switch err := row.Scan(&existing); {
			case err == nil:
				id = existing
				return ErrAlreadyEnqueued
			case errors.Is(err, sql.ErrNoRows):
				// fall through to insert
			default:
				return err
			}
		}

		now := nowUTC()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_queue
				(idempotency_key, type, priority, payload, compatibility, status,
				 attempts, max_attempts, run_after_utc, created_at_utc, updated_at_utc)
			VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
			idempotencyKey, taskType, priority, payloadStr, compatStr, maxAttempts, runAfter, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})

	if errors.Is(err, ErrAlreadyEnqueued) {
		return id, ErrAlreadyEnqueued
	}
	if err != nil {
		return 0, dbError("enqueue task", err)
	}
	return id, nil
}

// GetTask returns a task by ID, or (nil, nil) if it doesn't exist.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var task *Task
	err := s.withReadTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM task_queue WHERE id = ?`, id)
		t, err := scanTaskRow(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, dbError("get task", err)
	}
	return task, nil
}

// ListByStatus returns up to limit tasks in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Task
	err := s.withReadTx(ctx, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, taskSelectColumns+`
			FROM task_queue WHERE status = ? ORDER BY id ASC LIMIT ?`, string(status), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTaskRow(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, dbError("list tasks by status", err)
	}
	return out, nil
}

// CancelQueued cancels a task that has not yet been claimed. Returns false
// if the task is not in 'queued' state (already claimed or terminal).
func (s *Store) CancelQueued(ctx context.Context, id int64) (bool, error) {
	cancelled := false
	err := s.withWriteTx(ctx, func(tx *Tx) error {
		now := nowUTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'dead_letter', finished_at_utc = ?, updated_at_utc = ?,
			    error_message = 'cancelled before claim'
			WHERE id = ? AND status = 'queued'`, now, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		cancelled = n > 0
		return nil
	})
	if err != nil {
		return false, dbError("cancel queued task", err)
	}
	return cancelled, nil
}
