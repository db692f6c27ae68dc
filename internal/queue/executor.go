package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// RetryConfig controls the exponential backoff applied between a failed
// attempt and the next run_after_utc, per spec §4.3.
type RetryConfig struct {
	InitialDelaySeconds float64
	MaxDelaySeconds     float64
	Multiplier          float64
	JitterFactor        float64
}

// DefaultRetryConfig matches spec §6's documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelaySeconds: 1,
		MaxDelaySeconds:     300,
		Multiplier:          2,
		JitterFactor:        0.1,
	}
}

// delayFor returns the backoff delay (seconds) before retry attempt number
// attempt (1-indexed: the first retry after the initial failure is attempt
// 1), with +/- jitterFactor fractional jitter applied.
func (c RetryConfig) delayFor(attempt int, rng *rand.Rand) float64 {
	if attempt < 1 {
		attempt = 1
	}
	raw := c.InitialDelaySeconds * math.Pow(c.Multiplier, float64(attempt-1))
	if raw > c.MaxDelaySeconds {
		raw = c.MaxDelaySeconds
	}
	if c.JitterFactor <= 0 {
		return raw
	}
	jitter := raw * c.JitterFactor
	return raw + (rng.Float64()*2-1)*jitter
}

// Executor transitions a claimed task through completion, failure/retry, or
// dead-letter, and renews leases for long-running handlers. Apart from the
// monitor's lease reclamation (Store.ReclaimExpiredLeases), it is the only
// component that mutates task_queue rows once they leave 'queued'.
type Executor struct {
	store  *Store
	retry  RetryConfig
	rng    *rand.Rand
	logger *TaskLogger
}

// NewExecutor builds an Executor using retry and an independent RNG seeded
// from crypto-quality entropy via math/rand's default source, matching the
// jitter approach of the original backoff design (spec §4.3).
func NewExecutor(store *Store, retry RetryConfig) *Executor {
	return &Executor{
		store:  store,
		retry:  retry,
		rng:    rand.New(rand.NewSource(rngSeed())),
		logger: NewTaskLogger(store),
	}
}

// MarkProcessing transitions a leased task to 'processing' just before a
// handler runs, so monitoring can distinguish "claimed, not yet started"
// from "actively executing" leases.
func (e *Executor) MarkProcessing(ctx context.Context, taskID int64, workerID string) error {
	return e.store.withWriteTx(ctx, func(tx *Tx) error {
		now := nowUTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'processing', processing_utc = ?, updated_at_utc = ?
			WHERE id = ? AND locked_by = ? AND status = 'leased'`,
			now, now, taskID, workerID)
		if err != nil {
			return err
		}
		return checkAffected(res)
	})
}

// Complete marks taskID as completed. It is idempotent against a task that
// has already reached a terminal state (returns nil without error) so a
// duplicate completion call from a retried handler never panics the engine.
func (e *Executor) Complete(ctx context.Context, taskID int64, workerID string) error {
	return e.store.withWriteTx(ctx, func(tx *Tx) error {
		now := nowUTC()
		_, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'completed', finished_at_utc = ?, updated_at_utc = ?,
			    lease_until_utc = NULL, error_message = NULL
			WHERE id = ? AND locked_by = ? AND status IN ('leased', 'processing')`,
			now, now, taskID, workerID)
		return err
	})
}

// Fail records a failed attempt. If the task has remaining attempts it is
// requeued with run_after_utc pushed out by the retry backoff; otherwise it
// is moved straight to dead_letter. Retryable is the handler's own
// assessment (e.g. a handler may classify a malformed-payload error as
// non-retryable even on its first attempt).
func (e *Executor) Fail(ctx context.Context, taskID int64, workerID string, cause error, retryable bool) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	return e.store.withWriteTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT attempts, max_attempts FROM task_queue
			WHERE id = ? AND locked_by = ? AND status IN ('leased', 'processing')`,
			taskID, workerID)
		var attempts, maxAttempts int
		if err := row.Scan(&attempts, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Lease already expired/reassigned or task already terminal;
				// nothing for this worker to fail.
				return nil
			}
			return err
		}

		now := nowUTC()
		if !retryable || attempts >= maxAttempts {
			_, err := tx.ExecContext(ctx, `
				UPDATE task_queue
				SET status = 'dead_letter', finished_at_utc = ?, updated_at_utc = ?,
				    lease_until_utc = NULL, error_message = ?
				WHERE id = ? AND locked_by = ?`,
				now, now, msg, taskID, workerID)
			return err
		}

		delaySeconds := e.retry.delayFor(attempts, e.rng)
		runAfter := now.Add(secondsToDuration(delaySeconds))
		_, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'queued', run_after_utc = ?, updated_at_utc = ?,
			    reserved_at_utc = NULL, lease_until_utc = NULL, processing_utc = NULL,
			    locked_by = NULL, error_message = ?
			WHERE id = ? AND locked_by = ?`,
			runAfter, now, msg, taskID, workerID)
		return err
	})
}

// RenewLease moves a long-running handler's lease expiry to
// newLeaseUntilDelta seconds from now, provided workerID still holds it.
// "No such lease" is reported as (false, nil) rather than an error, since a
// lease expiring mid-renewal is an expected race, not a bug.
func (e *Executor) RenewLease(ctx context.Context, taskID int64, workerID string, newLeaseUntilDelta float64) (bool, error) {
	renewed := false
	err := e.store.withWriteTx(ctx, func(tx *Tx) error {
		now := nowUTC()
		leaseUntil := now.Add(secondsToDuration(newLeaseUntilDelta))
		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET lease_until_utc = ?, updated_at_utc = ?
			WHERE id = ? AND locked_by = ? AND status IN ('leased', 'processing')`,
			leaseUntil, now, taskID, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		renewed = n > 0
		return nil
	})
	return renewed, err
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("queue: no matching task row for this worker/state transition")
	}
	return nil
}
