package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Strategy names the scheduling policy used to pick the next candidate row
// among those eligible to be claimed. All strategies share the same atomic
// claim contract (Store.claimWithQuery) and differ only in ORDER BY.
type Strategy string

const (
	StrategyFIFO           Strategy = "fifo"
	StrategyLIFO           Strategy = "lifo"
	StrategyPriority       Strategy = "priority"
	StrategyWeightedRandom Strategy = "weighted_random"
)

// Claimer selects and atomically reserves the next eligible task for a
// worker. Implementations only need to supply the candidate ordering;
// Store.claimWithQuery does the select-then-update locking.
type Claimer interface {
	// ClaimNext atomically reserves and returns the next eligible task for
	// taskType (all types if empty), or (nil, nil) if none is eligible.
	ClaimNext(ctx context.Context, taskType string, workerID string, leaseDuration time.Duration) (*Task, error)
}

// NewClaimer returns the Claimer implementation for the named strategy.
func NewClaimer(store *Store, strategy Strategy) (Claimer, error) {
	switch strategy {
	case StrategyFIFO, "":
		return &orderedClaimer{store: store, orderBy: "id ASC"}, nil
	case StrategyLIFO:
		return &orderedClaimer{store: store, orderBy: "id DESC"}, nil
	case StrategyPriority:
		return &orderedClaimer{store: store, orderBy: "priority ASC, id ASC"}, nil
	case StrategyWeightedRandom:
		return &weightedRandomClaimer{store: store}, nil
	default:
		return nil, fmt.Errorf("queue: unknown scheduling strategy %q", strategy)
	}
}

// orderedClaimer covers FIFO, LIFO, and Priority: all three reduce to "pick
// the eligible row with the smallest ORDER BY tuple", they just differ on
// which column that tuple ranks by. FIFO and LIFO ignore priority entirely
// and order purely by insertion (id ASC / id DESC, respectively), so they
// stay behaviorally distinct from Priority's priority-then-id ordering.
type orderedClaimer struct {
	store   *Store
	orderBy string
}

func (c *orderedClaimer) ClaimNext(ctx context.Context, taskType, workerID string, leaseDuration time.Duration) (*Task, error) {
	query := fmt.Sprintf(`
		SELECT id FROM task_queue
		WHERE status = 'queued'
		  AND run_after_utc <= ?
		  AND (? = '' OR type = ?)
		ORDER BY %s
		LIMIT 1`, c.orderBy)
	return c.store.claimWithQuery(ctx, query, taskType, workerID, leaseDuration)
}

// weightedRandomClaimer gives lower-priority-number tasks (priority 0 is
// "highest") a proportionally larger chance of being picked without
// guaranteeing strict ordering, matching spec §4.2's weighted-random
// strategy: weight = 1 / (priority + 1).
type weightedRandomClaimer struct {
	store *Store
}

func (c *weightedRandomClaimer) ClaimNext(ctx context.Context, taskType, workerID string, leaseDuration time.Duration) (*Task, error) {
	query := `
		SELECT id FROM task_queue
		WHERE status = 'queued'
		  AND run_after_utc <= ?
		  AND (? = '' OR type = ?)
		ORDER BY RANDOM() * (1.0 / (priority + 1)) DESC
		LIMIT 1`
	return c.store.claimWithQuery(ctx, query, taskType, workerID, leaseDuration)
}

// claimWithQuery runs the candidate-selecting query and, for whichever row
// it names, attempts the same atomic UPDATE ... WHERE status = 'queued'
// guard. If another worker claimed that exact row between the SELECT and
// the UPDATE, RowsAffected is 0 and the caller is told there was nothing to
// claim this round rather than retried in a loop — the next poll tick will
// pick a fresh candidate. This two-step shape is grounded on
// jobqueue.go's Dequeue (candidate select, then conditional update).
func (s *Store) claimWithQuery(ctx context.Context, query string, taskType, workerID string, leaseDuration time.Duration) (*Task, error) {
	now := nowUTC()
	var task *Task

	err := s.withWriteTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, query, now, taskType, taskType)
		var id int64
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		leaseUntil := now.Add(leaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'leased',
			    attempts = attempts + 1,
			    reserved_at_utc = ?,
			    lease_until_utc = ?,
			    locked_by = ?,
			    updated_at_utc = ?
			WHERE id = ? AND status = 'queued'`,
			now, leaseUntil, workerID, now, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another claimer between select and update.
			return nil
		}

		t, err := scanTaskByID(ctx, tx, id)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, dbError("claim next task", err)
	}
	return task, nil
}

func scanTaskByID(ctx context.Context, tx *Tx, id int64) (*Task, error) {
	row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM task_queue WHERE id = ?`, id)
	return scanTaskRow(row)
}

const taskSelectColumns = `
	SELECT id, idempotency_key, type, priority, payload, compatibility, status,
	       attempts, max_attempts, run_after_utc, reserved_at_utc, lease_until_utc,
	       processing_utc, finished_at_utc, created_at_utc, updated_at_utc,
	       locked_by, error_message`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*Task, error) {
	var t Task
	var payload, compatibility []byte
	if err := row.Scan(
		&t.ID, &t.IdempotencyKey, &t.Type, &t.Priority, &payload, &compatibility, &t.Status,
		&t.Attempts, &t.MaxAttempts, &t.RunAfterUTC, &t.ReservedAtUTC, &t.LeaseUntilUTC,
		&t.ProcessingUTC, &t.FinishedAtUTC, &t.CreatedAtUTC, &t.UpdatedAtUTC,
		&t.LockedBy, &t.ErrorMessage,
	); err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	t.Payload = payload
	t.Compatibility = compatibility
	return &t, nil
}
