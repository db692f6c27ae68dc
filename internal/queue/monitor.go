package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Heartbeat upserts a worker's liveness row. capabilities is optional
// metadata (e.g. supported task types) reported for operator visibility;
// no Claimer currently filters on it (see Task.CompatibilityAs).
func (s *Store) Heartbeat(ctx context.Context, workerID string, capabilities json.RawMessage) error {
	capStr := "{}"
	if len(capabilities) > 0 {
		capStr = string(capabilities)
	}
	return s.withWriteTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (worker_id, capabilities, heartbeat_utc)
			VALUES (?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET
				heartbeat_utc = excluded.heartbeat_utc,
				capabilities = excluded.capabilities`,
			workerID, capStr, nowUTC())
		return err
	})
}

// Unregister removes a worker's liveness row (graceful shutdown path).
func (s *Store) Unregister(ctx context.Context, workerID string) error {
	return s.withWriteTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = ?`, workerID)
		return err
	})
}

// ListWorkers returns all known workers with their active task count and
// seconds since last heartbeat, grounded on the v_worker_status view.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	var out []*Worker
	err := s.withReadTx(ctx, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT worker_id, heartbeat_utc, active_tasks FROM v_worker_status
			ORDER BY worker_id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		now := nowUTC()
		for rows.Next() {
			var w Worker
			if err := rows.Scan(&w.WorkerID, &w.HeartbeatUTC, &w.ActiveTasks); err != nil {
				return err
			}
			w.SecondsSince = now.Sub(w.HeartbeatUTC).Seconds()
			out = append(out, &w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, dbError("list workers", err)
	}
	return out, nil
}

// StaleWorkers returns workers whose last heartbeat is older than
// staleThreshold.
func (s *Store) StaleWorkers(ctx context.Context, staleThreshold time.Duration) ([]*Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var stale []*Worker
	for _, w := range workers {
		if w.SecondsSince > staleThreshold.Seconds() {
			stale = append(stale, w)
		}
	}
	return stale, nil
}

// CleanupStaleWorkers removes worker rows whose heartbeat is older than
// staleThreshold and returns the number removed.
func (s *Store) CleanupStaleWorkers(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	cutoff := nowUTC().Add(-staleThreshold)
	var affected int64
	err := s.withWriteTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM workers WHERE heartbeat_utc < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, dbError("cleanup stale workers", err)
	}
	return affected, nil
}

// ReclaimExpiredLeases requeues tasks whose lease has expired without the
// holder completing or failing them — the crash-recovery path for a worker
// that died mid-task. Requeuing counts as an attempt: the abandoned lease
// increments attempts the same as an explicit claim would, so a task that
// keeps timing out still exhausts max_attempts. A task that has already
// exhausted max_attempts is dead-lettered instead of requeued. Returns the
// number of rows reclaimed.
func (s *Store) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	var reclaimed int64
	err := s.withWriteTx(ctx, func(tx *Tx) error {
		now := nowUTC()

		deadRes, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'dead_letter', finished_at_utc = ?, updated_at_utc = ?,
			    lease_until_utc = NULL, error_message = 'lease expired: max attempts reached'
			WHERE status IN ('leased', 'processing')
			  AND lease_until_utc IS NOT NULL AND lease_until_utc < ?
			  AND attempts >= max_attempts`,
			now, now, now)
		if err != nil {
			return err
		}
		deadN, err := deadRes.RowsAffected()
		if err != nil {
			return err
		}

		requeueRes, err := tx.ExecContext(ctx, `
			UPDATE task_queue
			SET status = 'queued', updated_at_utc = ?, attempts = attempts + 1,
			    reserved_at_utc = NULL, lease_until_utc = NULL, processing_utc = NULL,
			    locked_by = NULL, error_message = 'lease expired: reclaimed for retry'
			WHERE status IN ('leased', 'processing')
			  AND lease_until_utc IS NOT NULL AND lease_until_utc < ?
			  AND attempts < max_attempts`,
			now, now)
		if err != nil {
			return err
		}
		requeueN, err := requeueRes.RowsAffected()
		if err != nil {
			return err
		}

		reclaimed = deadN + requeueN
		return nil
	})
	if err != nil {
		return 0, dbError("reclaim expired leases", err)
	}
	return reclaimed, nil
}

// MonitorConfig controls the background maintenance sweep that reclaims
// expired leases and prunes stale worker rows, per spec §4.4.
type MonitorConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 2 * time.Minute
	}
	return c
}

// Monitor periodically reclaims expired leases and cleans up stale worker
// rows. Run is a plain ticker loop with no startup delay: its first pass
// runs one Interval after Run starts.
type Monitor struct {
	store  *Store
	config MonitorConfig
}

// NewMonitor builds a Monitor over store.
func NewMonitor(store *Store, config MonitorConfig) *Monitor {
	return &Monitor{store: store, config: config.withDefaults()}
}

// RunOnce performs one reclamation+cleanup pass and returns counts for
// observability/logging by the caller.
func (m *Monitor) RunOnce(ctx context.Context) (reclaimedLeases int64, cleanedWorkers int64, err error) {
	reclaimedLeases, err = m.store.ReclaimExpiredLeases(ctx)
	if err != nil {
		return 0, 0, err
	}
	cleanedWorkers, err = m.store.CleanupStaleWorkers(ctx, m.config.StaleThreshold)
	if err != nil {
		return reclaimedLeases, 0, err
	}
	return reclaimedLeases, cleanedWorkers, nil
}

// Run loops RunOnce on config.Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, onResult func(reclaimed, cleaned int64, err error)) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, cleaned, err := m.RunOnce(ctx)
			if onResult != nil {
				onResult(reclaimed, cleaned, err)
			}
		}
	}
}
