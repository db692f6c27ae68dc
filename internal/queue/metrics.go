package queue

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sort"
	"time"
)

// QueueDepth is the number of tasks in a given status, overall and broken
// down by type.
type QueueDepth struct {
	ByStatus map[Status]int64
	ByType   map[string]map[Status]int64
}

// Depth computes the current queue depth from v_queue_status_summary and
// v_queue_type_summary.
func (s *Store) Depth(ctx context.Context) (*QueueDepth, error) {
	d := &QueueDepth{
		ByStatus: make(map[Status]int64),
		ByType:   make(map[string]map[Status]int64),
	}
	err := s.withReadTx(ctx, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, task_count FROM v_queue_status_summary`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var count int64
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			d.ByStatus[Status(status)] = count
		}
		if err := rows.Err(); err != nil {
			return err
		}

		typeRows, err := tx.QueryContext(ctx, `SELECT type, status, task_count FROM v_queue_type_summary`)
		if err != nil {
			return err
		}
		defer typeRows.Close()
		for typeRows.Next() {
			var taskType, status string
			var count int64
			if err := typeRows.Scan(&taskType, &status, &count); err != nil {
				return err
			}
			if d.ByType[taskType] == nil {
				d.ByType[taskType] = make(map[Status]int64)
			}
			d.ByType[taskType][Status(status)] = count
		}
		return typeRows.Err()
	})
	if err != nil {
		return nil, dbError("compute queue depth", err)
	}
	return d, nil
}

// OldestQueuedAge returns now minus the earliest run_after_utc among
// 'queued' tasks, or zero if no task is queued. The age is measured from
// run_after_utc, not created_at_utc, and future-scheduled tasks are not
// excluded, so the result is negative when every queued task is scheduled
// in the future.
func (s *Store) OldestQueuedAge(ctx context.Context) (time.Duration, error) {
	var oldest time.Time
	found := false
	err := s.withReadTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT run_after_utc FROM task_queue WHERE status = 'queued'
			ORDER BY run_after_utc ASC LIMIT 1`)
		var t *time.Time
		if err := row.Scan(&t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if t != nil {
			oldest = *t
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, dbError("compute oldest queued age", err)
	}
	if !found {
		return 0, nil
	}
	return nowUTC().Sub(oldest), nil
}

// ThroughputStats summarizes completion/failure counts and rate over a
// lookback window.
type ThroughputStats struct {
	Window             time.Duration
	Completed          int64
	Failed             int64
	DeadLettered       int64
	CompletedPerHour   float64
	MeanProcessingTime time.Duration
}

// Throughput reports how many tasks finished within the last window, plus
// the mean time completed tasks spent actually executing in a handler
// (finished_at_utc - processing_utc), per spec §4.7.
func (s *Store) Throughput(ctx context.Context, window time.Duration) (*ThroughputStats, error) {
	stats := &ThroughputStats{Window: window}
	cutoff := nowUTC().Add(-window)
	err := s.withReadTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT
				SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
				SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
				SUM(CASE WHEN status = 'dead_letter' THEN 1 ELSE 0 END),
				AVG(CASE WHEN status = 'completed' AND processing_utc IS NOT NULL
				         THEN (julianday(finished_at_utc) - julianday(processing_utc)) * 86400.0 END)
			FROM task_queue
			WHERE finished_at_utc IS NOT NULL AND finished_at_utc >= ?`, cutoff)
		var completed, failed, dead *int64
		var meanSeconds *float64
		if err := row.Scan(&completed, &failed, &dead, &meanSeconds); err != nil {
			return err
		}
		if completed != nil {
			stats.Completed = *completed
		}
		if failed != nil {
			stats.Failed = *failed
		}
		if dead != nil {
			stats.DeadLettered = *dead
		}
		if meanSeconds != nil {
			stats.MeanProcessingTime = secondsToDuration(*meanSeconds)
		}
		return nil
	})
	if err != nil {
		return nil, dbError("compute throughput", err)
	}
	if window > 0 {
		stats.CompletedPerHour = float64(stats.Completed) / window.Hours()
	}
	return stats, nil
}

// RetryStats summarizes retry behavior across all tasks that have been
// claimed more than once (attempts > 1). A task that failed and is waiting
// in 'queued' for its next claim is not counted until it is claimed again.
type RetryStats struct {
	TasksWithRetries  int64
	TotalRetries      int64
	AverageRetries    float64
	DeadLetterCount   int64
}

// Retries reports aggregate retry counts.
func (s *Store) Retries(ctx context.Context) (*RetryStats, error) {
	stats := &RetryStats{}
	err := s.withReadTx(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT
				COUNT(CASE WHEN attempts > 1 THEN 1 END),
				COALESCE(SUM(CASE WHEN attempts > 1 THEN attempts - 1 ELSE 0 END), 0),
				COUNT(CASE WHEN status = 'dead_letter' THEN 1 END)
			FROM task_queue`)
		return row.Scan(&stats.TasksWithRetries, &stats.TotalRetries, &stats.DeadLetterCount)
	})
	if err != nil {
		return nil, dbError("compute retry stats", err)
	}
	if stats.TasksWithRetries > 0 {
		stats.AverageRetries = float64(stats.TotalRetries) / float64(stats.TasksWithRetries)
	}
	return stats, nil
}

// ProcessingTimePercentiles reports p50/p95/p99 handler execution time
// (processing_utc to finished_at_utc — the time actually spent running in a
// handler, excluding time queued or waiting on a lease) over up to
// sampleLimit of the most recently finished tasks, per spec §4.7.
// Percentiles are computed in-memory via sort — the dataset is small enough
// (sampleLimit caps it) that pulling rows into Go and sorting is simpler
// and just as fast as a SQL window function, and avoids relying on SQLite
// window-function availability in the embedded build.
type ProcessingTimePercentiles struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	N   int
}

func (s *Store) ProcessingTimePercentiles(ctx context.Context, sampleLimit int) (*ProcessingTimePercentiles, error) {
	if sampleLimit <= 0 {
		sampleLimit = 1000
	}
	var samples []float64
	err := s.withReadTx(ctx, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT processing_utc, finished_at_utc FROM task_queue
			WHERE status = 'completed' AND processing_utc IS NOT NULL AND finished_at_utc IS NOT NULL
			ORDER BY finished_at_utc DESC LIMIT ?`, sampleLimit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var processingStarted, finished time.Time
			if err := rows.Scan(&processingStarted, &finished); err != nil {
				return err
			}
			samples = append(samples, finished.Sub(processingStarted).Seconds())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, dbError("compute processing time percentiles", err)
	}

	sort.Float64s(samples)
	return &ProcessingTimePercentiles{
		P50: secondsToDuration(percentile(samples, 0.50)),
		P95: secondsToDuration(percentile(samples, 0.95)),
		P99: secondsToDuration(percentile(samples, 0.99)),
		N:   len(samples),
	}, nil
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// HealthSummary composes the above metrics into a single snapshot suitable
// for a status endpoint or periodic log line.
type HealthSummary struct {
	Depth       *QueueDepth
	Throughput  *ThroughputStats
	Retries     *RetryStats
	Percentiles *ProcessingTimePercentiles
	OldestAge   time.Duration
	Workers     []*Worker
}

// Summarize gathers every metric in one call for convenience.
func (s *Store) Summarize(ctx context.Context, throughputWindow time.Duration) (*HealthSummary, error) {
	depth, err := s.Depth(ctx)
	if err != nil {
		return nil, err
	}
	throughput, err := s.Throughput(ctx, throughputWindow)
	if err != nil {
		return nil, err
	}
	retries, err := s.Retries(ctx)
	if err != nil {
		return nil, err
	}
	percentiles, err := s.ProcessingTimePercentiles(ctx, 1000)
	if err != nil {
		return nil, err
	}
	oldest, err := s.OldestQueuedAge(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return &HealthSummary{
		Depth:       depth,
		Throughput:  throughput,
		Retries:     retries,
		Percentiles: percentiles,
		OldestAge:   oldest,
		Workers:     workers,
	}, nil
}
