package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestDepth_BreaksDownByStatusAndType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.Enqueue(ctx, "alpha", nil, EnqueueOptions{})
	_, _ = store.Enqueue(ctx, "alpha", nil, EnqueueOptions{})
	_, _ = store.Enqueue(ctx, "beta", nil, EnqueueOptions{})

	depth, err := store.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth.ByStatus[StatusQueued] != 3 {
		t.Errorf("ByStatus[queued] = %d, want 3", depth.ByStatus[StatusQueued])
	}
	if depth.ByType["alpha"][StatusQueued] != 2 {
		t.Errorf("ByType[alpha][queued] = %d, want 2", depth.ByType["alpha"][StatusQueued])
	}
	if depth.ByType["beta"][StatusQueued] != 1 {
		t.Errorf("ByType[beta][queued] = %d, want 1", depth.ByType["beta"][StatusQueued])
	}
}

func TestOldestQueuedAge_ZeroWhenEmpty(t *testing.T) {
	store := newTestStore(t)
	age, err := store.OldestQueuedAge(context.Background())
	if err != nil {
		t.Fatalf("OldestQueuedAge: %v", err)
	}
	if age != 0 {
		t.Errorf("age = %v, want 0 for an empty queue", age)
	}
}

func TestOldestQueuedAge_ReflectsWaitTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, _ := store.Enqueue(ctx, "job", nil, EnqueueOptions{})
	_, err := store.conn.ExecContext(ctx,
		`UPDATE task_queue SET run_after_utc = ? WHERE id = ?`,
		nowUTC().Add(-time.Hour), id)
	if err != nil {
		t.Fatalf("backdate run_after_utc: %v", err)
	}

	age, err := store.OldestQueuedAge(ctx)
	if err != nil {
		t.Fatalf("OldestQueuedAge: %v", err)
	}
	if age < 59*time.Minute {
		t.Errorf("age = %v, want roughly 1h", age)
	}
}

func TestThroughput_CountsByTerminalStatusWithinWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	executor := newTestExecutor(store)

	_, _ = store.Enqueue(ctx, "job", nil, EnqueueOptions{})
	completedTask := claimOne(t, store, "job", "worker-1")
	if err := executor.Complete(ctx, completedTask.ID, "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, _ = store.Enqueue(ctx, "job", nil, EnqueueOptions{MaxAttempts: 1})
	deadTask := claimOne(t, store, "job", "worker-1")
	if err := executor.Fail(ctx, deadTask.ID, "worker-1", errBoom, true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	stats, err := store.Throughput(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Throughput: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("Completed = %d, want 1", stats.Completed)
	}
	if stats.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", stats.DeadLettered)
	}
}

func TestRetries_AveragesOnlyTasksThatRetried(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	executor := newTestExecutor(store)

	_, _ = store.Enqueue(ctx, "job", nil, EnqueueOptions{MaxAttempts: 5})
	task := claimOne(t, store, "job", "worker-1")
	if err := executor.Fail(ctx, task.ID, "worker-1", errBoom, true); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// The retry is counted once the failed task is claimed again (attempts 2);
	// make it eligible now instead of waiting out its backoff.
	if _, err := store.conn.ExecContext(ctx,
		`UPDATE task_queue SET run_after_utc = ? WHERE id = ?`,
		nowUTC().Add(-time.Second), task.ID); err != nil {
		t.Fatalf("backdate run_after_utc: %v", err)
	}
	if retried := claimOne(t, store, "job", "worker-1"); retried.ID != task.ID {
		t.Fatalf("claimed id %d, want the failed task %d", retried.ID, task.ID)
	}

	_, _ = store.Enqueue(ctx, "job", nil, EnqueueOptions{})
	_ = claimOne(t, store, "job", "worker-1")

	stats, err := store.Retries(ctx)
	if err != nil {
		t.Fatalf("Retries: %v", err)
	}
	if stats.TasksWithRetries != 1 {
		t.Errorf("TasksWithRetries = %d, want 1", stats.TasksWithRetries)
	}
	if stats.TotalRetries != 1 {
		t.Errorf("TotalRetries = %d, want 1", stats.TotalRetries)
	}
	if stats.AverageRetries != 1 {
		t.Errorf("AverageRetries = %v, want 1", stats.AverageRetries)
	}
}

func TestProcessingTimePercentiles_ComputesAcrossCompletedTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id, _ := store.Enqueue(ctx, "job", nil, EnqueueOptions{})
		task := claimOne(t, store, "job", "worker-1")
		if task.ID != id {
			t.Fatalf("claimed wrong task")
		}
		_, err := store.conn.ExecContext(ctx, `
			UPDATE task_queue SET status = 'completed',
				processing_utc = ?, finished_at_utc = ?
			WHERE id = ?`,
			nowUTC().Add(-time.Duration(i+1)*time.Second), nowUTC(), id)
		if err != nil {
			t.Fatalf("backdate completion: %v", err)
		}
	}

	pcts, err := store.ProcessingTimePercentiles(ctx, 1000)
	if err != nil {
		t.Fatalf("ProcessingTimePercentiles: %v", err)
	}
	if pcts.N != 5 {
		t.Errorf("N = %d, want 5", pcts.N)
	}
	if pcts.P50 <= 0 {
		t.Errorf("P50 = %v, want > 0", pcts.P50)
	}
}

func TestProcessingTimePercentiles_EmptyWhenNoCompletions(t *testing.T) {
	store := newTestStore(t)
	pcts, err := store.ProcessingTimePercentiles(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessingTimePercentiles: %v", err)
	}
	if pcts.N != 0 {
		t.Errorf("N = %d, want 0", pcts.N)
	}
	if pcts.P50 != 0 || pcts.P95 != 0 || pcts.P99 != 0 {
		t.Errorf("expected zero percentiles with no samples, got %+v", pcts)
	}
}

func TestSummarize_AggregatesAllMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.Enqueue(ctx, "job", nil, EnqueueOptions{})
	if err := store.Heartbeat(ctx, "worker-a", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	summary, err := store.Summarize(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Depth == nil || summary.Throughput == nil || summary.Retries == nil || summary.Percentiles == nil {
		t.Fatalf("Summarize returned an incomplete snapshot: %+v", summary)
	}
	if len(summary.Workers) != 1 {
		t.Errorf("Workers = %+v, want exactly one", summary.Workers)
	}
}
