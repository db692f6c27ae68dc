package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nomoos/prismq-queue/internal/common"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	logger := common.NewLogger("debug")
	store, err := OpenStore(filepath.Join(dir, "queue.db"), logger)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenStore_BootstrapsSchema(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "noop", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id <= 0 {
		t.Fatalf("Enqueue returned non-positive id %d", id)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task == nil {
		t.Fatal("GetTask returned nil for a freshly enqueued task")
	}
	if task.Status != StatusQueued {
		t.Errorf("Status = %q, want %q", task.Status, StatusQueued)
	}
}

func TestOpenStore_ReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	logger := common.NewLogger("debug")

	store1, err := OpenStore(path, logger)
	if err != nil {
		t.Fatalf("OpenStore (first): %v", err)
	}
	id, err := store1.Enqueue(context.Background(), "noop", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store2, err := OpenStore(path, logger)
	if err != nil {
		t.Fatalf("OpenStore (second): %v", err)
	}
	defer store2.Close()

	task, err := store2.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if task == nil {
		t.Fatal("task not found after reopening the database file")
	}
}

func TestEnqueue_RejectsNonObjectPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "noop", []byte(`[1,2,3]`), EnqueueOptions{})
	if err == nil {
		t.Fatal("expected an error for an array payload")
	}
	if !isErrInvalidPayload(err) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestEnqueue_IdempotencyKeyDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id1, err := store.Enqueue(ctx, "noop", nil, EnqueueOptions{IdempotencyKey: "dup-key"})
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	id2, err := store.Enqueue(ctx, "noop", nil, EnqueueOptions{IdempotencyKey: "dup-key"})
	if err == nil {
		t.Fatal("expected ErrAlreadyEnqueued on duplicate idempotency key")
	}
	if id2 != id1 {
		t.Errorf("expected duplicate Enqueue to return original id %d, got %d", id1, id2)
	}

	rows, err := store.ListByStatus(ctx, StatusQueued, 100)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected exactly one queued row after duplicate enqueue, got %d", len(rows))
	}
}

func TestCancelQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "noop", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	cancelled, err := store.CancelQueued(ctx, id)
	if err != nil {
		t.Fatalf("CancelQueued: %v", err)
	}
	if !cancelled {
		t.Fatal("expected a queued task to be cancellable")
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusDeadLetter {
		t.Errorf("Status = %q after cancel, want %q", task.Status, StatusDeadLetter)
	}

	cancelledAgain, err := store.CancelQueued(ctx, id)
	if err != nil {
		t.Fatalf("CancelQueued (second): %v", err)
	}
	if cancelledAgain {
		t.Error("expected cancelling an already-terminal task to be a no-op")
	}
}

func TestHeartbeatAndListWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Heartbeat(ctx, "worker-a", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	workers, err := store.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 1 || workers[0].WorkerID != "worker-a" {
		t.Fatalf("expected exactly one worker 'worker-a', got %+v", workers)
	}
}

func TestCleanupStaleWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Heartbeat(ctx, "worker-a", nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	removed, err := store.CleanupStaleWorkers(ctx, -1*time.Second)
	if err != nil {
		t.Fatalf("CleanupStaleWorkers: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 worker removed with a negative threshold, got %d", removed)
	}
}

func isErrInvalidPayload(err error) bool {
	return err == ErrInvalidPayload
}
