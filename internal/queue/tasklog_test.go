package queue

import (
	"context"
	"testing"
	"time"
)

func TestTaskLogger_AppendAndListForTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := NewTaskLogger(store)

	id, _ := store.Enqueue(ctx, "job", nil, EnqueueOptions{})

	if err := logger.Append(ctx, id, LogInfo, "claimed", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := logger.Append(ctx, id, LogError, "handler failed", map[string]string{"cause": "timeout"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	logs, err := logger.ListForTask(ctx, id, 0)
	if err != nil {
		t.Fatalf("ListForTask: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	if logs[0].Message != "claimed" || logs[0].Level != LogInfo {
		t.Errorf("logs[0] = %+v, want message=claimed level=INFO", logs[0])
	}
	if logs[1].Message != "handler failed" || logs[1].Level != LogError {
		t.Errorf("logs[1] = %+v, want message=\"handler failed\" level=ERROR", logs[1])
	}
	if len(logs[1].Details) == 0 {
		t.Error("expected details to be recorded for the second log entry")
	}
}

func TestTaskLogger_ListForTaskIsScopedToItsOwnTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := NewTaskLogger(store)

	idA, _ := store.Enqueue(ctx, "job", nil, EnqueueOptions{})
	idB, _ := store.Enqueue(ctx, "job", nil, EnqueueOptions{})

	if err := logger.Append(ctx, idA, LogInfo, "for A", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := logger.Append(ctx, idB, LogInfo, "for B", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	logsA, err := logger.ListForTask(ctx, idA, 0)
	if err != nil {
		t.Fatalf("ListForTask: %v", err)
	}
	if len(logsA) != 1 || logsA[0].Message != "for A" {
		t.Fatalf("logsA = %+v, want exactly the entry for task A", logsA)
	}
}

func TestTaskLogger_CleanupOldLogsRemovesOnlyStaleRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := NewTaskLogger(store)

	id, _ := store.Enqueue(ctx, "job", nil, EnqueueOptions{})
	if err := logger.Append(ctx, id, LogDebug, "old entry", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, err := store.conn.ExecContext(ctx,
		`UPDATE task_logs SET at_utc = ? WHERE task_id = ?`,
		nowUTC().Add(-48*time.Hour), id)
	if err != nil {
		t.Fatalf("backdate log: %v", err)
	}

	if err := logger.Append(ctx, id, LogDebug, "fresh entry", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	removed, err := logger.CleanupOldLogs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldLogs: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	logs, err := logger.ListForTask(ctx, id, 0)
	if err != nil {
		t.Fatalf("ListForTask: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "fresh entry" {
		t.Fatalf("logs = %+v, want only the fresh entry to survive cleanup", logs)
	}
}
