// Package queue implements a persistent, durable task queue and worker
// orchestration engine backed by a single embedded SQLite database file.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Task row.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusLeased     Status = "leased"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// terminal reports whether the status is a terminal one (no further
// transitions happen to rows in this state).
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeadLetter
}

// Task is one persistent unit of work in the queue. Handlers receive a
// snapshot of a Task; mutations must go back through Executor/Store APIs —
// handlers never write to the task_queue table directly.
type Task struct {
	ID             int64
	IdempotencyKey sql.NullString
	Type           string
	Priority       int
	Payload        json.RawMessage
	Compatibility  json.RawMessage
	Status         Status
	Attempts       int
	MaxAttempts    int
	RunAfterUTC    time.Time
	ReservedAtUTC  sql.NullTime
	LeaseUntilUTC  sql.NullTime
	ProcessingUTC  sql.NullTime
	FinishedAtUTC  sql.NullTime
	CreatedAtUTC   time.Time
	UpdatedAtUTC   time.Time
	LockedBy       sql.NullString
	ErrorMessage   sql.NullString
}

// PayloadAs unmarshals the task's JSON payload into dst.
func (t *Task) PayloadAs(dst any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, dst); err != nil {
		return fmt.Errorf("task %d: decode payload: %w", t.ID, err)
	}
	return nil
}

// SetPayload marshals src and stores it as the task's JSON payload. It is
// the producer-side counterpart to PayloadAs and is used before Enqueue.
func (t *Task) SetPayload(src any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	t.Payload = raw
	return nil
}

// CompatibilityAs unmarshals the task's compatibility JSON object into dst.
// The compatibility column is reserved for future capability-matching at
// claim time (see spec §4.1 Open Questions); it is not consulted by any
// Claimer today.
func (t *Task) CompatibilityAs(dst any) error {
	if len(t.Compatibility) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Compatibility, dst); err != nil {
		return fmt.Errorf("task %d: decode compatibility: %w", t.ID, err)
	}
	return nil
}

// validJSONObject reports whether raw is empty/null or a well-formed JSON
// object — never an array or a bare scalar. Enqueue rejects malformed
// payload/compatibility values at the boundary (see SPEC_FULL.md's
// supplemented validation.py behavior).
func validJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	if v == nil {
		return true
	}
	_, ok := v.(map[string]any)
	return ok
}
