package queue

import (
	"errors"
	"fmt"
)

// Sentinel error kinds from spec §7. Callers distinguish them with
// errors.Is, matching the wrapped-error idiom used throughout the pack's
// store layers (fmt.Errorf("...: %w", err)) rather than a custom exception
// hierarchy.
var (
	// ErrQueueBusy means the database reported lock contention (SQLITE_BUSY).
	// It is transient; callers should retry with backoff.
	ErrQueueBusy = errors.New("queue: database is busy")

	// ErrQueueSchemaError means schema bootstrap failed at startup. Fatal.
	ErrQueueSchemaError = errors.New("queue: schema initialization failed")

	// ErrQueueDatabaseError wraps any other store failure.
	ErrQueueDatabaseError = errors.New("queue: database error")

	// ErrHandlerNotRegistered means a task's type has no registered handler.
	// The engine treats this as a non-retryable failure and dead-letters
	// the task.
	ErrHandlerNotRegistered = errors.New("queue: handler not registered")

	// ErrHandlerAlreadyRegistered means a duplicate registration was
	// attempted without allow_override.
	ErrHandlerAlreadyRegistered = errors.New("queue: handler already registered")

	// ErrHandlerConfigError means a handler-config file was malformed or
	// named an unresolvable task type. Fatal at load time.
	ErrHandlerConfigError = errors.New("queue: handler configuration error")

	// ErrAlreadyEnqueued is the specific "already enqueued" signal for a
	// duplicate idempotency key (spec §7), distinct from a generic error.
	ErrAlreadyEnqueued = errors.New("queue: task already enqueued")

	// ErrInvalidPayload means payload or compatibility was not a JSON object.
	ErrInvalidPayload = errors.New("queue: payload must be a JSON object")
)

// dbError classifies a raw driver error into one of the taxonomy's sentinels,
// wrapping the original error for inspection.
func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isBusyErr(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrQueueBusy, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrQueueDatabaseError, err)
}
