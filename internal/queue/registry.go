package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler processes one claimed task. A handler returns nil on success; any
// non-nil error fails the task (the engine decides retryable vs. terminal
// via RetryableError/the handler's own wrapping — see RetryableError below).
type Handler func(ctx context.Context, task *Task) error

// HandlerRegistry maps task types to Handlers. Registration is static and
// explicit — handlers call Register from an init() function in their own
// package, mirroring how the Go ecosystem registers sql.Drivers and
// image.Decoders, rather than the original Python implementation's dynamic
// module/symbol loading (spec §9's re-architecture note: "static
// registration over dynamic dispatch").
type HandlerRegistry struct {
	mu            sync.RWMutex
	handlers      map[string]Handler
	allowOverride bool
}

// NewHandlerRegistry constructs an empty registry. allowOverride controls
// whether a second Register call for the same type replaces the first
// (true) or returns ErrHandlerAlreadyRegistered (false).
func NewHandlerRegistry(allowOverride bool) *HandlerRegistry {
	return &HandlerRegistry{
		handlers:      make(map[string]Handler),
		allowOverride: allowOverride,
	}
}

// Register adds h for taskType.
func (r *HandlerRegistry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("queue: cannot register handler for empty task type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists && !r.allowOverride {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Get returns the handler for taskType, or ErrHandlerNotRegistered.
func (r *HandlerRegistry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, taskType)
	}
	return h, nil
}

// Types returns the sorted list of registered task types.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RetryableError wraps a handler error to explicitly mark it retryable or
// not, overriding the engine's default ("retryable unless attempts
// exhausted") policy. Handlers use this to dead-letter immediately on
// unrecoverable input (e.g. malformed payload) even on the first attempt.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so the engine dead-letters the task on first
// failure regardless of remaining attempts.
func NonRetryable(err error) error {
	return &RetryableError{Err: err, Retryable: false}
}
