package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// RegisterExampleHandlers registers the small set of reference handlers
// used by integration tests and by a fresh deployment's smoke-test task,
// grounded on the original source's example_handlers.py. Real deployments
// register their own handlers via init() the same way. Nothing registers
// these from init(); the queueworker binary calls this function at startup.
func RegisterExampleHandlers(registry *HandlerRegistry) error {
	if err := registry.Register("noop", noopHandler); err != nil {
		return err
	}
	if err := registry.Register("echo", echoHandler); err != nil {
		return err
	}
	return registry.Register("always_fail", alwaysFailHandler)
}

func noopHandler(ctx context.Context, task *Task) error {
	return nil
}

type echoPayload struct {
	Message string `json:"message"`
}

func echoHandler(ctx context.Context, task *Task) error {
	var p echoPayload
	if err := task.PayloadAs(&p); err != nil {
		return NonRetryable(err)
	}
	if p.Message == "" {
		return NonRetryable(fmt.Errorf("echo: payload.message must not be empty"))
	}
	return nil
}

func alwaysFailHandler(ctx context.Context, task *Task) error {
	return fmt.Errorf("always_fail: task %d intentionally failed on attempt %d", task.ID, task.Attempts)
}

// encode is a small convenience for building JSON payloads in tests and
// examples without every caller importing encoding/json directly.
func encode(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
