package queue

import (
	"context"
	"testing"
)

func TestRegisterExampleHandlers_RegistersAllThree(t *testing.T) {
	registry := NewHandlerRegistry(false)
	if err := RegisterExampleHandlers(registry); err != nil {
		t.Fatalf("RegisterExampleHandlers: %v", err)
	}
	for _, want := range []string{"noop", "echo", "always_fail"} {
		if _, err := registry.Get(want); err != nil {
			t.Errorf("Get(%q): %v", want, err)
		}
	}
}

func TestEchoHandler_RejectsEmptyMessageNonRetryably(t *testing.T) {
	task := &Task{ID: 1, Payload: encode(echoPayload{Message: ""})}
	err := echoHandler(context.Background(), task)
	if err == nil {
		t.Fatal("expected an error for an empty message")
	}
	var re *RetryableError
	if as, ok := err.(*RetryableError); ok {
		re = as
	}
	if re == nil || re.Retryable {
		t.Errorf("expected echoHandler to return a non-retryable error, got %v", err)
	}
}

func TestEchoHandler_AcceptsNonEmptyMessage(t *testing.T) {
	task := &Task{ID: 1, Payload: encode(echoPayload{Message: "hello"})}
	if err := echoHandler(context.Background(), task); err != nil {
		t.Fatalf("echoHandler: %v", err)
	}
}

func TestAlwaysFailHandler_AlwaysErrors(t *testing.T) {
	task := &Task{ID: 7, Attempts: 1}
	if err := alwaysFailHandler(context.Background(), task); err == nil {
		t.Fatal("expected alwaysFailHandler to always return an error")
	}
}
