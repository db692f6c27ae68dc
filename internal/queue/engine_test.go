package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nomoos/prismq-queue/internal/common"
)

func TestWorkerEngine_ClaimsDispatchesAndCompletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registry := NewHandlerRegistry(false)
	var ran atomic.Int32
	require.NoError(t, registry.Register("job", func(ctx context.Context, task *Task) error {
		ran.Add(1)
		return nil
	}))

	claimer, err := NewClaimer(store, StrategyFIFO)
	require.NoError(t, err)
	executor := NewExecutor(store, DefaultRetryConfig())
	logger := common.NewLogger("debug")

	engine := NewWorkerEngine(store, claimer, executor, registry, logger, EngineConfig{
		WorkerID:           "worker-test",
		MaxConcurrentTasks: 2,
		PollInterval:       10 * time.Millisecond,
		LeaseDuration:      time.Minute,
		HeartbeatInterval:  time.Hour,
	})

	id, err := store.Enqueue(ctx, "job", nil, EnqueueOptions{})
	require.NoError(t, err)

	engine.Start()
	defer engine.Stop()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task != nil && task.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "task should complete")

	require.Equal(t, int32(1), ran.Load())
}

func TestWorkerEngine_UnregisteredTypeDeadLetters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registry := NewHandlerRegistry(false)
	claimer, err := NewClaimer(store, StrategyFIFO)
	require.NoError(t, err)
	executor := NewExecutor(store, DefaultRetryConfig())

	engine := NewWorkerEngine(store, claimer, executor, registry, common.NewLogger("debug"), EngineConfig{
		WorkerID:           "worker-test",
		MaxConcurrentTasks: 1,
		PollInterval:       10 * time.Millisecond,
		LeaseDuration:      time.Minute,
		HeartbeatInterval:  time.Hour,
	})

	id, err := store.Enqueue(ctx, "unregistered-type", nil, EnqueueOptions{})
	require.NoError(t, err)

	engine.Start()
	defer engine.Stop()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task != nil && task.Status == StatusDeadLetter
	}, 2*time.Second, 10*time.Millisecond, "unhandled task type should dead-letter")
}

func TestWorkerEngine_HandlerPanicFailsTaskInsteadOfCrashing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registry := NewHandlerRegistry(false)
	require.NoError(t, registry.Register("boom", func(ctx context.Context, task *Task) error {
		panic("handler exploded")
	}))

	claimer, err := NewClaimer(store, StrategyFIFO)
	require.NoError(t, err)
	executor := NewExecutor(store, DefaultRetryConfig())

	engine := NewWorkerEngine(store, claimer, executor, registry, common.NewLogger("debug"), EngineConfig{
		WorkerID:            "worker-test",
		MaxConcurrentTasks:  1,
		PollInterval:        10 * time.Millisecond,
		LeaseDuration:       time.Minute,
		HeartbeatInterval:   time.Hour,
		MaxConsecutiveFails: 0,
	})

	id, err := store.Enqueue(ctx, "boom", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	engine.Start()
	defer engine.Stop()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(ctx, id)
		return err == nil && task != nil && task.Status == StatusDeadLetter
	}, 2*time.Second, 10*time.Millisecond, "a panicking handler should fail its task, not crash the engine")
}

func TestWorkerEngine_FatalStopTripsAfterMaxConsecutiveFails(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close()) // force every claim attempt to fail against a closed store

	claimer, err := NewClaimer(store, StrategyFIFO)
	require.NoError(t, err)
	registry := NewHandlerRegistry(false)
	executor := NewExecutor(store, DefaultRetryConfig())

	engine := NewWorkerEngine(store, claimer, executor, registry, common.NewLogger("debug"), EngineConfig{
		WorkerID:            "worker-test",
		MaxConcurrentTasks:  1,
		PollInterval:        time.Millisecond,
		LeaseDuration:       time.Minute,
		HeartbeatInterval:   time.Hour,
		MaxConsecutiveFails: 3,
	})

	engine.Start()
	defer engine.Stop()

	select {
	case <-engine.FatalStop:
	case <-time.After(2 * time.Second):
		t.Fatal("expected FatalStop to trip after repeated claim errors")
	}
}
