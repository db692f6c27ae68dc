package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nomoos/prismq-queue/internal/common"
)

// EngineConfig controls a WorkerEngine's claim loop, heartbeat cadence, and
// lease duration, per spec §6.
type EngineConfig struct {
	WorkerID            string
	TaskTypes           []string // empty means "claim any type"; types with no registered handler are dead-lettered
	MaxConcurrentTasks  int
	PollInterval        time.Duration
	LeaseDuration       time.Duration
	HeartbeatInterval   time.Duration
	MaxConsecutiveFails int // 0 disables the safety stop
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

// WorkerEngine runs the claim -> dispatch -> complete/fail loop across a
// pool of goroutines, plus a heartbeat goroutine publishing liveness rows.
// Its Start/Stop/safeGo shape is carried over from the job-queue processor
// this package replaces; the per-goroutine claim loop and heartbeat are new.
type WorkerEngine struct {
	store    *Store
	claimer  Claimer
	executor *Executor
	registry *HandlerRegistry
	logger   *common.Logger
	config   EngineConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	consecutiveErr int
	safetyStopped  bool

	// FatalStop is closed once, the first time any claim-loop goroutine
	// trips the MaxConsecutiveFails safety stop. Callers running their own
	// main-loop select alongside OS signals can watch it to exit with a
	// distinct "unrecoverable" status instead of waiting on a process that
	// is no longer claiming any work.
	FatalStop chan struct{}
	fatalOnce sync.Once
}

// NewWorkerEngine wires a Store, Claimer, Executor, and HandlerRegistry into
// a runnable engine.
func NewWorkerEngine(store *Store, claimer Claimer, executor *Executor, registry *HandlerRegistry, logger *common.Logger, config EngineConfig) *WorkerEngine {
	config = config.withDefaults()
	if config.WorkerID == "" {
		config.WorkerID = defaultWorkerID()
	}
	return &WorkerEngine{
		store:     store,
		claimer:   claimer,
		executor:  executor,
		registry:  registry,
		logger:    logger,
		config:    config,
		FatalStop: make(chan struct{}),
	}
}

// safeGo launches a goroutine with panic recovery, matching the
// teacher-derived safety net every long-running loop in this engine uses.
func (e *WorkerEngine) safeGo(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in worker engine goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the claim-loop pool and heartbeat goroutine. Safe to call
// again after Stop.
func (e *WorkerEngine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.mu.Lock()
	e.consecutiveErr = 0
	e.safetyStopped = false
	e.FatalStop = make(chan struct{})
	e.fatalOnce = sync.Once{}
	e.mu.Unlock()

	e.safeGo("heartbeat", func() { e.heartbeatLoop(ctx) })

	for i := 0; i < e.config.MaxConcurrentTasks; i++ {
		idx := i
		e.safeGo(fmt.Sprintf("claim-loop-%d", idx), func() { e.claimLoop(ctx) })
	}

	e.logger.Info().
		Str("worker_id", e.config.WorkerID).
		Int("max_concurrent_tasks", e.config.MaxConcurrentTasks).
		Dur("poll_interval", e.config.PollInterval).
		Msg("worker engine started")
}

// Stop cancels all loops and waits for them to exit.
func (e *WorkerEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.wg.Wait()
	e.logger.Info().Str("worker_id", e.config.WorkerID).Msg("worker engine stopped")
}

// claimLoop repeatedly claims a task across the configured task types,
// dispatches it to its registered handler, and records the outcome. With no
// eligible task it sleeps for PollInterval before trying again.
func (e *WorkerEngine) claimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.tripSafetyStop() {
			return
		}

		task, err := e.claimOneOf(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("claim loop: claim error")
			e.recordErr()
			e.sleep(ctx, e.config.PollInterval)
			continue
		}
		if task == nil {
			e.sleep(ctx, e.config.PollInterval)
			continue
		}

		e.resetErr()
		e.dispatch(ctx, task)
	}
}

// claimOneOf tries each configured task type in order and returns the first
// claimed task, or nil if none was eligible across all types. An empty
// TaskTypes list claims across any type in one call.
func (e *WorkerEngine) claimOneOf(ctx context.Context) (*Task, error) {
	if len(e.config.TaskTypes) == 0 {
		return e.claimer.ClaimNext(ctx, "", e.config.WorkerID, e.config.LeaseDuration)
	}
	for _, t := range e.config.TaskTypes {
		task, err := e.claimer.ClaimNext(ctx, t, e.config.WorkerID, e.config.LeaseDuration)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
	}
	return nil, nil
}

// dispatch runs the claimed task's handler and resolves it to
// complete/fail. A missing handler is a non-retryable failure.
func (e *WorkerEngine) dispatch(ctx context.Context, task *Task) {
	log := e.executor.logger

	if err := e.executor.MarkProcessing(ctx, task.ID, e.config.WorkerID); err != nil {
		e.logger.Warn().Int64("task_id", task.ID).Err(err).Msg("failed to mark task processing")
	}

	handler, err := e.registry.Get(task.Type)
	if err != nil {
		_ = log.Append(ctx, task.ID, LogError, "no handler registered for task type", nil)
		if ferr := e.executor.Fail(ctx, task.ID, e.config.WorkerID, err, false); ferr != nil {
			e.logger.Error().Int64("task_id", task.ID).Err(ferr).Msg("failed to dead-letter unhandled task")
		}
		return
	}

	start := time.Now()
	handlerErr := e.runHandler(ctx, handler, task)
	duration := time.Since(start)

	if handlerErr != nil {
		retryable := true
		if re, ok := handlerErr.(*RetryableError); ok {
			retryable = re.Retryable
		}
		_ = log.Append(ctx, task.ID, LogWarning, "task handler failed", map[string]any{
			"error":       handlerErr.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		if err := e.executor.Fail(ctx, task.ID, e.config.WorkerID, handlerErr, retryable); err != nil {
			e.logger.Error().Int64("task_id", task.ID).Err(err).Msg("failed to record task failure")
		}
		return
	}

	_ = log.Append(ctx, task.ID, LogInfo, "task completed", map[string]any{
		"duration_ms": duration.Milliseconds(),
	})
	if err := e.executor.Complete(ctx, task.ID, e.config.WorkerID); err != nil {
		e.logger.Error().Int64("task_id", task.ID).Err(err).Msg("failed to record task completion")
	}
}

// runHandler invokes handler with panic recovery so a handler bug fails the
// task instead of bringing down the engine.
func (e *WorkerEngine) runHandler(ctx context.Context, handler Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, task)
}

func (e *WorkerEngine) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// recordErr/resetErr/tripSafetyStop implement the MaxConsecutiveFails safety
// stop: a worker that cannot reach the database N times in a row stops
// claiming rather than spinning against an unreachable store.
func (e *WorkerEngine) recordErr() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveErr++
	if e.config.MaxConsecutiveFails > 0 && e.consecutiveErr >= e.config.MaxConsecutiveFails {
		e.safetyStopped = true
		e.logger.Error().
			Int("consecutive_errors", e.consecutiveErr).
			Msg("worker engine stopping claim loop: too many consecutive errors")
		e.fatalOnce.Do(func() { close(e.FatalStop) })
	}
}

func (e *WorkerEngine) resetErr() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveErr = 0
}

func (e *WorkerEngine) tripSafetyStop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safetyStopped
}

// heartbeatLoop upserts this worker's liveness row on HeartbeatInterval.
func (e *WorkerEngine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	beat := func() {
		if err := e.store.Heartbeat(ctx, e.config.WorkerID, nil); err != nil {
			e.logger.Warn().Err(err).Msg("heartbeat: failed to record liveness")
		}
	}

	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
