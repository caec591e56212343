package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/recollection-api/internal/domain"
	"github.com/phrazzld/recollection-api/internal/pipeline"
	"github.com/phrazzld/recollection-api/internal/platform/telemetry"
	"github.com/phrazzld/recollection-api/internal/store"
)

// Runner errors.
var (
	ErrUnknownKind = errors.New("no executor registered for job kind")
	ErrJobFailed   = errors.New("job failed")
	ErrJobTimeout  = errors.New("job timed out")
)

const (
	stepInitializing = "Initializing..."
	interruptedMsg   = "interrupted by server restart"
	defaultProgress  = 10
)

// RunnerConfig holds configuration for the Runner.
type RunnerConfig struct {
	// WorkerCount determines how many jobs run concurrently
	WorkerCount int

	// QueueSize bounds the number of jobs waiting for a worker
	QueueSize int

	// JobTimeout bounds a single execution. Zero disables the limit.
	JobTimeout time.Duration

	// RecoverAge is how long a non-terminal task must have gone without an
	// update before Start fails it. Tasks run by other instances keep
	// reporting and stay younger than this. Zero disables startup recovery.
	RecoverAge time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount: 2,
		QueueSize:   100,
		JobTimeout:  10 * time.Minute,
		RecoverAge:  time.Hour,
	}
}

// Runner accepts jobs, persists their task records and executes them on a
// worker pool. Every accepted job ends in SUCCESS or FAILURE.
type Runner struct {
	store     store.TaskStore
	publisher *Publisher
	executors *pipeline.Registry
	queue     *TaskQueue
	pool      *WorkerPool
	config    RunnerConfig
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewRunner creates a Runner. Call Start before submitting jobs.
func NewRunner(
	st store.TaskStore,
	publisher *Publisher,
	executors *pipeline.Registry,
	config RunnerConfig,
	logger *slog.Logger,
	metrics *telemetry.Metrics,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job_runner")

	r := &Runner{
		store:     st,
		publisher: publisher,
		executors: executors,
		queue:     NewTaskQueue(config.QueueSize, logger),
		config:    config,
		logger:    logger,
		metrics:   metrics,
		inFlight:  make(map[string]struct{}),
	}

	r.pool = NewWorkerPool(r.queue, r.process, WorkerPoolConfig{WorkerCount: config.WorkerCount}, logger)
	r.pool.SetErrorHandler(func(job Job, err error) {
		r.logger.Info("job finished with failure",
			"task_id", job.TaskID,
			"kind", job.Kind,
			"queued_for", time.Since(job.EnqueuedAt).String(),
			"error", err)
	})

	return r
}

// Start fails tasks left unfinished by a previous process and starts the
// workers.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	r.pool.Start()
	return nil
}

// Stop closes the queue and waits for running jobs, bounded by ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.queue.Close()
	return r.pool.Stop(ctx)
}

// Submit creates a PENDING task for spec and queues it. An empty taskID is
// replaced by a generated UUID. When the queue is full the task is recorded
// as FAILURE and ErrQueueFull is returned.
func (r *Runner) Submit(
	ctx context.Context,
	taskID string,
	ownerID uuid.UUID,
	spec JobSpec,
) (*domain.Task, error) {
	if _, ok := r.executors.Lookup(spec.Kind); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}

	task, err := r.store.CreateTask(ctx, taskID, ownerID, spec.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	job := Job{
		TaskID:     taskID,
		OwnerID:    ownerID,
		Kind:       spec.Kind,
		Input:      spec.Input,
		EnqueuedAt: time.Now(),
	}

	r.track(taskID)
	if err := r.queue.Enqueue(job); err != nil {
		r.untrack(taskID)
		r.logger.Warn("rejecting job", "task_id", taskID, "kind", spec.Kind, "error", err)
		reason := ErrQueueFull.Error()
		if errors.Is(err, ErrQueueClosed) {
			reason = ErrQueueClosed.Error()
		}
		if _, failErr := r.publisher.Fail(context.WithoutCancel(ctx), taskID, reason); failErr != nil {
			r.logger.Error("failed to record rejected job", "task_id", taskID, "error", failErr)
		}
		return nil, err
	}

	r.metrics.TaskSubmitted(ctx, spec.Kind)
	r.logger.Info("job submitted", "task_id", taskID, "kind", spec.Kind, "owner_id", ownerID)
	return task, nil
}

// InFlight reports whether taskID is queued or running in this process.
func (r *Runner) InFlight(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[taskID]
	return ok
}

// Recover fails non-terminal tasks not updated within RecoverAge, left
// behind by a process that stopped. The store may be shared with other
// instances, so younger tasks are left to their runners and the reaper.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	if r.config.RecoverAge <= 0 {
		return 0, nil
	}
	n, err := failStale(ctx, r.store, r.publisher, r.config.RecoverAge, interruptedMsg, r.InFlight, r.logger)
	if err != nil {
		return n, err
	}
	if n > 0 {
		r.logger.Info("failed tasks interrupted by restart", "count", n)
	}
	return n, nil
}

func (r *Runner) track(taskID string) {
	r.mu.Lock()
	r.inFlight[taskID] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrack(taskID string) {
	r.mu.Lock()
	delete(r.inFlight, taskID)
	r.mu.Unlock()
}

// process is the worker pool's JobHandler.
func (r *Runner) process(ctx context.Context, job Job) error {
	defer r.untrack(job.TaskID)

	logger := r.logger.With("task_id", job.TaskID, "kind", job.Kind)
	start := time.Now()

	if _, err := r.publisher.Started(ctx, job.TaskID, stepInitializing); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			logger.Warn("skipping job for finished task")
			return nil
		}
		r.fail(ctx, job, start, err)
		return err
	}

	executor, ok := r.executors.Lookup(job.Kind)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
		r.fail(ctx, job, start, err)
		return err
	}

	result, err := r.execute(ctx, job, executor)
	if err != nil {
		r.fail(ctx, job, start, err)
		return fmt.Errorf("%w: %w", ErrJobFailed, err)
	}

	if _, err := r.publisher.Complete(ctx, job.TaskID, result); err != nil {
		// the stale reaper fails the task later if this never lands
		logger.Error("failed to record job success", "error", err)
		return err
	}

	r.metrics.TaskFinished(ctx, job.Kind, string(domain.TaskStatusSuccess), time.Since(start).Seconds())
	logger.Info("job completed", "duration", time.Since(start).String())
	return nil
}

// execute runs the executor with the job timeout, turning panics into
// errors. Checkpoints arriving after execute returned are discarded.
func (r *Runner) execute(
	ctx context.Context,
	job Job,
	executor pipeline.Executor,
) (map[string]any, error) {
	if r.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.JobTimeout)
		defer cancel()
	}

	var finished atomic.Bool
	defer finished.Store(true)

	checkpoint := func(percent int, step string) {
		if finished.Load() {
			return
		}
		if _, err := r.publisher.Progress(context.WithoutCancel(ctx), job.TaskID, percent, step); err != nil {
			r.logger.Warn("failed to record checkpoint",
				"task_id", job.TaskID,
				"percent", percent,
				"error", err)
		}
	}

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		var out outcome
		defer func() {
			if rec := recover(); rec != nil {
				out = outcome{err: fmt.Errorf("executor panicked: %v", rec)}
			}
			done <- out
		}()

		if ce, ok := executor.(pipeline.CheckpointExecutor); ok {
			out.result, out.err = ce.ExecuteWithCheckpoints(ctx, job.Input, checkpoint)
			return
		}
		checkpoint(defaultProgress, fmt.Sprintf("Running %s...", job.Kind))
		out.result, out.err = executor.Execute(ctx, job.Input)
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrJobTimeout, r.config.JobTimeout)
		}
		return nil, ctx.Err()
	}
}

func (r *Runner) fail(ctx context.Context, job Job, start time.Time, cause error) {
	r.metrics.TaskFinished(ctx, job.Kind, string(domain.TaskStatusFailure), time.Since(start).Seconds())

	if _, err := r.publisher.Fail(ctx, job.TaskID, cause.Error()); err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		r.logger.Error("failed to record job failure",
			"task_id", job.TaskID,
			"cause", cause,
			"error", err)
	}
}
