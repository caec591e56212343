package task

import (
	"context"
	"log/slog"
	"sync"
)

// JobHandler processes a single job. The context is never cancelled by the
// pool, so a job that has started runs to completion.
type JobHandler func(ctx context.Context, job Job) error

// WorkerPool manages a pool of worker goroutines that process jobs
// from a queue. It handles graceful shutdown and worker lifecycle.
type WorkerPool struct {
	// taskQueue provides read access to the jobs to be processed
	taskQueue TaskQueueReader

	// workerCount is the number of concurrent workers to start
	workerCount int

	handler JobHandler

	// wg tracks active worker goroutines for clean shutdown
	wg sync.WaitGroup

	// ctx is used for shutdown signaling
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger

	// errorHandler is called when a job fails. If nil, errors are only logged.
	errorHandler func(job Job, err error)
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 2,
	}
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(
	taskQueue TaskQueueReader,
	handler JobHandler,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		taskQueue:   taskQueue,
		workerCount: workerCount,
		handler:     handler,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// SetErrorHandler sets the callback for job failures
func (p *WorkerPool) SetErrorHandler(handler func(job Job, err error)) {
	p.errorHandler = handler
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	p.logger.Info("starting worker pool", "worker_count", p.workerCount)
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals the workers to exit and waits until they have, or until ctx
// is done. Jobs in progress are finished first; queued jobs are left behind.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out with jobs still running")
		return ctx.Err()
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("starting worker", "worker_id", id)

	for {
		// shutdown wins over queued work
		select {
		case <-p.ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return
		default:
		}

		select {
		case <-p.ctx.Done():
			p.logger.Debug("stopping worker", "worker_id", id)
			return

		case job, ok := <-p.taskQueue.GetChannel():
			if !ok {
				p.logger.Debug("task channel closed, stopping worker", "worker_id", id)
				return
			}
			p.process(job, id)
		}
	}
}

func (p *WorkerPool) process(job Job, workerID int) {
	logger := p.logger.With(
		"task_id", job.TaskID,
		"kind", job.Kind,
		"worker_id", workerID,
	)
	logger.Debug("processing job")

	if err := p.handler(context.Background(), job); err != nil {
		logger.Error("job failed", "error", err)
		if p.errorHandler != nil {
			p.errorHandler(job, err)
		}
	}
}
