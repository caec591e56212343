package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/phrazzld/recollection-api/internal/store"
)

const staleMessage = "task abandoned: no progress reported"

// ReaperConfig holds configuration for the Reaper.
type ReaperConfig struct {
	// Schedule is a cron spec, e.g. "@every 5m" or "*/10 * * * *".
	Schedule string

	// StaleAge is how long a non-terminal task may go without an update
	StaleAge time.Duration
}

// Reaper periodically fails tasks that stopped making progress and are not
// running in this process, e.g. because the instance that owned them died.
type Reaper struct {
	store     store.TaskStore
	publisher *Publisher
	inFlight  func(taskID string) bool
	config    ReaperConfig
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReaper creates a Reaper. inFlight reports tasks owned by this process;
// typically Runner.InFlight.
func NewReaper(
	st store.TaskStore,
	publisher *Publisher,
	inFlight func(taskID string) bool,
	config ReaperConfig,
	logger *slog.Logger,
) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if inFlight == nil {
		inFlight = func(string) bool { return false }
	}
	return &Reaper{
		store:     st,
		publisher: publisher,
		inFlight:  inFlight,
		config:    config,
		logger:    logger.With("component", "stale_reaper"),
	}
}

// Start schedules Sweep. An invalid schedule is returned as an error.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return nil
	}

	c := cron.New(cron.WithLogger(cronLogger{r.logger}))
	if _, err := c.AddFunc(r.config.Schedule, func() {
		if _, err := r.Sweep(context.Background()); err != nil {
			r.logger.Error("stale task sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.config.Schedule, err)
	}

	c.Start()
	r.cron = c
	r.logger.Info("stale task reaper started",
		"schedule", r.config.Schedule,
		"stale_age", r.config.StaleAge.String())
	return nil
}

// Stop unschedules the reaper and waits for a running sweep, bounded by ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep fails every stale task not in flight and returns how many it failed.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	n, err := failStale(ctx, r.store, r.publisher, r.config.StaleAge, staleMessage, r.inFlight, r.logger)
	if n > 0 {
		r.logger.Info("failed stale tasks", "count", n)
	}
	return n, err
}

// failStale fails non-terminal tasks not updated within olderThan, skipping
// those for which skip returns true. Tasks that finish concurrently are
// ignored.
func failStale(
	ctx context.Context,
	st store.TaskStore,
	publisher *Publisher,
	olderThan time.Duration,
	message string,
	skip func(taskID string) bool,
	logger *slog.Logger,
) (int, error) {
	tasks, err := st.ListStaleTasks(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	failed := 0
	for _, t := range tasks {
		if skip(t.ID) {
			continue
		}
		if _, err := publisher.Fail(ctx, t.ID, message); err != nil {
			if errors.Is(err, store.ErrAlreadyTerminal) {
				continue
			}
			logger.Error("failed to fail stale task", "task_id", t.ID, "error", err)
			continue
		}
		logger.Debug("failed stale task",
			"task_id", t.ID,
			"status", t.Status,
			"updated_at", t.UpdatedAt)
		failed++
	}
	return failed, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
