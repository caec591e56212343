package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/recollection-api/internal/bus"
	"github.com/phrazzld/recollection-api/internal/domain"
	"github.com/phrazzld/recollection-api/internal/events"
	"github.com/phrazzld/recollection-api/internal/platform/telemetry"
	"github.com/phrazzld/recollection-api/internal/store"
)

// Report is a progress report for one task. Nil fields are left unchanged.
type Report struct {
	Status  *domain.TaskStatus
	Percent *int
	Step    *string
	Result  map[string]any
	Error   *string
}

// Publisher records task progress and announces it to observers.
type Publisher struct {
	store   store.TaskStore
	bus     bus.Bus
	log     *slog.Logger
	metrics *telemetry.Metrics
}

// NewPublisher creates a Publisher. metrics may be nil.
func NewPublisher(st store.TaskStore, b bus.Bus, log *slog.Logger, metrics *telemetry.Metrics) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		store:   st,
		bus:     b,
		log:     log.With("component", "progress_publisher"),
		metrics: metrics,
	}
}

// Report applies r to the stored task and publishes the resulting state.
//
// The store is updated first and is the source of truth. A publish failure
// is logged and counted but never returned, and never undoes the update.
// Store errors are returned wrapped; a finished task yields
// store.ErrAlreadyTerminal.
func (p *Publisher) Report(ctx context.Context, taskID string, r Report) (*domain.Task, error) {
	task, err := p.store.UpdateTask(ctx, taskID, domain.TaskUpdate{
		Status:          r.Status,
		ProgressPercent: r.Percent,
		CurrentStep:     r.Step,
		Result:          r.Result,
		ErrorMessage:    r.Error,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}

	p.publish(ctx, task)
	return task, nil
}

// Started moves a task to STARTED.
func (p *Publisher) Started(ctx context.Context, taskID, step string) (*domain.Task, error) {
	return p.Report(ctx, taskID, Report{
		Status:  domain.StatusPtr(domain.TaskStatusStarted),
		Percent: intPtr(0),
		Step:    &step,
	})
}

// Progress moves a task to PROGRESS at percent.
func (p *Publisher) Progress(ctx context.Context, taskID string, percent int, step string) (*domain.Task, error) {
	return p.Report(ctx, taskID, Report{
		Status:  domain.StatusPtr(domain.TaskStatusProgress),
		Percent: &percent,
		Step:    &step,
	})
}

// Complete moves a task to SUCCESS with its result.
func (p *Publisher) Complete(ctx context.Context, taskID string, result map[string]any) (*domain.Task, error) {
	if result == nil {
		result = map[string]any{}
	}
	step := "Completed"
	return p.Report(ctx, taskID, Report{
		Status:  domain.StatusPtr(domain.TaskStatusSuccess),
		Percent: intPtr(100),
		Step:    &step,
		Result:  result,
	})
}

// Fail moves a task to FAILURE with message.
func (p *Publisher) Fail(ctx context.Context, taskID, message string) (*domain.Task, error) {
	return p.Report(ctx, taskID, Report{
		Status: domain.StatusPtr(domain.TaskStatusFailure),
		Error:  &message,
	})
}

func (p *Publisher) publish(ctx context.Context, task *domain.Task) {
	e := events.FromTask(task)
	err := p.send(ctx, e)
	if errors.Is(err, bus.ErrPayloadTooLarge) && e.IsTerminal() {
		// observers must still learn the task finished
		p.log.Info("terminal event too large, publishing truncated event",
			"task_id", task.ID,
			"event", e.Event)
		e = events.Truncate(e)
		err = p.send(ctx, e)
	}
	p.metrics.Published(ctx, err)

	if err != nil {
		p.log.Warn("failed to publish task event",
			"task_id", task.ID,
			"event", e.Event,
			"error", err)
		return
	}

	p.log.Debug("task event published",
		"task_id", task.ID,
		"event", e.Event,
		"status", task.Status,
		"progress_percent", task.ProgressPercent)
}

func (p *Publisher) send(ctx context.Context, e events.Event) error {
	payload, err := events.Encode(e)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, events.ChannelForTask(e.TaskID), payload)
}

func intPtr(v int) *int { return &v }
