package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/recollection-api/internal/domain"
)

// TaskStore defines the interface for task status persistence.
//
// Every update is atomic per task: concurrent updates to the same task are
// serialized, while updates to different tasks do not block each other.
type TaskStore interface {
	// CreateTask inserts a new PENDING task at 0% progress.
	// Returns ErrDuplicateTask if a task with the same ID exists.
	CreateTask(ctx context.Context, taskID string, ownerID uuid.UUID, kind string) (*domain.Task, error)

	// UpdateTask applies a partial update and returns the resulting record.
	// Returns ErrTaskNotFound if the task does not exist, ErrAlreadyTerminal if
	// the task has already completed, ErrInvalidTransition for a disallowed
	// status change and ErrInvalidEntity for any other invalid update.
	UpdateTask(ctx context.Context, taskID string, update domain.TaskUpdate) (*domain.Task, error)

	// GetTask retrieves a task scoped to its owner.
	// Returns ErrTaskNotFound if absent and ErrAccessDenied on owner mismatch.
	GetTask(ctx context.Context, taskID string, ownerID uuid.UUID) (*domain.Task, error)

	// GetTaskByID retrieves a task without an owner check.
	GetTaskByID(ctx context.Context, taskID string) (*domain.Task, error)

	// ListTasks returns the owner's most recent tasks, newest first.
	ListTasks(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)

	// ListStaleTasks returns non-terminal tasks not updated within olderThan.
	ListStaleTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error)
}
