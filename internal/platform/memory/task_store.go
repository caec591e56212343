// Package memory provides in-process implementations of the store
// interfaces, used when no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/recollection-api/internal/domain"
	"github.com/phrazzld/recollection-api/internal/store"
)

type taskEntry struct {
	mu   sync.Mutex
	task *domain.Task
}

// TaskStore is an in-memory store.TaskStore.
//
// The map lock only guards membership. Each task carries its own mutex, so
// updates to different tasks never wait on each other.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
	now   func() time.Time
}

var _ store.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*taskEntry),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateTask implements store.TaskStore.
func (s *TaskStore) CreateTask(
	ctx context.Context,
	taskID string,
	ownerID uuid.UUID,
	kind string,
) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := domain.NewTask(taskID, ownerID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[taskID]; exists {
		return nil, fmt.Errorf("%w: %s", store.ErrDuplicateTask, taskID)
	}
	s.tasks[taskID] = &taskEntry{task: t}

	return t.Clone(), nil
}

// UpdateTask implements store.TaskStore.
func (s *TaskStore) UpdateTask(
	ctx context.Context,
	taskID string,
	update domain.TaskUpdate,
) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e, ok := s.entry(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// apply to a copy so a rejected update leaves no partial state
	next := e.task.Clone()
	if err := next.Apply(update, s.now()); err != nil {
		return nil, store.MapTaskUpdateError(err)
	}
	e.task = next

	return next.Clone(), nil
}

// GetTask implements store.TaskStore.
func (s *TaskStore) GetTask(ctx context.Context, taskID string, ownerID uuid.UUID) (*domain.Task, error) {
	t, err := s.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: task %s", store.ErrAccessDenied, taskID)
	}
	return t, nil
}

// GetTaskByID implements store.TaskStore.
func (s *TaskStore) GetTaskByID(ctx context.Context, taskID string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e, ok := s.entry(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// ListTasks implements store.TaskStore.
func (s *TaskStore) ListTasks(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	return s.collect(ctx, limit, func(t *domain.Task) bool {
		return t.OwnerID == ownerID
	})
}

// ListStaleTasks implements store.TaskStore.
func (s *TaskStore) ListStaleTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error) {
	cutoff := s.now().Add(-olderThan)
	return s.collect(ctx, 0, func(t *domain.Task) bool {
		return !t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff)
	})
}

func (s *TaskStore) entry(taskID string) (*taskEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[taskID]
	return e, ok
}

// collect returns matching tasks newest first, truncated to limit when limit > 0.
func (s *TaskStore) collect(ctx context.Context, limit int, match func(*domain.Task) bool) ([]*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := make([]*taskEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]*domain.Task, 0)
	for _, e := range entries {
		e.mu.Lock()
		if match(e.task) {
			result = append(result, e.task.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}
