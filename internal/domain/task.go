package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a background task.
type TaskStatus string

// Possible task status values. The upper-case spelling is part of the wire
// format consumed by clients.
const (
	TaskStatusPending  TaskStatus = "PENDING"
	TaskStatusStarted  TaskStatus = "STARTED"
	TaskStatusProgress TaskStatus = "PROGRESS"
	TaskStatusSuccess  TaskStatus = "SUCCESS"
	TaskStatusFailure  TaskStatus = "FAILURE"
)

// Validation errors for Task and TaskUpdate.
var (
	ErrEmptyTaskID           = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwner        = errors.New("task owner ID cannot be empty")
	ErrEmptyTaskKind         = errors.New("task kind cannot be empty")
	ErrInvalidTaskStatus     = errors.New("invalid task status")
	ErrTaskTerminal          = errors.New("task is in a terminal state")
	ErrInvalidTaskTransition = errors.New("invalid task status transition")
	ErrResultWithoutSuccess  = errors.New("result may only be set with SUCCESS status")
	ErrErrorWithoutFailure   = errors.New("error message may only be set with FAILURE status")
)

// IsValid reports whether s is one of the known statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusStarted, TaskStatusProgress,
		TaskStatusSuccess, TaskStatusFailure:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is SUCCESS or FAILURE.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure
}

// CanTransition reports whether a task may move from one status to another.
//
// The lifecycle is PENDING -> STARTED -> PROGRESS* -> SUCCESS|FAILURE. Progress
// reported before an explicit start is accepted, and any non-terminal task may
// fail. Repeating the current non-terminal status is allowed so that step and
// percent can be updated without a status change.
func CanTransition(from, to TaskStatus) bool {
	if from.IsTerminal() || !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	if to == TaskStatusFailure {
		return true
	}

	switch from {
	case TaskStatusPending:
		return to == TaskStatusStarted || to == TaskStatusProgress
	case TaskStatusStarted:
		return to == TaskStatusProgress || to == TaskStatusSuccess
	case TaskStatusProgress:
		return to == TaskStatusSuccess
	default:
		return false
	}
}

// Task is the durable record of one background job's lifecycle.
type Task struct {
	ID              string         `json:"task_id"`
	OwnerID         uuid.UUID      `json:"owner_id"`
	Kind            string         `json:"kind"`
	Status          TaskStatus     `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	CurrentStep     *string        `json:"current_step,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    *string        `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// NewTask creates a PENDING task at 0% progress.
func NewTask(id string, ownerID uuid.UUID, kind string) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:        id,
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}

// Validate checks the structural fields of the task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrEmptyTaskID
	}
	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwner
	}
	if t.Kind == "" {
		return ErrEmptyTaskKind
	}
	if !t.Status.IsValid() {
		return ErrInvalidTaskStatus
	}
	return nil
}

// Clone returns a copy of t that shares no mutable state with it.
func (t *Task) Clone() *Task {
	c := *t
	if t.CurrentStep != nil {
		step := *t.CurrentStep
		c.CurrentStep = &step
	}
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		c.ErrorMessage = &msg
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.Result != nil {
		c.Result = cloneResult(t.Result)
	}
	return &c
}

// cloneResult deep-copies the maps and slices of a decoded JSON object.
// Other values are immutable or copied by value.
func cloneResult(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneResult(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = cloneResult(item)
		}
		return out
	default:
		return v
	}
}

// TaskUpdate carries a partial update. Nil fields are left unchanged.
type TaskUpdate struct {
	Status          *TaskStatus
	ProgressPercent *int
	CurrentStep     *string
	Result          map[string]any
	ErrorMessage    *string
}

// Apply validates u against the current state of t and mutates t in place.
//
// Terminal tasks are never modified. Progress is clamped to [0,100] and a
// value lower than the current one is ignored. StartedAt is stamped on the
// first move out of PENDING and CompletedAt on the move to a terminal status.
func (t *Task) Apply(u TaskUpdate, now time.Time) error {
	if t.Status.IsTerminal() {
		return ErrTaskTerminal
	}

	next := t.Status
	if u.Status != nil {
		if !u.Status.IsValid() {
			return fmt.Errorf("%w: %q", ErrInvalidTaskStatus, *u.Status)
		}
		if !CanTransition(t.Status, *u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTaskTransition, t.Status, *u.Status)
		}
		next = *u.Status
	}

	if u.Result != nil && next != TaskStatusSuccess {
		return ErrResultWithoutSuccess
	}
	if u.ErrorMessage != nil && next != TaskStatusFailure {
		return ErrErrorWithoutFailure
	}

	if u.ProgressPercent != nil {
		pct := ClampPercent(*u.ProgressPercent)
		if pct > t.ProgressPercent {
			t.ProgressPercent = pct
		}
	}
	if u.CurrentStep != nil {
		step := *u.CurrentStep
		t.CurrentStep = &step
	}
	if u.Result != nil {
		t.Result = cloneResult(u.Result)
	}
	if u.ErrorMessage != nil {
		msg := *u.ErrorMessage
		t.ErrorMessage = &msg
	}

	if t.StartedAt == nil && (next == TaskStatusStarted || next == TaskStatusProgress) {
		ts := now
		t.StartedAt = &ts
	}
	if next.IsTerminal() && t.CompletedAt == nil {
		ts := now
		t.CompletedAt = &ts
	}

	t.Status = next
	t.UpdatedAt = now
	return nil
}

// ClampPercent bounds p to the closed range [0,100].
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// StatusPtr returns a pointer to s, for building a TaskUpdate.
func StatusPtr(s TaskStatus) *TaskStatus {
	return &s
}
