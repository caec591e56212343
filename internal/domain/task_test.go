package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	t.Parallel()

	owner := uuid.New()
	task, err := NewTask("abc", owner, "content.load")
	require.NoError(t, err)

	assert.Equal(t, "abc", task.ID)
	assert.Equal(t, owner, task.OwnerID)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.ProgressPercent)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.False(t, task.CreatedAt.IsZero())

	_, err = NewTask("", owner, "content.load")
	assert.ErrorIs(t, err, ErrEmptyTaskID)

	_, err = NewTask("abc", uuid.Nil, "content.load")
	assert.ErrorIs(t, err, ErrEmptyTaskOwner)

	_, err = NewTask("abc", owner, "")
	assert.ErrorIs(t, err, ErrEmptyTaskKind)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskStatusPending, TaskStatusStarted, true},
		{TaskStatusPending, TaskStatusProgress, true},
		{TaskStatusPending, TaskStatusFailure, true},
		{TaskStatusPending, TaskStatusSuccess, false},
		{TaskStatusStarted, TaskStatusProgress, true},
		{TaskStatusStarted, TaskStatusSuccess, true},
		{TaskStatusStarted, TaskStatusFailure, true},
		{TaskStatusStarted, TaskStatusPending, false},
		{TaskStatusProgress, TaskStatusProgress, true},
		{TaskStatusProgress, TaskStatusSuccess, true},
		{TaskStatusProgress, TaskStatusStarted, false},
		{TaskStatusSuccess, TaskStatusFailure, false},
		{TaskStatusFailure, TaskStatusSuccess, false},
		{TaskStatusSuccess, TaskStatusSuccess, false},
		{TaskStatusPending, TaskStatus("bogus"), false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTaskApply_Lifecycle(t *testing.T) {
	t.Parallel()

	task, err := NewTask("abc", uuid.New(), "content.load")
	require.NoError(t, err)

	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	step := "Initializing..."
	require.NoError(t, task.Apply(TaskUpdate{
		Status:          StatusPtr(TaskStatusStarted),
		ProgressPercent: intPtr(0),
		CurrentStep:     &step,
	}, t0))
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, t0, *task.StartedAt)

	t1 := t0.Add(time.Second)
	require.NoError(t, task.Apply(TaskUpdate{
		Status:          StatusPtr(TaskStatusProgress),
		ProgressPercent: intPtr(10),
	}, t1))
	assert.Equal(t, t0, *task.StartedAt, "StartedAt must only be set once")
	assert.Equal(t, 10, task.ProgressPercent)

	t2 := t1.Add(time.Second)
	require.NoError(t, task.Apply(TaskUpdate{
		Status:          StatusPtr(TaskStatusSuccess),
		ProgressPercent: intPtr(100),
		Result:          map[string]any{"content_id": "c1"},
	}, t2))
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, t2, *task.CompletedAt)
	assert.Equal(t, "c1", task.Result["content_id"])

	msg := "late"
	err = task.Apply(TaskUpdate{
		Status:       StatusPtr(TaskStatusFailure),
		ErrorMessage: &msg,
	}, t2.Add(time.Second))
	assert.ErrorIs(t, err, ErrTaskTerminal)
	assert.Equal(t, TaskStatusSuccess, task.Status, "terminal task must not change")
	assert.Nil(t, task.ErrorMessage)
}

func TestTaskApply_PercentMonotonic(t *testing.T) {
	t.Parallel()

	task, err := NewTask("p", uuid.New(), "content.load")
	require.NoError(t, err)

	now := time.Now().UTC()
	for _, pct := range []int{30, 10, 150, 50, -5} {
		require.NoError(t, task.Apply(TaskUpdate{
			Status:          StatusPtr(TaskStatusProgress),
			ProgressPercent: intPtr(pct),
		}, now))
	}

	assert.Equal(t, 100, task.ProgressPercent, "percent is clamped and never decreases")
}

func TestTaskApply_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		update  TaskUpdate
		wantErr error
	}{
		{
			name:    "success straight from pending",
			update:  TaskUpdate{Status: StatusPtr(TaskStatusSuccess)},
			wantErr: ErrInvalidTaskTransition,
		},
		{
			name:    "unknown status",
			update:  TaskUpdate{Status: StatusPtr(TaskStatus("DONE"))},
			wantErr: ErrInvalidTaskStatus,
		},
		{
			name:    "result without success",
			update:  TaskUpdate{Status: StatusPtr(TaskStatusStarted), Result: map[string]any{"a": 1}},
			wantErr: ErrResultWithoutSuccess,
		},
		{
			name:    "error without failure",
			update:  TaskUpdate{ErrorMessage: strPtr("boom")},
			wantErr: ErrErrorWithoutFailure,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task, err := NewTask("r", uuid.New(), "content.load")
			require.NoError(t, err)

			err = task.Apply(tc.update, time.Now().UTC())
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, TaskStatusPending, task.Status)
		})
	}
}

func TestTaskApply_FailureBeforeStart(t *testing.T) {
	t.Parallel()

	task, err := NewTask("f", uuid.New(), "course.generate")
	require.NoError(t, err)

	require.NoError(t, task.Apply(TaskUpdate{
		Status:       StatusPtr(TaskStatusFailure),
		ErrorMessage: strPtr("task queue is full"),
	}, time.Now().UTC()))

	assert.Equal(t, TaskStatusFailure, task.Status)
	assert.Nil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "task queue is full", *task.ErrorMessage)
}

func TestTaskClone(t *testing.T) {
	t.Parallel()

	task, err := NewTask("c", uuid.New(), "content.load")
	require.NoError(t, err)
	task.CurrentStep = strPtr("one")
	task.Result = map[string]any{"k": "v"}

	clone := task.Clone()
	*clone.CurrentStep = "two"
	clone.Result["k"] = "changed"

	assert.Equal(t, "one", *task.CurrentStep)
	assert.Equal(t, "v", task.Result["k"])
}

func TestTaskClone_NestedResult(t *testing.T) {
	t.Parallel()

	task, err := NewTask("n", uuid.New(), "course_generate")
	require.NoError(t, err)
	task.Result = map[string]any{
		"course":  map[string]any{"title": "Go"},
		"lessons": []any{map[string]any{"id": "l1"}, "l2"},
		"tags":    []string{"a"},
	}

	clone := task.Clone()
	clone.Result["course"].(map[string]any)["title"] = "changed"
	clone.Result["lessons"].([]any)[0].(map[string]any)["id"] = "changed"
	clone.Result["lessons"].([]any)[1] = "changed"
	clone.Result["tags"].([]string)[0] = "changed"

	assert.Equal(t, "Go", task.Result["course"].(map[string]any)["title"])
	assert.Equal(t, "l1", task.Result["lessons"].([]any)[0].(map[string]any)["id"])
	assert.Equal(t, "l2", task.Result["lessons"].([]any)[1])
	assert.Equal(t, []string{"a"}, task.Result["tags"])
}

func TestTaskApply_CopiesNestedResult(t *testing.T) {
	t.Parallel()

	task, err := NewTask("r", uuid.New(), "course_generate")
	require.NoError(t, err)

	nested := map[string]any{"title": "Go"}
	require.NoError(t, task.Apply(TaskUpdate{Status: StatusPtr(TaskStatusStarted)}, time.Now()))
	require.NoError(t, task.Apply(TaskUpdate{
		Status: StatusPtr(TaskStatusSuccess),
		Result: map[string]any{"course": nested},
	}, time.Now()))

	nested["title"] = "changed"
	assert.Equal(t, "Go", task.Result["course"].(map[string]any)["title"])
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
