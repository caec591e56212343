package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/recollection-api/internal/domain"
	"github.com/phrazzld/recollection-api/internal/platform/logger"
	"github.com/phrazzld/recollection-api/internal/store"
)

const taskColumns = `task_id, owner_id, kind, status, progress_percent, current_step,
	result_json, error_message, created_at, started_at, completed_at, updated_at`

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db *sql.DB) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateTask implements store.TaskStore.
func (s *PostgresTaskStore) CreateTask(
	ctx context.Context,
	taskID string,
	ownerID uuid.UUID,
	kind string,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	t, err := domain.NewTask(taskID, ownerID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	t.CreatedAt = s.now()
	t.UpdatedAt = t.CreatedAt

	query := `
		INSERT INTO task_status (task_id, owner_id, kind, status, progress_percent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.OwnerID,
		t.Kind,
		string(t.Status),
		t.ProgressPercent,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateTask, taskID)
		}
		log.Error("failed to create task",
			"task_id", taskID,
			"kind", kind,
			"error", err)
		return nil, store.NewStoreError("task", "create", "insert failed", MapError(err))
	}

	return t, nil
}

// UpdateTask implements store.TaskStore. The row is locked with
// SELECT ... FOR UPDATE so concurrent reports for one task are serialized
// while other tasks proceed.
func (s *PostgresTaskStore) UpdateTask(
	ctx context.Context,
	taskID string,
	update domain.TaskUpdate,
) (*domain.Task, error) {
	var updated *domain.Task

	err := store.RunInTransaction(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM task_status WHERE task_id = $1 FOR UPDATE`, taskID)

		current, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
			}
			return store.NewStoreError("task", "update", "row lock failed", MapError(err))
		}

		if err := current.Apply(update, s.now()); err != nil {
			return store.MapTaskUpdateError(err)
		}

		resultJSON, err := marshalResult(current.Result)
		if err != nil {
			return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE task_status
			SET status = $2,
				progress_percent = $3,
				current_step = $4,
				result_json = $5,
				error_message = $6,
				started_at = $7,
				completed_at = $8,
				updated_at = $9
			WHERE task_id = $1
		`,
			current.ID,
			string(current.Status),
			current.ProgressPercent,
			current.CurrentStep,
			resultJSON,
			current.ErrorMessage,
			current.StartedAt,
			current.CompletedAt,
			current.UpdatedAt,
		)
		if err != nil {
			if IsCheckConstraintViolation(err) {
				return MapError(err)
			}
			return store.NewStoreError("task", "update", "write failed", MapError(err))
		}

		updated = current
		return nil
	})
	if err != nil {
		if !store.IsNotFoundError(err) &&
			!errors.Is(err, store.ErrAlreadyTerminal) &&
			!errors.Is(err, store.ErrInvalidTransition) {
			logger.FromContext(ctx).Error("failed to update task",
				"task_id", taskID,
				"error", err)
		}
		return nil, err
	}

	return updated, nil
}

// GetTask implements store.TaskStore.
func (s *PostgresTaskStore) GetTask(ctx context.Context, taskID string, ownerID uuid.UUID) (*domain.Task, error) {
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
func (s *PostgresTaskStore) GetTaskByID(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_status WHERE task_id = $1`, taskID)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, taskID)
		}
		logger.FromContext(ctx).Error("failed to get task",
			"task_id", taskID,
			"error", err)
		return nil, store.NewStoreError("task", "get", "query failed", MapError(err))
	}
	return t, nil
}

// ListTasks implements store.TaskStore.
func (s *PostgresTaskStore) ListTasks(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM task_status
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
}

// ListStaleTasks implements store.TaskStore.
func (s *PostgresTaskStore) ListStaleTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM task_status
		WHERE status NOT IN ('SUCCESS', 'FAILURE') AND updated_at < $1
		ORDER BY created_at ASC
	`, s.now().Add(-olderThan))
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query tasks", "error", err)
		return nil, store.NewStoreError("task", "list", "query failed", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return tasks, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t            domain.Task
		status       string
		currentStep  sql.NullString
		resultJSON   []byte
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Kind,
		&status,
		&t.ProgressPercent,
		&currentStep,
		&resultJSON,
		&errorMessage,
		&t.CreatedAt,
		&startedAt,
		&completedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	if currentStep.Valid {
		t.CurrentStep = &currentStep.String
	}
	if errorMessage.Valid {
		t.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		ts := startedAt.Time.UTC()
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time.UTC()
		t.CompletedAt = &ts
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode task result: %w", err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()

	return &t, nil
}

func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}
