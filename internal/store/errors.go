package store

import (
	"errors"
	"fmt"

	"github.com/phrazzld/recollection-api/internal/domain"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrAccessDenied is returned when an entity exists but belongs to
	// another owner.
	ErrAccessDenied = errors.New("access denied")

	// ErrAlreadyTerminal is returned when an update targets a task that has
	// already reached SUCCESS or FAILURE. Terminal records are never overwritten.
	ErrAlreadyTerminal = errors.New("task already in terminal state")

	// ErrInvalidTransition is returned when an update requests a status
	// change the task lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrTaskNotFound indicates that the requested task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrDuplicateTask indicates that a task with the given ID already exists.
	ErrDuplicateTask = fmt.Errorf("%w: task", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// MapTaskUpdateError translates a domain error from Task.Apply into the
// store error callers are expected to check for. The domain error is kept
// in the chain for logging.
func MapTaskUpdateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrTaskTerminal):
		return fmt.Errorf("%w: %w", ErrAlreadyTerminal, err)
	case errors.Is(err, domain.ErrInvalidTaskTransition):
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvalidEntity, err)
	}
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "task")
	Operation string // The operation that failed (e.g., "create", "update")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
