package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/recollection-api/internal/service/auth"
	"github.com/phrazzld/recollection-api/internal/store"
	"github.com/phrazzld/recollection-api/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	var verrs validator.ValidationErrors

	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return http.StatusUnauthorized

	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden

	case store.IsNotFoundError(err):
		return http.StatusNotFound

	case store.IsDuplicateError(err):
		return http.StatusConflict

	case errors.Is(err, store.ErrAlreadyTerminal),
		errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, task.ErrUnknownKind),
		errors.As(err, &verrs):
		return http.StatusBadRequest

	case errors.Is(err, task.ErrQueueFull),
		errors.Is(err, task.ErrQueueClosed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var verrs validator.ValidationErrors

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"

	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return "Invalid token"

	case errors.Is(err, store.ErrAccessDenied):
		return "Access denied"

	case store.IsNotFoundError(err):
		return "Task not found"

	case store.IsDuplicateError(err):
		return "Task already exists"

	case errors.Is(err, store.ErrAlreadyTerminal):
		return "Task already finished"

	case errors.Is(err, store.ErrInvalidTransition):
		return "Invalid task status change"

	case errors.Is(err, task.ErrUnknownKind):
		return "Unknown task kind"

	case errors.As(err, &verrs):
		return SanitizeValidationError(err)

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid task data"

	case errors.Is(err, task.ErrQueueFull):
		return "Task queue is full, try again later"

	case errors.Is(err, task.ErrQueueClosed):
		return "Server is shutting down"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError turns validator errors into a message naming the
// first failing field. Other errors yield a generic message.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}

	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url":
		return "invalid URL"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "dive", "uuid", "uuid4":
		return "invalid identifier"
	case "taskid":
		return "only letters, digits and . _ : - are allowed"
	default:
		return "validation failed"
	}
}
