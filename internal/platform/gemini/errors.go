package gemini

import "errors"

// Error definitions for the gemini package.
var (
	// ErrInvalidConfig is returned when the executor configuration is invalid
	ErrInvalidConfig = errors.New("invalid gemini configuration")

	// ErrInvalidInput is returned when the job input does not fit the prompt
	ErrInvalidInput = errors.New("invalid job input")

	// ErrInvalidResponse is returned when the model response cannot be parsed
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned when retries are exhausted
	ErrTransientFailure = errors.New("transient error calling language model")
)
