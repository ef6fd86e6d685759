package errors

import (
	"errors"
	"fmt"
)

// FathomError is the structured error type for Fathom.
// It provides rich context for error handling, logging, and user presentation.
type FathomError struct {
	// Code is the unique error code (e.g., "ERR_301_EMBED_BACKEND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *FathomError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *FathomError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with FathomError.
func (e *FathomError) Is(target error) bool {
	if t, ok := target.(*FathomError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *FathomError) WithDetail(key, value string) *FathomError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new FathomError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *FathomError {
	return &FathomError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a FathomError from an existing error.
// The error's message becomes the FathomError message.
func Wrap(code string, err error) *FathomError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *FathomError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// BackendError creates a model-backend error with the given code.
// Backend errors are retryable and never fatal to a retrieval run.
func BackendError(code, message string, cause error) *FathomError {
	return New(code, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *FathomError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *FathomError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a FathomError with the Retryable flag set.
func IsRetryable(err error) bool {
	var fe *FathomError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var fe *FathomError
	if errors.As(err, &fe) {
		return fe.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a FathomError.
// Returns empty string if not a FathomError.
func GetCode(err error) string {
	var fe *FathomError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
