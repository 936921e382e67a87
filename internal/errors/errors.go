package errors

import (
	stderrors "errors"
	"fmt"
)

// ScoutError is the structured error type for imgscout.
// It carries a stable code so callers can branch with errors.Is.
type ScoutError struct {
	// Code is the unique error code (e.g., "ERR_301_WORKER_CRASHED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is derived from the code.
	Category Category

	// Severity is derived from the code.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *ScoutError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *ScoutError) Unwrap() error {
	return e.Cause
}

// Is matches another ScoutError by code.
func (e *ScoutError) Is(target error) bool {
	if t, ok := target.(*ScoutError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *ScoutError) WithDetail(key, value string) *ScoutError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *ScoutError) WithSuggestion(suggestion string) *ScoutError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ScoutError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *ScoutError {
	return &ScoutError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a ScoutError from an existing error.
func Wrap(code string, err error) *ScoutError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Code returns a bare ScoutError usable as an errors.Is target.
func Code(code string) *ScoutError {
	return &ScoutError{Code: code}
}

// ConfigError creates a fatal configuration error.
func ConfigError(message string, cause error) *ScoutError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation error.
func ValidationError(code, message string) *ScoutError {
	return New(code, message, nil)
}

// StoreError wraps a metadata or vector store failure.
func StoreError(message string, cause error) *ScoutError {
	return New(ErrCodeStoreFailed, message, cause)
}

// IsRetryable checks if an error chain contains a retryable ScoutError.
func IsRetryable(err error) bool {
	var se *ScoutError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsFatal checks if an error chain contains a fatal ScoutError.
func IsFatal(err error) bool {
	var se *ScoutError
	if stderrors.As(err, &se) {
		return se.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the first error code in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var se *ScoutError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetCategory extracts the category of the first ScoutError in the chain.
func GetCategory(err error) Category {
	var se *ScoutError
	if stderrors.As(err, &se) {
		return se.Category
	}
	return ""
}
