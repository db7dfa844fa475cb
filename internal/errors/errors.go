package errors

import (
	"context"
	"errors"
	"fmt"
)

// RAGError is the structured error type for hybridrag.
// It carries enough context to decide between retrying, rejecting, and reporting.
type RAGError struct {
	// Code is the unique error code (e.g., "ERR_404_QUERY_EMPTY").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Upstream, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates the failure is transient and the call may be repeated.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *RAGError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *RAGError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *RAGError) Is(target error) bool {
	if t, ok := target.(*RAGError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *RAGError) WithDetail(key, value string) *RAGError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *RAGError) WithSuggestion(suggestion string) *RAGError {
	e.Suggestion = suggestion
	return e
}

// New creates a new RAGError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *RAGError {
	return &RAGError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a RAGError from an existing error.
func Wrap(code string, err error) *RAGError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *RAGError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StorageError creates a storage write error.
func StorageError(message string, cause error) *RAGError {
	return New(ErrCodeStoreWrite, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are retryable.
func NetworkError(message string, cause error) *RAGError {
	return New(ErrCodeNetworkTimeout, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *RAGError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *RAGError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first RAGError in err's chain.
func As(err error) (*RAGError, bool) {
	var re *RAGError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient failure.
// Deadline expiry counts as transient; plain errors do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := As(err); ok {
		return re.Retryable
	}
	return isDeadline(err)
}

// IsValidation reports whether err was caused by bad input.
func IsValidation(err error) bool {
	re, ok := As(err)
	return ok && re.Category == CategoryValidation
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	re, ok := As(err)
	return ok && re.Severity == SeverityFatal
}

// GetCode extracts the error code from a RAGError.
// Returns empty string if err does not wrap one.
func GetCode(err error) string {
	if re, ok := As(err); ok {
		return re.Code
	}
	return ""
}

// GetCategory extracts the category from a RAGError.
func GetCategory(err error) Category {
	if re, ok := As(err); ok {
		return re.Category
	}
	return ""
}

func isDeadline(err error) bool {
	type timeout interface{ Timeout() bool }
	var te timeout
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
