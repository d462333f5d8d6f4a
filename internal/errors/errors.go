package errors

import (
	"errors"
	"fmt"
)

// Error is the structured error type for Lodestone.
// It provides rich context for error handling, logging, and user presentation.
type Error struct {
	// Code is the unique error code (e.g., "ERR_301_BLOB_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (IO, NotFound, Validation, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with Error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category and severity are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Category: categoryFromCode(code),
		Severity: severityFromCode(code),
		Cause:    cause,
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// NotFound creates a not-found error for a named blob.
func NotFound(name string) *Error {
	return New(ErrCodeBlobNotFound, fmt.Sprintf("blob %q does not exist", name), nil).
		WithDetail("name", name)
}

// Validation creates a validation error for invalid call arguments.
func Validation(message string) *Error {
	return New(ErrCodeInvalidInput, message, nil)
}

// State creates a state error with a specific code.
func State(code string, message string) *Error {
	return New(code, message, nil)
}

// Integrity creates an integrity error with a specific code.
func Integrity(code string, message string) *Error {
	return New(code, message, nil)
}

// IO creates a per-file I/O error. These are counted, never fatal to a scan.
func IO(message string, cause error) *Error {
	return New(ErrCodeFileAccess, message, cause)
}

// Transaction creates a commit-failure error that must roll back the batch.
func Transaction(message string, cause error) *Error {
	return New(ErrCodeCommitFailed, message, cause)
}

// categoryIs reports whether err carries the given category.
func categoryIs(err error, c Category) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == c
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return categoryIs(err, CategoryNotFound) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return categoryIs(err, CategoryValidation) }

// IsState reports whether err is a state error.
func IsState(err error) bool { return categoryIs(err, CategoryState) }

// IsIntegrity reports whether err is an integrity error.
func IsIntegrity(err error) bool { return categoryIs(err, CategoryIntegrity) }

// IsTransaction reports whether err is a transaction failure.
func IsTransaction(err error) bool { return categoryIs(err, CategoryTransaction) }

// GetCode extracts the error code from an Error.
// Returns empty string if not an Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
