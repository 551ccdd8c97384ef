package domain

import (
	"errors"
	"fmt"
	"time"
)

// AppError is the runtime's structured error. Messages are written to be
// shown to the user by the browser shell; Cause carries the underlying error
// for logs.
type AppError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithOperation tags the error with the operation that produced it
func (e *AppError) WithOperation(op string) *AppError {
	e.Operation = op
	return e
}

// Error codes for the failure taxonomy
const (
	ErrInvalidPath     = "INVALID_PATH"      // install source does not exist
	ErrInvalidFormat   = "INVALID_FORMAT"    // install source is neither a directory nor a zip
	ErrMissingManifest = "MISSING_MANIFEST"  // no manifest.json at the source root
	ErrInvalidManifest = "INVALID_MANIFEST"  // malformed JSON or missing required fields
	ErrFailedToLoad    = "FAILED_TO_LOAD"    // post-copy load failure
	ErrFailedToExtract = "FAILED_TO_EXTRACT" // archive extraction failure
	ErrCompile         = "COMPILE_ERROR"     // rule compilation failure
	ErrMessageDropped  = "MESSAGE_DROPPED"   // target background context not running
	ErrNotFound        = "NOT_FOUND"
	ErrInternal        = "INTERNAL_ERROR"
)

// NewAppError creates a new AppError with the specified parameters
func NewAppError(code, message string, details any) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// NewAppErrorWithCause creates a new AppError with underlying cause
func NewAppErrorWithCause(code, message string, cause error, details any) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ErrorCode extracts the AppError code from an error chain, or "" when the
// error is not an AppError.
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsMissingManifest checks if the error reports an absent manifest.json
func IsMissingManifest(err error) bool {
	return ErrorCode(err) == ErrMissingManifest
}

// IsInvalidManifest checks if the error reports an unparseable manifest
func IsInvalidManifest(err error) bool {
	return ErrorCode(err) == ErrInvalidManifest
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrNotFound
}

// IsCompileError checks if the error is a rule compilation failure
func IsCompileError(err error) bool {
	return ErrorCode(err) == ErrCompile
}
