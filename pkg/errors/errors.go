package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Domain-specific error sentinel values
	ErrSessionLimitReached    = errors.New("session limit reached")
	ErrSessionNotFound        = errors.New("call session not found")
	ErrIdentificationRequired = errors.New("caller identification required")
	ErrAILegClosed            = errors.New("AI leg closed")
	ErrTelephonyLegClosed     = errors.New("telephony leg closed")
	ErrDirectoryUnavailable   = errors.New("directory store unavailable")
	ErrEmailDeliveryFailed    = errors.New("email delivery failed")
)

// Error represents a structured error with creation location and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)
	return &Error{
		original: err,
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
	}
}

func firstFieldMap(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	// Create a copy to avoid modifying the original
	result := e.clone(len(e.fields) + 1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(len(e.fields) + len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}

	result := e.clone(len(e.fields))
	result.Code = code
	return result
}

func (e *Error) clone(fieldCap int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, fieldCap),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" {
		return e.original.Error()
	}

	if e.message == e.original.Error() {
		return e.message
	}

	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	parts := strings.Split(e.file, "/")
	filename := parts[len(parts)-1]
	return fmt.Sprintf("%s:%d", filename, e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether any error in err's tree matches target.
// Implements the errors.Is interface.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}

	if errors.Is(e.original, target) {
		return true
	}

	return e == target
}

// newWithSentinel builds a structured error wrapping a sentinel value
func newWithSentinel(sentinel error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(2)
	return &Error{
		original: sentinel,
		message:  message,
		fields:   firstFieldMap(fields),
		file:     file,
		line:     line,
		Code:     code,
	}
}

// NewSessionLimitReached creates a structured admission-rejection error
func NewSessionLimitReached(maxSessions int, fields ...map[string]interface{}) *Error {
	err := newWithSentinel(ErrSessionLimitReached,
		fmt.Sprintf("session limit reached (max %d)", maxSessions), "SESSION_LIMIT_REACHED", fields)
	err.fields["max_sessions"] = maxSessions
	return err
}

// NewSessionNotFound creates a new ErrSessionNotFound with additional context
func NewSessionNotFound(sessionID string, fields ...map[string]interface{}) *Error {
	err := newWithSentinel(ErrSessionNotFound,
		fmt.Sprintf("call session not found: %s", sessionID), "SESSION_NOT_FOUND", fields)
	err.fields["session_id"] = sessionID
	return err
}

// NewIdentificationRequired creates a security-gate violation error. This is
// surfaced to the conversation layer as an explicit failure, never swallowed.
func NewIdentificationRequired(functionName string, fields ...map[string]interface{}) *Error {
	err := newWithSentinel(ErrIdentificationRequired,
		fmt.Sprintf("caller must be identified before calling %s", functionName), "IDENTIFICATION_REQUIRED", fields)
	err.fields["function"] = functionName
	return err
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newWithSentinel(ErrInvalidInput, message, "INVALID_INPUT", fields)
}

// NewInternalError creates a new ErrInternalError with additional context
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return newWithSentinel(ErrInternalError, message, "INTERNAL_ERROR", fields)
}

// NewDirectoryUnavailable creates a new ErrDirectoryUnavailable with context
func NewDirectoryUnavailable(message string, fields ...map[string]interface{}) *Error {
	return newWithSentinel(ErrDirectoryUnavailable, message, "DIRECTORY_UNAVAILABLE", fields)
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
