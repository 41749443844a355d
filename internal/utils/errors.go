package utils

import (
	"errors"
	"fmt"
)

// Kind tells the caller whether an operation may be retried.
type Kind int

const (
	// KindRetryable failures are transient; the caller may try again.
	KindRetryable Kind = iota
	// KindFatal failures abort the current run.
	KindFatal
)

func (k Kind) String() string {
	if k == KindRetryable {
		return "retryable"
	}
	return "fatal"
}

// Error codes for control-plane operations
const (
	// Shared region errors
	CodeAllocationFailed = "ALLOCATION_FAILED"
	CodeRegionNotFound   = "REGION_NOT_FOUND"
	CodeAcquireTimeout   = "ACQUIRE_TIMEOUT"

	// Process errors
	CodeSpawnFailed        = "SPAWN_FAILED"
	CodeWorkerCrashed      = "WORKER_CRASHED"
	CodeWorkerError        = "WORKER_ERROR"
	CodeWorkerHung         = "WORKER_HUNG"
	CodeConvergenceTimeout = "CONVERGENCE_TIMEOUT"
	CodeInvalidState       = "INVALID_STATE"

	// Data errors
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeDecodeFailed    = "DECODE_FAILED"
	CodeMergeFailed     = "MERGE_FAILED"
	CodeStepFailed      = "STEP_FAILED"

	// Cluster errors
	CodeReductionTimeout = "REDUCTION_TIMEOUT"
	CodeReductionFailed  = "REDUCTION_FAILED"
)

// Error is a coded error carrying a retry classification and context
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Retryable creates a transient error
func Retryable(code, message string) *Error {
	return &Error{Kind: KindRetryable, Code: code, Message: message}
}

// Fatal creates an error that aborts the run
func Fatal(code, message string) *Error {
	return &Error{Kind: KindFatal, Code: code, Message: message}
}

// WrapFatal wraps cause as a fatal error with the given code
func WrapFatal(code string, cause error, message string) *Error {
	return &Error{Kind: KindFatal, Code: code, Message: message, Cause: cause}
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindRetryable
	}
	return false
}

// IsFatal reports whether err carries a fatal classification.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindFatal
	}
	return false
}

// HasCode reports whether any coded error in the tree has the given code.
// Joined errors are searched branch by branch.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok && e.Code == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if HasCode(inner, code) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return HasCode(x.Unwrap(), code)
	}
	return false
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return errors.New(msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
