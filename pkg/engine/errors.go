package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for propagation. Validation, conflict and not-found
// errors surface to the caller. Execution and timeout errors are absorbed into run
// status. No class is retried automatically.
type ErrorClass string

const (
	// ErrorClassValidation indicates bad input rejected before any state change.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict indicates an action that is illegal in the current state.
	// Examples: approving an approved version, confirming a run that is not planned.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates a referenced entity does not exist or is outside
	// the caller's team scope.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassExecution indicates a sandbox job failed to start or exited nonzero.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassTimeout indicates a run or confirmation exceeded its deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassInternal indicates a store or driver failure.
	ErrorClassInternal ErrorClass = "internal"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the ID of the entity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, ErrCodeValidation, message, err)
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, ErrCodeConflict, message, err)
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassNotFound, ErrCodeNotFound, message, err)
}

// NewExecutionError creates an execution error.
func NewExecutionError(message string, err error) *EngineError {
	return newError(ErrorClassExecution, ErrCodeJobFailed, message, err)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTimeout, ErrCodeTimeout, message, err)
}

// NewInternalError creates an internal error.
func NewInternalError(message string, err error) *EngineError {
	return newError(ErrorClassInternal, ErrCodeInternal, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode overrides the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or ErrorClassInternal for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassInternal
}

// CodeOf returns the code of err, or the empty string for unclassified errors.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == class
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool { return hasClass(err, ErrorClassNotFound) }

// IsExecution returns true if the error is classified as an execution failure.
func IsExecution(err error) bool { return hasClass(err, ErrorClassExecution) }

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool { return hasClass(err, ErrorClassTimeout) }

// IsRetryable always returns false: failed and timed-out work is only re-queued
// explicitly by a human or a policy-driven process.
func IsRetryable(error) bool { return false }

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeJobFailed        = "JOB_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeMissingOutput    = "MISSING_OUTPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodePolicyBlocked    = "POLICY_BLOCKED"
)
