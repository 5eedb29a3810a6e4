// Package services provides the transactional use cases behind the REST
// surface, plus standardized error types for mapping to HTTP statuses.
package services

import (
	"errors"
	"fmt"
)

// Business logic errors. These indicate client errors (4xx responses).
var (
	// Validation errors (400 Bad Request).
	ErrInvalidRequest    = errors.New("invalid request")
	ErrMissingBusinessID = errors.New("business ID is required")
	ErrMissingIntent     = errors.New("event intent is required")
	ErrMissingReason     = errors.New("cancellation reason is required")

	// Business logic conflicts (409 Conflict).
	ErrRunAlreadyTerminal = errors.New("run is already in a terminal state")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // operation name
	Code    string // error code for API responses
	Message string // human-readable message
	Err     error  // underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrMissingBusinessID) ||
		errors.Is(err, ErrMissingIntent) ||
		errors.Is(err, ErrMissingReason)
}

// IsConflictError checks if an error should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrRunAlreadyTerminal)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
