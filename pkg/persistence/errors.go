// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrEventNotFound indicates an automation event was not found.
	ErrEventNotFound = errors.New("event not found")

	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound indicates an automation run was not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrJobNotFound indicates an automation job was not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrSettingsNotFound indicates a business has no stored automation settings.
	ErrSettingsNotFound = errors.New("automation settings not found")

	// ErrEnrollmentNotFound indicates a contact has never been enrolled into the workflow.
	ErrEnrollmentNotFound = errors.New("enrollment record not found")
)

// RunError wraps run-related errors with operation context.
type RunError struct {
	Op    string // Operation being performed (e.g., "RunByID", "UpdateRun")
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// JobError wraps job-related errors with operation context.
type JobError struct {
	Op    string
	JobID string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s operation failed for job %s: %v", e.Op, e.JobID, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

func (e *JobError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsEventNotFound checks if an error indicates an event was not found.
func IsEventNotFound(err error) bool {
	return errors.Is(err, ErrEventNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsJobNotFound checks if an error indicates a job was not found.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsSettingsNotFound checks if an error indicates settings were not found.
func IsSettingsNotFound(err error) bool {
	return errors.Is(err, ErrSettingsNotFound)
}

// IsEnrollmentNotFound checks if an error indicates no enrollment record exists.
func IsEnrollmentNotFound(err error) bool {
	return errors.Is(err, ErrEnrollmentNotFound)
}
