// Package dispatch defines the contract between the engine and the
// external action implementations it invokes (email, SMS, tasks,
// pipeline moves, webhooks). The engine owns when an action runs; the
// handlers own how.
package dispatch

import (
	"context"
	"errors"
	"fmt"
)

// Known action types. send_email, send_sms, create_task,
// move_pipeline_stage and create_lead are implemented by the host
// application; call_webhook and log ship as built-ins.
const (
	ActionSendEmail         = "send_email"
	ActionSendSMS           = "send_sms"
	ActionCreateTask        = "create_task"
	ActionMovePipelineStage = "move_pipeline_stage"
	ActionCallWebhook       = "call_webhook"
	ActionCreateLead        = "create_lead"
	ActionLog               = "log"
)

// Result carries context updates an action feeds back into the run.
type Result struct {
	ContextUpdates map[string]any `json:"context_updates,omitempty"`
}

// Handler executes one action type against a run's accumulated context.
type Handler interface {
	Execute(ctx context.Context, config map[string]any, runContext map[string]any) (*Result, error)
}

// HandlerFactory creates handler instances and describes the action type.
type HandlerFactory interface {
	// ID returns the action type this factory serves.
	ID() string

	// Create builds a handler for the given node configuration.
	Create(config map[string]any) (Handler, error)

	// Schema returns the JSON schema for the node configuration.
	Schema() map[string]any

	// TimeSensitive reports whether the action is subject to guardrail
	// evaluation (hours, quiet hours, rate limits) before dispatch.
	TimeSensitive() bool
}

// Error is a dispatch failure. Retryable failures re-queue the job with
// backoff; non-retryable failures terminate the run.
type Error struct {
	ActionType string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}

	return fmt.Sprintf("%s dispatch failure for action %s: %v", kind, e.ActionType, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewRetryable wraps a transient dispatch failure.
func NewRetryable(actionType string, err error) *Error {
	return &Error{ActionType: actionType, Retryable: true, Err: err}
}

// NewPermanent wraps a non-retryable dispatch failure.
func NewPermanent(actionType string, err error) *Error {
	return &Error{ActionType: actionType, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a retryable dispatch failure.
func IsRetryable(err error) bool {
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Retryable
	}

	return false
}
