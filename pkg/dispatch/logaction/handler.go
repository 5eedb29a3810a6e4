// Package logaction implements the built-in log action handler, useful
// for workflow debugging and as a reference handler implementation.
package logaction

import (
	"context"
	"log/slog"

	"github.com/dripline/dripline/pkg/dispatch"
)

// HandlerFactory creates log handlers.
type HandlerFactory struct {
	logger *slog.Logger
}

func NewHandlerFactory(logger *slog.Logger) *HandlerFactory {
	return &HandlerFactory{logger: logger.With("module", "log_action")}
}

func (*HandlerFactory) ID() string {
	return dispatch.ActionLog
}

func (*HandlerFactory) TimeSensitive() bool {
	return false
}

func (*HandlerFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to log.",
			},
			"level": map[string]any{
				"type":    "string",
				"default": "info",
				"enum":    []string{"debug", "info", "warn", "error"},
			},
		},
	}
}

func (f *HandlerFactory) Create(_ map[string]any) (dispatch.Handler, error) {
	return &Handler{logger: f.logger}, nil
}

// Handler logs its configured message with the run context attached.
type Handler struct {
	logger *slog.Logger
}

func (h *Handler) Execute(ctx context.Context, config map[string]any, runContext map[string]any) (*dispatch.Result, error) {
	message, _ := config["message"].(string)
	if message == "" {
		message = "workflow log action"
	}

	level, _ := config["level"].(string)

	switch level {
	case "debug":
		h.logger.DebugContext(ctx, message, "run_context", runContext)
	case "warn":
		h.logger.WarnContext(ctx, message, "run_context", runContext)
	case "error":
		h.logger.ErrorContext(ctx, message, "run_context", runContext)
	default:
		h.logger.InfoContext(ctx, message, "run_context", runContext)
	}

	return &dispatch.Result{}, nil
}
