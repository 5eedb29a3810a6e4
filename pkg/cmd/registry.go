package cmd

import (
	"log/slog"

	"github.com/dripline/dripline/pkg/dispatch"
	"github.com/dripline/dripline/pkg/dispatch/logaction"
	"github.com/dripline/dripline/pkg/dispatch/webhook"
)

// NewRegistry builds the dispatch registry with the built-in action
// handlers registered. Host applications register their CRM-backed
// handlers (send_email, send_sms, create_task, ...) on top.
func NewRegistry(logger *slog.Logger) *dispatch.Registry {
	registry := dispatch.NewRegistry(logger)

	registry.Register(webhook.NewHandlerFactory())
	registry.Register(logaction.NewHandlerFactory(logger))

	return registry
}
