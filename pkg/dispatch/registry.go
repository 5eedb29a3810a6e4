package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Registry maps action types to handler factories. The compiler consults
// it to validate action node configs; the executor consults it to
// dispatch.
type Registry struct {
	logger    *slog.Logger
	factories map[string]HandlerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger.With("module", "dispatch_registry"),
		factories: make(map[string]HandlerFactory),
	}
}

func (r *Registry) Register(factory HandlerFactory) {
	r.factories[factory.ID()] = factory
}

// Known reports whether the action type has a registered handler.
func (r *Registry) Known(actionType string) bool {
	_, ok := r.factories[actionType]

	return ok
}

// TimeSensitive reports whether the action type must pass the guardrail
// evaluator before dispatch. Unknown types are treated as insensitive;
// they fail at dispatch anyway.
func (r *Registry) TimeSensitive(actionType string) bool {
	factory, ok := r.factories[actionType]
	if !ok {
		return false
	}

	return factory.TimeSensitive()
}

// ValidateConfig checks an action node config against the registered
// JSON schema for its type.
func (r *Registry) ValidateConfig(actionType string, config map[string]any) error {
	factory, ok := r.factories[actionType]
	if !ok {
		return fmt.Errorf("action type '%s' not registered", actionType)
	}

	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate config for action %s: %w", actionType, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			details = append(details, resultError.String())
		}

		return fmt.Errorf("config for action %s failed schema validation: %s", actionType, strings.Join(details, "; "))
	}

	return nil
}

// Execute creates a handler for the action type and runs it. An
// unregistered action type is a permanent dispatch failure: retrying
// cannot make a handler appear.
func (r *Registry) Execute(ctx context.Context, actionType string, config map[string]any, runContext map[string]any) (*Result, error) {
	factory, ok := r.factories[actionType]
	if !ok {
		return nil, NewPermanent(actionType, fmt.Errorf("action type '%s' not registered", actionType))
	}

	handler, err := factory.Create(config)
	if err != nil {
		return nil, NewPermanent(actionType, fmt.Errorf("failed to create handler: %w", err))
	}

	r.logger.DebugContext(ctx, "Dispatching action", "action_type", actionType)

	return handler.Execute(ctx, config, runContext)
}
