// Package webhook receives third-party webhook deliveries and turns
// them into automation events. External systems that cannot speak the
// events API post raw JSON here instead.
package webhook

import (
	"context"
	"crypto/subtle"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	"github.com/dripline/dripline/pkg/services"
	"github.com/dripline/dripline/pkg/sources/schedule"
)

// SecretHeader carries the shared secret on inbound deliveries.
const SecretHeader = "X-Webhook-Secret"

// Source is a standalone HTTP listener for inbound webhooks. Each
// delivery is submitted through the regular intake pipeline, so dedup
// and enrollment behave exactly as for API events.
type Source struct {
	submitter schedule.EventSubmitter
	secret    string
	logger    *slog.Logger
	app       *fiber.App
}

func NewSource(submitter schedule.EventSubmitter, secret string, logger *slog.Logger) *Source {
	return &Source{
		submitter: submitter,
		secret:    secret,
		logger:    logger.With("module", "webhook_source"),
	}
}

// App builds the listener. Deliveries land on
// POST /hooks/:business_id/:intent with the JSON body as the payload.
func (s *Source) App() *fiber.App {
	if s.app != nil {
		return s.app
	}

	s.app = fiber.New(fiber.Config{AppName: "Dripline Webhooks"})

	s.app.Post("/hooks/:business_id/:intent", s.receive)

	return s.app
}

// Start blocks serving webhook deliveries on the given port.
func (s *Source) Start(port string) error {
	s.logger.Info("Webhook source listening", "port", port)

	return s.App().Listen(":" + port)
}

// Stop shuts the listener down, draining in-flight deliveries.
func (s *Source) Stop(ctx context.Context) error {
	if s.app == nil {
		return nil
	}

	return s.app.ShutdownWithContext(ctx)
}

func (s *Source) receive(c fiber.Ctx) error {
	if s.secret != "" {
		provided := c.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid webhook secret"})
		}
	}

	var payload map[string]any
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON body"})
		}
	}

	businessID := c.Params("business_id")
	intent := c.Params("intent")

	result, err := s.submitter.SubmitEvent(c.Context(), services.SubmitEventRequest{
		BusinessID: businessID,
		Intent:     intent,
		Payload:    payload,
		DedupeKey:  c.Get("X-Delivery-ID"),
	})
	if err != nil {
		if services.IsValidationError(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		s.logger.ErrorContext(c.Context(), "Webhook intake failed",
			"business_id", businessID, "intent", intent, "error", err)

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "intake failed"})
	}

	s.logger.InfoContext(c.Context(), "Webhook delivery accepted",
		"business_id", businessID,
		"intent", intent,
		"event_id", result.Event.ID,
		"duplicate", result.Duplicate,
		"enrollments", len(result.Runs))

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"event_id":    result.Event.ID,
		"duplicate":   result.Duplicate,
		"enrollments": len(result.Runs),
	})
}
