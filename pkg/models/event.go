// Package models defines the core domain models for the automation engine.
package models

import "time"

// AutomationEvent is an inbound business event submitted by an upstream
// trigger source (webhook, UI action, scheduled system event).
// Events are immutable once created; only the Processed flag is ever
// written afterwards.
type AutomationEvent struct {
	ID         string         `json:"id"`
	BusinessID string         `json:"business_id" validate:"required"`
	Intent     string         `json:"intent"      validate:"required"` // e.g. "booking.create"
	Payload    map[string]any `json:"payload,omitempty"`
	DedupeKey  string         `json:"dedupe_key,omitempty"`
	Processed  bool           `json:"processed"`
	CreatedAt  time.Time      `json:"created_at"`
}
