package models

import (
	"fmt"
	"time"
)

// Defaults applied when a business has no stored automation settings.
const (
	DefaultDedupeWindowMinutes = 60
	DefaultMaxAttempts         = 5
)

// ClockWindow is a daily window expressed as minutes from midnight in the
// business's local timezone. Windows may span midnight (Start > End),
// e.g. quiet hours 22:00-08:00.
type ClockWindow struct {
	Enabled bool `json:"enabled"`
	Start   int  `json:"start"` // minutes from midnight, inclusive
	End     int  `json:"end"`   // minutes from midnight, exclusive
}

// Contains reports whether the local time t falls inside the window.
func (w ClockWindow) Contains(t time.Time) bool {
	if !w.Enabled {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	if w.Start <= w.End {
		return minutes >= w.Start && minutes < w.End
	}

	// Window wraps past midnight.
	return minutes >= w.Start || minutes < w.End
}

// RateLimit caps outbound time-sensitive actions per contact per day.
type RateLimit struct {
	MaxPerContactPerDay int `json:"max_per_contact_per_day"`
}

// BusinessAutomationSettings are the per-business guardrail knobs. They
// are owned by configuration tooling and only read here.
type BusinessAutomationSettings struct {
	BusinessID          string      `json:"business_id"`
	Timezone            string      `json:"timezone"` // IANA name, defaults to UTC
	BusinessHours       ClockWindow `json:"business_hours"`
	QuietHours          ClockWindow `json:"quiet_hours"`
	RateLimit           RateLimit   `json:"rate_limit"`
	DedupeWindowMinutes int         `json:"dedupe_window_minutes"`
	MaxAttempts         int         `json:"max_attempts"` // dispatch retry cap
}

// DefaultSettings returns the engine defaults for a business with no
// stored configuration: no hour restrictions, no rate limit, 60 minute
// dedupe window.
func DefaultSettings(businessID string) *BusinessAutomationSettings {
	return &BusinessAutomationSettings{
		BusinessID:          businessID,
		Timezone:            "UTC",
		DedupeWindowMinutes: DefaultDedupeWindowMinutes,
		MaxAttempts:         DefaultMaxAttempts,
	}
}

// DedupeWindow returns the dedupe window as a duration, applying the
// default when unset.
func (s *BusinessAutomationSettings) DedupeWindow() time.Duration {
	minutes := s.DedupeWindowMinutes
	if minutes <= 0 {
		minutes = DefaultDedupeWindowMinutes
	}

	return time.Duration(minutes) * time.Minute
}

// Location resolves the business timezone, falling back to UTC.
func (s *BusinessAutomationSettings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q for business %s: %w", s.Timezone, s.BusinessID, err)
	}

	return loc, nil
}
