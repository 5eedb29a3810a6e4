// Package guardrail decides whether a time-sensitive action may be
// dispatched right now or must be deferred to a later timestamp.
// Deferral never drops an action; every decision either allows now or
// names a concrete future time.
package guardrail

import (
	"time"

	"github.com/dripline/dripline/pkg/models"
)

// Deferral reasons, also used as audit log markers.
const (
	ReasonQuietHours    = "quiet_hours"
	ReasonBusinessHours = "business_hours"
	ReasonRateLimit     = "rate_limit"
)

// Decision is the outcome of a guardrail evaluation.
type Decision struct {
	Allow  bool
	NextAt time.Time // when deferred, the earliest allowed dispatch time
	Reason string
}

// Evaluate applies the guardrail rules in order: quiet hours, business
// hours, per-contact daily rate limit. now is converted to the
// business's local timezone; an unresolvable timezone falls back to UTC
// rather than blocking delivery.
func Evaluate(settings *models.BusinessAutomationSettings, now time.Time, todayCount int) Decision {
	location, err := settings.Location()
	if err != nil {
		location = time.UTC
	}

	local := now.In(location)

	if settings.QuietHours.Contains(local) {
		return Decision{
			Allow:  false,
			NextAt: nextWindowEnd(local, settings.QuietHours),
			Reason: ReasonQuietHours,
		}
	}

	if settings.BusinessHours.Enabled && !settings.BusinessHours.Contains(local) {
		return Decision{
			Allow:  false,
			NextAt: nextWindowStart(local, settings.BusinessHours),
			Reason: ReasonBusinessHours,
		}
	}

	if max := settings.RateLimit.MaxPerContactPerDay; max > 0 && todayCount >= max {
		return Decision{
			Allow:  false,
			NextAt: nextBusinessDayStart(local, settings.BusinessHours),
			Reason: ReasonRateLimit,
		}
	}

	return Decision{Allow: true, NextAt: now}
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func atMinutes(day time.Time, minutes int) time.Time {
	return midnight(day).Add(time.Duration(minutes) * time.Minute)
}

// nextWindowEnd returns the next moment the window closes, assuming t is
// currently inside the window. Windows may wrap past midnight.
func nextWindowEnd(t time.Time, w models.ClockWindow) time.Time {
	minutes := t.Hour()*60 + t.Minute()

	if w.Start <= w.End {
		return atMinutes(t, w.End)
	}

	// Wrapped window: the evening segment ends tomorrow, the morning
	// segment ends today.
	if minutes >= w.Start {
		return atMinutes(t.AddDate(0, 0, 1), w.End)
	}

	return atMinutes(t, w.End)
}

// nextWindowStart returns the next moment the window opens, assuming t
// is currently outside the window.
func nextWindowStart(t time.Time, w models.ClockWindow) time.Time {
	minutes := t.Hour()*60 + t.Minute()

	if minutes < w.Start {
		return atMinutes(t, w.Start)
	}

	return atMinutes(t.AddDate(0, 0, 1), w.Start)
}

// nextBusinessDayStart returns tomorrow's opening time, or tomorrow's
// midnight when the business has no hour restrictions.
func nextBusinessDayStart(t time.Time, hours models.ClockWindow) time.Time {
	tomorrow := t.AddDate(0, 0, 1)

	if hours.Enabled {
		return atMinutes(tomorrow, hours.Start)
	}

	return midnight(tomorrow)
}
