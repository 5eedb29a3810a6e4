package models

import "time"

// EnrollmentRecord tracks how often a contact has been enrolled into a
// workflow. The matcher consults it for cooldown checks; the engine
// updates it on every successful enrollment.
type EnrollmentRecord struct {
	WorkflowID      string    `json:"workflow_id"`
	ContactID       string    `json:"contact_id"`
	EnrollmentCount int       `json:"enrollment_count"`
	LastEnrolledAt  time.Time `json:"last_enrolled_at"`
}
