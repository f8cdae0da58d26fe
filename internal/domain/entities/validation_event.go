package entities

import (
	"time"

	"github.com/google/uuid"
)

// ValidationEventType names what happened to an order's validation.
type ValidationEventType string

const (
	ValidationEventAttemptRecorded  ValidationEventType = "attempt_recorded"
	ValidationEventOverrideRecorded ValidationEventType = "override_recorded"
)

// ValidationEvent is broadcast after an attempt is stored so the order
// controller and open dashboards can react without polling.
type ValidationEvent struct {
	ID              string              `json:"id"`
	OrderID         string              `json:"order_id"`
	EventType       ValidationEventType `json:"event_type"`
	AttemptNumber   int                 `json:"attempt_number"`
	Outcome         AttemptOutcome      `json:"outcome"`
	State           ValidationState     `json:"state"`
	ComplianceScore int                 `json:"compliance_score"`
	Timestamp       time.Time           `json:"timestamp"`
}

// NewValidationEvent describes a recorded attempt and the state it produced.
func NewValidationEvent(attempt *ValidationAttempt, state ValidationState) *ValidationEvent {
	eventType := ValidationEventAttemptRecorded
	if attempt.Outcome == OutcomeOverride {
		eventType = ValidationEventOverrideRecorded
	}
	return &ValidationEvent{
		ID:              uuid.NewString(),
		OrderID:         attempt.OrderID,
		EventType:       eventType,
		AttemptNumber:   attempt.AttemptNumber,
		Outcome:         attempt.Outcome,
		State:           state,
		ComplianceScore: attempt.ComplianceScore,
		Timestamp:       attempt.CreatedAt,
	}
}
