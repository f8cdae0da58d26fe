package entities

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ValidationStatus is the clinical verdict returned by the model.
type ValidationStatus string

const (
	StatusAppropriate        ValidationStatus = "appropriate"
	StatusNeedsClarification ValidationStatus = "needs_clarification"
	StatusInappropriate      ValidationStatus = "inappropriate"
)

// ParseValidationStatus normalises free-form status strings
// ("Needs Clarification", "needs-clarification") to a known status.
func ParseValidationStatus(s string) (ValidationStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch ValidationStatus(normalized) {
	case StatusAppropriate, StatusNeedsClarification, StatusInappropriate:
		return ValidationStatus(normalized), true
	}
	return "", false
}

// Compliance score bounds.
const (
	MinComplianceScore = 1
	MaxComplianceScore = 9
)

// Priority values for an imaging order.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

// SuggestedCode is a diagnosis or procedure code proposed by the model.
type SuggestedCode struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	IsPrimary   bool   `json:"isPrimary,omitempty"`
}

// ValidationResult is the contract handed to the order controller.
type ValidationResult struct {
	ValidationStatus    ValidationStatus `json:"validationStatus"`
	ComplianceScore     int              `json:"complianceScore"`
	SuggestedICD10Codes []SuggestedCode  `json:"suggestedICD10Codes"`
	SuggestedCPTCodes   []SuggestedCode  `json:"suggestedCPTCodes"`
	Priority            string           `json:"priority"`
	Feedback            string           `json:"feedback"`
	ClarificationPrompt *string          `json:"clarificationPrompt,omitempty"`
	MissingElements     []string         `json:"missingElements,omitempty"`
}

// PrimaryCount returns how many diagnosis codes are flagged primary.
func (r *ValidationResult) PrimaryCount() int {
	n := 0
	for _, c := range r.SuggestedICD10Codes {
		if c.IsPrimary {
			n++
		}
	}
	return n
}

// PrimaryCode returns the primary diagnosis code, if exactly one exists.
func (r *ValidationResult) PrimaryCode() (SuggestedCode, bool) {
	if r.PrimaryCount() != 1 {
		return SuggestedCode{}, false
	}
	for _, c := range r.SuggestedICD10Codes {
		if c.IsPrimary {
			return c, true
		}
	}
	return SuggestedCode{}, false
}

// AttemptOutcome is the recorded outcome of one validation attempt.
type AttemptOutcome string

const (
	OutcomeAppropriate        AttemptOutcome = "appropriate"
	OutcomeNeedsClarification AttemptOutcome = "needs_clarification"
	OutcomeInappropriate      AttemptOutcome = "inappropriate"
	OutcomeOverride           AttemptOutcome = "override"
)

// OutcomeFromStatus maps a model verdict to an attempt outcome.
func OutcomeFromStatus(s ValidationStatus) AttemptOutcome {
	switch s {
	case StatusAppropriate:
		return OutcomeAppropriate
	case StatusNeedsClarification:
		return OutcomeNeedsClarification
	default:
		return OutcomeInappropriate
	}
}

// ValidationAttempt is one immutable request/response cycle for an order.
type ValidationAttempt struct {
	ID                    string           `json:"id" db:"id"`
	OrderID               string           `json:"order_id" db:"order_id"`
	AttemptNumber         int              `json:"attempt_number" db:"attempt_number"`
	Outcome               AttemptOutcome   `json:"outcome" db:"outcome"`
	ValidationStatus      ValidationStatus `json:"validation_status" db:"validation_status"`
	ComplianceScore       int              `json:"compliance_score" db:"compliance_score"`
	SuggestedICD10Codes   []SuggestedCode  `json:"suggested_icd10_codes" db:"suggested_icd10_codes"`
	SuggestedCPTCodes     []SuggestedCode  `json:"suggested_cpt_codes" db:"suggested_cpt_codes"`
	Feedback              string           `json:"feedback" db:"feedback"`
	DictationText         string           `json:"dictation_text" db:"dictation_text"`
	OverrideJustification string           `json:"override_justification,omitempty" db:"override_justification"`
	ClarificationPrompt   string           `json:"clarification_prompt,omitempty" db:"clarification_prompt"`
	Provider              string           `json:"provider,omitempty" db:"provider"`
	PhysicianID           string           `json:"physician_id,omitempty" db:"physician_id"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
}

// IsNonAppropriate reports whether the attempt leaves the order eligible
// for a physician override.
func (a *ValidationAttempt) IsNonAppropriate() bool {
	return a.Outcome == OutcomeNeedsClarification || a.Outcome == OutcomeInappropriate
}

// ValidationRequest is one call into the engine.
type ValidationRequest struct {
	OrderID               string `json:"orderId"`
	DictationText         string `json:"dictationText"`
	OverrideJustification string `json:"overrideJustification,omitempty"`
	PhysicianID           string `json:"physicianId,omitempty"`
}

// IsOverride reports whether the request carries a physician override. A
// justification that sanitizes to nothing is not one.
func (r *ValidationRequest) IsOverride() bool {
	return SanitizeText(r.OverrideJustification) != ""
}

// SanitizeText drops control characters, collapses whitespace runs
// and trims.
func SanitizeText(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(cleaned), " ")
}

// ValidationOutcome bundles what the engine returns to its caller.
type ValidationOutcome struct {
	Result   *ValidationResult  `json:"result"`
	Attempt  *ValidationAttempt `json:"attempt"`
	State    ValidationState    `json:"state"`
	Warnings []string           `json:"warnings,omitempty"`
}

// AttemptSummary gives quota collaborators the counts they consult.
type AttemptSummary struct {
	OrderID        string
	Total          int
	Clarifications int
	Overrides      int
}

// Summarize counts attempts by outcome.
func Summarize(orderID string, attempts []*ValidationAttempt) AttemptSummary {
	s := AttemptSummary{OrderID: orderID, Total: len(attempts)}
	for _, a := range attempts {
		switch a.Outcome {
		case OutcomeNeedsClarification:
			s.Clarifications++
		case OutcomeOverride:
			s.Overrides++
		}
	}
	return s
}

// ParseError is returned when model output cannot be decoded as JSON.
type ParseError struct {
	Code   string `json:"error"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// ParseFailedCode is the error code carried by ParseError.
const ParseFailedCode = "parse_failed"

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// SchemaViolationError lists shape defects in an otherwise valid JSON
// response, e.g. zero or several primary diagnosis codes.
type SchemaViolationError struct {
	Violations []string
	Raw        string
}

func (e *SchemaViolationError) Error() string {
	return "response schema violation: " + strings.Join(e.Violations, "; ")
}
