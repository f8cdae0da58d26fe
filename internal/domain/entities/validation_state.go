package entities

import "fmt"

// ValidationState is the per-order position in the validation lifecycle.
type ValidationState string

const (
	StateInitial            ValidationState = "INITIAL"
	StateValidating         ValidationState = "VALIDATING"
	StateAppropriate        ValidationState = "APPROPRIATE"
	StateNeedsClarification ValidationState = "NEEDS_CLARIFICATION"
	StateInappropriate      ValidationState = "INAPPROPRIATE"
	StateOverridePending    ValidationState = "OVERRIDE_PENDING"
	StateFinalized          ValidationState = "FINALIZED"
)

// StateEvent drives state transitions.
type StateEvent string

const (
	EventValidate           StateEvent = "validate"
	EventOverride           StateEvent = "override"
	EventAppropriate        StateEvent = "result_appropriate"
	EventNeedsClarification StateEvent = "result_needs_clarification"
	EventInappropriate      StateEvent = "result_inappropriate"
	EventOverrideRecorded   StateEvent = "override_recorded"
	EventFinalize           StateEvent = "finalize"
)

var transitions = map[ValidationState]map[StateEvent]ValidationState{
	StateInitial: {
		EventValidate: StateValidating,
	},
	StateValidating: {
		EventAppropriate:        StateAppropriate,
		EventNeedsClarification: StateNeedsClarification,
		EventInappropriate:      StateInappropriate,
		EventOverrideRecorded:   StateOverridePending,
	},
	StateAppropriate: {
		EventValidate: StateValidating,
	},
	StateNeedsClarification: {
		EventValidate: StateValidating,
		EventOverride: StateValidating,
	},
	StateInappropriate: {
		EventValidate: StateValidating,
		EventOverride: StateValidating,
	},
	StateOverridePending: {
		EventValidate: StateValidating,
	},
}

// Transition returns the state reached from 'from' on 'event'. Any
// non-finalized state may be finalized; FINALIZED is terminal.
func Transition(from ValidationState, event StateEvent) (ValidationState, error) {
	if event == EventFinalize {
		if from == StateFinalized {
			return "", fmt.Errorf("order already finalized")
		}
		return StateFinalized, nil
	}
	next, ok := transitions[from][event]
	if !ok {
		return "", fmt.Errorf("invalid transition from %s on %s", from, event)
	}
	return next, nil
}

// ResultEvent maps a stored attempt outcome to the event it fires.
func ResultEvent(outcome AttemptOutcome) StateEvent {
	switch outcome {
	case OutcomeAppropriate:
		return EventAppropriate
	case OutcomeNeedsClarification:
		return EventNeedsClarification
	case OutcomeOverride:
		return EventOverrideRecorded
	default:
		return EventInappropriate
	}
}

// StateFromAttempt derives the resting state implied by the latest attempt.
func StateFromAttempt(latest *ValidationAttempt) ValidationState {
	if latest == nil {
		return StateInitial
	}
	next, err := Transition(StateValidating, ResultEvent(latest.Outcome))
	if err != nil {
		return StateInitial
	}
	return next
}
