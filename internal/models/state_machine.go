// Package models provides data structures and state management for multi-leg
// derivative positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents the current lifecycle state of a position.
type PositionState string

const (
	// StatePendingOpen means the position has been persisted and entry legs
	// are being (or are about to be) submitted to the broker.
	StatePendingOpen PositionState = "pending_open"
	// StatePartiallyOpen means some but not all entry legs have filled and
	// submission will be resumed on a later cycle.
	StatePartiallyOpen PositionState = "partially_open"
	// StateOpen means all entry legs filled and the position is being managed.
	StateOpen PositionState = "open"
	// StatePendingClose means a close has been submitted for all remaining legs.
	StatePendingClose PositionState = "pending_close"
	// StatePartiallyClosed means some legs closed; the remainder is retried
	// every cycle until closed or escalated.
	StatePartiallyClosed PositionState = "partially_closed"
	// StateClosed is terminal: every leg is flat and realized P&L is final.
	StateClosed PositionState = "closed"
	// StateFailed is terminal: entry never completed and no capital is at risk.
	StateFailed PositionState = "failed"
	// StateOrphaned means local and broker state are known or suspected to
	// disagree. No economic actions are taken until explicitly resolved.
	StateOrphaned PositionState = "orphaned"
)

// Transition condition constants. Every transition in ValidTransitions names
// the condition under which it is legal.
const (
	ConditionAllLegsFilled     = "all_legs_filled"
	ConditionSomeLegsFilled    = "some_legs_filled"
	ConditionNoLegsFilled      = "no_legs_filled"
	ConditionRollbackSucceeded = "rollback_succeeded"
	ConditionRollbackFailed    = "rollback_failed"
	ConditionCloseSubmitted    = "close_submitted"
	ConditionAllLegsClosed     = "all_legs_closed"
	ConditionSomeLegsClosed    = "some_legs_closed"
	ConditionCloseFailed       = "close_failed"
	ConditionBrokerDivergence  = "broker_divergence"
	ConditionRetriesExhausted  = "retries_exhausted"
	ConditionPersistFailed     = "persist_failed"
	ConditionReconciledOpen    = "reconciled_open"
	ConditionReconciledClosed  = "reconciled_closed"
	ConditionReconciledFlat    = "reconciled_flat"
)

// StateTransition defines a single valid state transition.
type StateTransition struct {
	From      PositionState
	To        PositionState
	Condition string
}

// ValidTransitions is the complete transition table. Positions mutate state
// only through this table; anything else is an invariant violation.
var ValidTransitions = []StateTransition{
	// Entry
	{StatePendingOpen, StateOpen, ConditionAllLegsFilled},
	{StatePendingOpen, StatePartiallyOpen, ConditionSomeLegsFilled},
	{StatePendingOpen, StateFailed, ConditionNoLegsFilled},
	{StatePendingOpen, StateFailed, ConditionRollbackSucceeded},
	{StatePendingOpen, StateOrphaned, ConditionRollbackFailed},
	{StatePendingOpen, StateOrphaned, ConditionBrokerDivergence},
	{StatePendingOpen, StateOrphaned, ConditionPersistFailed},
	{StatePartiallyOpen, StateOpen, ConditionAllLegsFilled},
	{StatePartiallyOpen, StatePartiallyOpen, ConditionSomeLegsFilled},
	{StatePartiallyOpen, StateFailed, ConditionRollbackSucceeded},
	{StatePartiallyOpen, StateOrphaned, ConditionRollbackFailed},
	{StatePartiallyOpen, StateOrphaned, ConditionBrokerDivergence},
	{StatePartiallyOpen, StateOrphaned, ConditionPersistFailed},

	// Exit
	{StateOpen, StatePendingClose, ConditionCloseSubmitted},
	{StatePendingClose, StateClosed, ConditionAllLegsClosed},
	{StatePendingClose, StatePartiallyClosed, ConditionSomeLegsClosed},
	{StatePendingClose, StateOpen, ConditionCloseFailed},
	{StatePartiallyClosed, StateClosed, ConditionAllLegsClosed},
	{StatePartiallyClosed, StatePartiallyClosed, ConditionSomeLegsClosed},
	{StatePartiallyClosed, StateOrphaned, ConditionRetriesExhausted},

	// Divergence detection
	{StateOpen, StateOrphaned, ConditionBrokerDivergence},
	{StateOpen, StateOrphaned, ConditionPersistFailed},
	{StatePendingClose, StateOrphaned, ConditionBrokerDivergence},
	{StatePendingClose, StateOrphaned, ConditionPersistFailed},
	{StatePartiallyClosed, StateOrphaned, ConditionBrokerDivergence},
	{StatePartiallyClosed, StateOrphaned, ConditionPersistFailed},

	// Explicit orphan resolution
	{StateOrphaned, StateOpen, ConditionReconciledOpen},
	{StateOrphaned, StateClosed, ConditionReconciledClosed},
	{StateOrphaned, StateFailed, ConditionReconciledFlat},
}

// InvariantViolation indicates a bug, not a transient condition. It is
// surfaced loudly and must never corrupt the store.
type InvariantViolation struct {
	PositionID string
	Msg        string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation on position %s: %s", e.PositionID, e.Msg)
}

// IsTerminal reports whether a state admits no further transitions.
func (s PositionState) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// IsActive reports whether the position may still hold capital at the broker.
func (s PositionState) IsActive() bool {
	switch s {
	case StateOpen, StatePartiallyOpen, StatePendingOpen, StatePendingClose, StatePartiallyClosed, StateOrphaned:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined position states.
func (s PositionState) Valid() bool {
	switch s {
	case StatePendingOpen, StatePartiallyOpen, StateOpen, StatePendingClose,
		StatePartiallyClosed, StateClosed, StateFailed, StateOrphaned:
		return true
	default:
		return false
	}
}

// transitionDefined checks the transition table for (from, to, condition).
func transitionDefined(from, to PositionState, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// Description returns a human-readable state description for operator output.
func (s PositionState) Description() string {
	switch s {
	case StatePendingOpen:
		return "Entry submitted, waiting for leg fills"
	case StatePartiallyOpen:
		return "Some entry legs filled, submission resumes next cycle"
	case StateOpen:
		return "All legs filled, position under management"
	case StatePendingClose:
		return "Close submitted for all remaining legs"
	case StatePartiallyClosed:
		return "Some legs closed, retrying remainder each cycle"
	case StateClosed:
		return "Position closed"
	case StateFailed:
		return "Entry never completed, no capital at risk"
	case StateOrphaned:
		return "Local and broker state diverged - reconciliation required"
	default:
		return "Unknown state"
	}
}

// TransitionRecord captures one applied transition for audit output.
type TransitionRecord struct {
	To        PositionState `json:"to"`
	Condition string        `json:"condition"`
	At        time.Time     `json:"at"`
}
