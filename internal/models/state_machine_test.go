package models

import (
	"errors"
	"testing"
	"time"
)

func testLegs(qty int) []Leg {
	expiry := time.Now().UTC().AddDate(0, 0, 30)
	return []Leg{
		{Side: SideSell, Quantity: qty, Instrument: Instrument{Symbol: "SPY", Strike: 480, Expiry: expiry, Kind: KindPut}},
		{Side: SideBuy, Quantity: qty, Instrument: Instrument{Symbol: "SPY", Strike: 470, Expiry: expiry, Kind: KindPut}},
		{Side: SideSell, Quantity: qty, Instrument: Instrument{Symbol: "SPY", Strike: 520, Expiry: expiry, Kind: KindCall}},
		{Side: SideBuy, Quantity: qty, Instrument: Instrument{Symbol: "SPY", Strike: 530, Expiry: expiry, Kind: KindCall}},
	}
}

func TestPosition_BasicTransitions(t *testing.T) {
	p := NewPosition("p1", "bot-1", "SPY", "condor", testLegs(1))

	if p.State != StatePendingOpen {
		t.Errorf("initial state should be %s, got %s", StatePendingOpen, p.State)
	}

	if err := p.Transition(StateOpen, ConditionAllLegsFilled); err != nil {
		t.Errorf("valid transition failed: %v", err)
	}
	if p.State != StateOpen {
		t.Errorf("state should be %s, got %s", StateOpen, p.State)
	}
	if p.OpenedAt.IsZero() {
		t.Error("OpenedAt should be set on transition to open")
	}
	if p.LastTransition.Condition != ConditionAllLegsFilled {
		t.Errorf("last transition condition should be recorded, got %s", p.LastTransition.Condition)
	}
}

func TestPosition_InvalidTransitions(t *testing.T) {
	p := NewPosition("p1", "bot-1", "SPY", "condor", testLegs(1))

	// pending_open cannot jump straight to closed
	err := p.Transition(StateClosed, ConditionAllLegsClosed)
	if err == nil {
		t.Fatal("invalid transition should fail")
	}
	var iv *InvariantViolation
	if !errors.As(err, &iv) {
		t.Errorf("expected InvariantViolation, got %T", err)
	}
	if p.State != StatePendingOpen {
		t.Errorf("state should remain %s after failed transition, got %s", StatePendingOpen, p.State)
	}

	// wrong condition for a defined edge
	if err := p.Transition(StateOpen, ConditionNoLegsFilled); err == nil {
		t.Error("transition with wrong condition should fail")
	}
}

func TestPosition_TerminalStatesAreFinal(t *testing.T) {
	p := NewPosition("p1", "bot-1", "SPY", "condor", testLegs(1))
	if err := p.Transition(StateFailed, ConditionNoLegsFilled); err != nil {
		t.Fatalf("transition to failed: %v", err)
	}
	if err := p.Transition(StateOpen, ConditionAllLegsFilled); err == nil {
		t.Error("transition out of terminal state should fail")
	}
}

func TestPosition_EntryRollbackPaths(t *testing.T) {
	cases := []struct {
		name      string
		to        PositionState
		condition string
	}{
		{"rollback succeeded", StateFailed, ConditionRollbackSucceeded},
		{"rollback failed", StateOrphaned, ConditionRollbackFailed},
		{"nothing filled", StateFailed, ConditionNoLegsFilled},
		{"partial fill", StatePartiallyOpen, ConditionSomeLegsFilled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPosition("p1", "bot-1", "SPY", "condor", testLegs(1))
			if err := p.Transition(tc.to, tc.condition); err != nil {
				t.Errorf("transition %s: %v", tc.name, err)
			}
		})
	}
}

func TestPosition_PartialCloseConvergence(t *testing.T) {
	p := NewPosition("p1", "bot-1", "SPY", "condor", testLegs(1))
	steps := []struct {
		to        PositionState
		condition string
	}{
		{StateOpen, ConditionAllLegsFilled},
		{StatePendingClose, ConditionCloseSubmitted},
		{StatePartiallyClosed, ConditionSomeLegsClosed},
		{StatePartiallyClosed, ConditionSomeLegsClosed},
		{StateClosed, ConditionAllLegsClosed},
	}
	for _, s := range steps {
		if err := p.Transition(s.to, s.condition); err != nil {
			t.Fatalf("transition to %s: %v", s.to, err)
		}
	}
	if !p.State.IsTerminal() {
		t.Error("closed should be terminal")
	}
}

func TestPosition_PersistFailureOrphansFromCloseStates(t *testing.T) {
	for _, from := range []PositionState{StatePendingClose, StatePartiallyClosed} {
		p := NewPosition("p1", "bot-1", "SPY", "condor", testLegs(1))
		p.State = from
		if err := p.Transition(StateOrphaned, ConditionPersistFailed); err != nil {
			t.Errorf("persist failure from %s must orphan: %v", from, err)
		}
	}
}

func TestPosition_OrphanResolution(t *testing.T) {
	p := NewPosition("p1", "bot-1", "SPY", "condor", testLegs(1))
	if err := p.Transition(StateOpen, ConditionAllLegsFilled); err != nil {
		t.Fatal(err)
	}
	if err := p.Transition(StateOrphaned, ConditionBrokerDivergence); err != nil {
		t.Fatalf("divergence transition: %v", err)
	}
	if err := p.Transition(StateOpen, ConditionReconciledOpen); err != nil {
		t.Errorf("orphan resolution to open: %v", err)
	}
}

func TestPositionState_Predicates(t *testing.T) {
	if !StateClosed.IsTerminal() || !StateFailed.IsTerminal() {
		t.Error("closed and failed are terminal")
	}
	if StateOrphaned.IsTerminal() {
		t.Error("orphaned is not terminal")
	}
	if !StateOrphaned.IsActive() {
		t.Error("orphaned may still hold capital and is active")
	}
	if PositionState("bogus").Valid() {
		t.Error("unknown state should not validate")
	}
}
