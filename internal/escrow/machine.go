package escrow

import (
	"context"
	"fmt"
	"log"
)

// transitions is the full allowed-transition table. Terminal states are
// absent: they have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPendingPayment:  {StatusPaymentReceived, StatusCancelled},
	StatusPaymentReceived: {StatusAwaitingSeller, StatusAwaitingBuyer, StatusFailed},
	StatusAwaitingSeller:  {StatusAwaitingBuyer, StatusCompleted, StatusFailed},
	StatusAwaitingBuyer:   {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a disallowed lifecycle move. It indicates a
// caller bug: correct callers never attempt an edge outside the table.
type InvalidTransitionError struct {
	TradeID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for trade %s", e.From, e.To, e.TradeID)
}

// Machine applies validated lifecycle transitions against a Store.
type Machine struct {
	store Store
}

// NewMachine creates a state machine over the given store.
func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// casRetries bounds how often Transition re-reads after losing a CAS race.
const casRetries = 3

// Transition moves the trade to target if the edge is allowed, atomically
// against concurrent transitions on the same trade. A call whose trade is
// already in target is an idempotent no-op success, so duplicate events from
// the listener or the queue are harmless. Any other disallowed move fails
// with InvalidTransitionError and leaves the trade untouched.
func (m *Machine) Transition(ctx context.Context, tradeID string, target Status) (*Trade, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		t, err := m.store.GetTrade(ctx, tradeID)
		if err != nil {
			return nil, fmt.Errorf("load trade %s: %w", tradeID, err)
		}

		if t.Status == target {
			return t, nil
		}
		if !CanTransition(t.Status, target) {
			err := &InvalidTransitionError{TradeID: tradeID, From: t.Status, To: target}
			log.Printf("[escrow] CRITICAL: %v (caller bug, state left unchanged)", err)
			return nil, err
		}

		from := t.Status
		ok, err := m.store.CasStatus(ctx, tradeID, from, target)
		if err != nil {
			return nil, fmt.Errorf("cas trade %s: %w", tradeID, err)
		}
		if ok {
			log.Printf("[escrow] trade %s: %s -> %s", tradeID, from, target)
			t.Status = target
			return t, nil
		}
		// Lost the race to a concurrent transition; re-read and re-validate.
	}
	return nil, fmt.Errorf("trade %s: transition to %s kept losing CAS races", tradeID, target)
}
