package escrow

import (
	"context"
	"errors"
	"log"
)

// Outcomes maps dispatch results and platform offer-state events onto
// lifecycle transitions. It is the only bridge between the queue, the status
// listener, and the state machine.
type Outcomes struct {
	machine  *Machine
	store    Store
	refunder Refunder
}

// NewOutcomes wires the bridge. refunder may not be nil; failed trades after
// payment always compensate.
func NewOutcomes(machine *Machine, store Store, refunder Refunder) *Outcomes {
	return &Outcomes{machine: machine, store: store, refunder: refunder}
}

// JobSucceeded records the platform offer id and moves the trade to
// AWAITING_SELLER: the offer is out, the seller has to act next.
func (o *Outcomes) JobSucceeded(ctx context.Context, tradeID, offerID string) {
	if err := o.store.SetOfferID(ctx, tradeID, offerID); err != nil {
		log.Printf("[escrow] trade %s: record offer id: %v", tradeID, err)
	}
	if _, err := o.machine.Transition(ctx, tradeID, StatusAwaitingSeller); err != nil {
		log.Printf("[escrow] trade %s: apply dispatch success: %v", tradeID, err)
	}
}

// JobFailed marks the trade FAILED and triggers the refund collaborator.
func (o *Outcomes) JobFailed(ctx context.Context, tradeID string, cause error) {
	o.fail(ctx, tradeID, cause.Error())
}

// JobRetried bumps the trade's persisted attempt counter so support can see
// how hard a dispatch fought before settling, across restarts.
func (o *Outcomes) JobRetried(ctx context.Context, tradeID string) {
	if err := o.store.IncrementAttempts(ctx, tradeID); err != nil {
		log.Printf("[escrow] trade %s: record retry: %v", tradeID, err)
	}
}

// HandleOfferState applies an asynchronous offer-state change reported by
// the platform. Which transition "accepted" means depends on where the trade
// currently is: the seller leg hands the item to escrow, the buyer leg
// completes the trade.
func (o *Outcomes) HandleOfferState(ctx context.Context, tradeID, state string) {
	switch state {
	case "accepted":
		t, err := o.store.GetTrade(ctx, tradeID)
		if err != nil {
			log.Printf("[escrow] trade %s: offer accepted but load failed: %v", tradeID, err)
			return
		}
		target := StatusAwaitingBuyer
		if t.Status == StatusAwaitingBuyer {
			target = StatusCompleted
		}
		if _, err := o.machine.Transition(ctx, tradeID, target); err != nil {
			log.Printf("[escrow] trade %s: apply offer accepted: %v", tradeID, err)
		}
	case "declined", "expired", "countered":
		o.fail(ctx, tradeID, "offer "+state)
	default:
		log.Printf("[escrow] trade %s: ignoring unknown offer state %q", tradeID, state)
	}
}

func (o *Outcomes) fail(ctx context.Context, tradeID, reason string) {
	_, err := o.machine.Transition(ctx, tradeID, StatusFailed)
	if err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) && ite.From.Terminal() {
			// Already settled; nothing to compensate.
			return
		}
		log.Printf("[escrow] trade %s: mark failed: %v", tradeID, err)
		return
	}
	if err := o.refunder.Refund(ctx, tradeID, reason); err != nil {
		log.Printf("[escrow] trade %s: refund failed, needs manual compensation: %v", tradeID, err)
	}
}
