// Package escrow owns the lifecycle of a trade between initiation and final
// settlement. Every status change goes through Machine.Transition; nothing
// else may mutate a trade's status.
package escrow

import (
	"context"
	"errors"
	"fmt"
)

// Status is a trade lifecycle state.
type Status string

const (
	StatusPendingPayment  Status = "PENDING_PAYMENT"
	StatusPaymentReceived Status = "PAYMENT_RECEIVED"
	StatusAwaitingSeller  Status = "AWAITING_SELLER"
	StatusAwaitingBuyer   Status = "AWAITING_BUYER"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// ParseStatus validates a status string from storage or the wire.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPendingPayment, StatusPaymentReceived, StatusAwaitingSeller,
		StatusAwaitingBuyer, StatusCompleted, StatusCancelled, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown trade status %q", s)
}

// Trade is one escrow transaction. Item lists are stored alongside the
// record; the core only moves them through the dispatch pipeline.
type Trade struct {
	ID            string
	BuyerSteamID  string
	SellerSteamID string
	ItemsToGive   []string // asset ids leaving escrow
	ItemsToTake   []string // asset ids entering escrow
	OfferID       string   // platform offer id once dispatched
	Status        Status
	Attempts      int
	CreatedAt     int64
	UpdatedAt     int64
}

// ErrTradeNotFound is returned by stores when no trade matches the id.
var ErrTradeNotFound = errors.New("trade not found")

// Store is the persistence contract the state machine needs. CasStatus must
// be an atomic compare-and-set: it updates the status only if the stored
// value still equals from, and reports whether it did.
type Store interface {
	CreateTrade(ctx context.Context, t *Trade) error
	GetTrade(ctx context.Context, id string) (*Trade, error)
	CasStatus(ctx context.Context, id string, from, to Status) (bool, error)
	SetOfferID(ctx context.Context, id, offerID string) error
	IncrementAttempts(ctx context.Context, id string) error
}

// Refunder is the compensation collaborator invoked when a trade fails
// after payment.
type Refunder interface {
	Refund(ctx context.Context, tradeID, reason string) error
}
