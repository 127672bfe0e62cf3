package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// memStore is an in-memory Store for exercising the machine without SQLite.
type memStore struct {
	mu     sync.Mutex
	trades map[string]*Trade
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[string]*Trade)}
}

func (s *memStore) CreateTrade(_ context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *memStore) GetTrade(_ context.Context, id string) (*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) CasStatus(_ context.Context, id string, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return false, ErrTradeNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (s *memStore) SetOfferID(_ context.Context, id, offerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	t.OfferID = offerID
	return nil
}

func (s *memStore) IncrementAttempts(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	t.Attempts++
	return nil
}

func seedTrade(t *testing.T, s *memStore, id string, status Status) {
	t.Helper()
	if err := s.CreateTrade(context.Background(), &Trade{ID: id, Status: status}); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}

func TestTransition_FreshTradeAcceptsPayment(t *testing.T) {
	s := newMemStore()
	seedTrade(t, s, "t1", StatusPendingPayment)
	m := NewMachine(s)

	got, err := m.Transition(context.Background(), "t1", StatusPaymentReceived)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != StatusPaymentReceived {
		t.Errorf("status = %s, want %s", got.Status, StatusPaymentReceived)
	}
}

func TestTransition_TerminalStateRejectsEverything(t *testing.T) {
	s := newMemStore()
	m := NewMachine(s)
	targets := []Status{
		StatusPendingPayment, StatusPaymentReceived, StatusAwaitingSeller,
		StatusAwaitingBuyer, StatusCancelled, StatusFailed,
	}

	seedTrade(t, s, "done", StatusCompleted)
	for _, target := range targets {
		_, err := m.Transition(context.Background(), "done", target)
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("COMPLETED -> %s: err = %v, want InvalidTransitionError", target, err)
		}
	}

	got, err := s.GetTrade(context.Background(), "done")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("rejected transitions must not change state, got %s", got.Status)
	}
}

func TestTransition_SameStateIsIdempotentNoOp(t *testing.T) {
	s := newMemStore()
	seedTrade(t, s, "t1", StatusAwaitingBuyer)
	m := NewMachine(s)

	// Duplicate "accepted" events land here twice; the second must not fail.
	for i := 0; i < 2; i++ {
		got, err := m.Transition(context.Background(), "t1", StatusAwaitingBuyer)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if got.Status != StatusAwaitingBuyer {
			t.Fatalf("call %d: status = %s", i+1, got.Status)
		}
	}
}

func TestTransition_SkipsDisallowedEdges(t *testing.T) {
	s := newMemStore()
	seedTrade(t, s, "t1", StatusPendingPayment)
	m := NewMachine(s)

	// Cannot jump straight to COMPLETED from PENDING_PAYMENT.
	_, err := m.Transition(context.Background(), "t1", StatusCompleted)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if ite.From != StatusPendingPayment || ite.To != StatusCompleted {
		t.Errorf("error edge = %s -> %s", ite.From, ite.To)
	}
}

func TestTransition_FullHappyPath(t *testing.T) {
	s := newMemStore()
	seedTrade(t, s, "t1", StatusPendingPayment)
	m := NewMachine(s)
	ctx := context.Background()

	path := []Status{
		StatusPaymentReceived, StatusAwaitingSeller, StatusAwaitingBuyer, StatusCompleted,
	}
	for _, target := range path {
		if _, err := m.Transition(ctx, "t1", target); err != nil {
			t.Fatalf("-> %s: %v", target, err)
		}
	}
}

func TestTransition_UnknownTrade(t *testing.T) {
	m := NewMachine(newMemStore())
	_, err := m.Transition(context.Background(), "nope", StatusPaymentReceived)
	if !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("err = %v, want ErrTradeNotFound", err)
	}
}

// racingStore loses the first CAS on purpose, simulating a concurrent
// transition landing between read and write.
type racingStore struct {
	*memStore
	raced bool
}

func (s *racingStore) CasStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	if !s.raced {
		s.raced = true
		// Concurrent writer moved the trade first.
		if _, err := s.memStore.CasStatus(ctx, id, from, StatusAwaitingSeller); err != nil {
			return false, err
		}
		return false, nil
	}
	return s.memStore.CasStatus(ctx, id, from, to)
}

func TestTransition_RetriesAfterLostCASRace(t *testing.T) {
	inner := newMemStore()
	seedTrade(t, inner, "t1", StatusPaymentReceived)
	s := &racingStore{memStore: inner}
	m := NewMachine(s)

	// The racing writer moves the trade to AWAITING_SELLER; from there
	// AWAITING_BUYER is still a legal edge, so the retry succeeds.
	got, err := m.Transition(context.Background(), "t1", StatusAwaitingBuyer)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != StatusAwaitingBuyer {
		t.Errorf("status = %s, want %s", got.Status, StatusAwaitingBuyer)
	}
}

func TestCanTransition_TableShape(t *testing.T) {
	for _, terminal := range []Status{StatusCompleted, StatusCancelled, StatusFailed} {
		if len(transitions[terminal]) != 0 {
			t.Errorf("%s must have no outgoing transitions", terminal)
		}
	}
	if !CanTransition(StatusPendingPayment, StatusCancelled) {
		t.Error("PENDING_PAYMENT -> CANCELLED must be allowed")
	}
	if CanTransition(StatusAwaitingBuyer, StatusAwaitingSeller) {
		t.Error("AWAITING_BUYER -> AWAITING_SELLER must not be allowed")
	}
}
