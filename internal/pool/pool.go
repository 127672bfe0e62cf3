package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/skinvault-gg/skinvault/internal/steam"
)

// ErrDuplicateAgent is returned by Register for an already-known identity.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrNoAgentAvailable means no session currently qualifies for dispatch.
// Transient: callers retry later rather than failing the trade.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrGateUnavailable means the fraud gate could not be reached. Transient.
var ErrGateUnavailable = errors.New("fraud gate unavailable")

// TradeBlockedError is a terminal dispatch refusal from the fraud gate.
type TradeBlockedError struct {
	Reason string
}

func (e *TradeBlockedError) Error() string {
	return "trade blocked: " + e.Reason
}

// LoginError reports an agent whose login attempts are exhausted.
type LoginError struct {
	AgentID  string
	Attempts int
	Err      error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("agent %s: login failed after %d attempts: %v", e.AgentID, e.Attempts, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// Verdict is the fraud gate's answer for one trade request.
type Verdict struct {
	Passed bool
	Reason string
}

// FraudGate is consulted once per dispatch, before any agent is touched.
type FraudGate interface {
	PreTradeCheck(ctx context.Context, req TradeRequest) (Verdict, error)
}

// TradeRequest is the payload of one dispatch.
type TradeRequest struct {
	TradeID string
	Give    []steam.Item
	Receive []steam.Item
	To      steam.Counterpart
}

// DispatchResult is a successful dispatch outcome.
type DispatchResult struct {
	OfferID string
	AgentID string
}

// LoginOutcome is one agent's tagged result from StartAll. Err nil means the
// session came online.
type LoginOutcome struct {
	AgentID string
	Err     error
}

// StartReport aggregates the outcomes of a concurrent StartAll.
type StartReport struct {
	Outcomes  []LoginOutcome
	Succeeded int
	Failed    int
}

// Config holds the pool's policy knobs.
type Config struct {
	MaxLoginAttempts    int
	LoginBackoffBase    time.Duration
	LoginBackoffCap     time.Duration
	InventoryCapacity   int // eligibility threshold, below the platform ceiling
	HealthCheckInterval time.Duration
}

// Pool owns every agent session. Construct one explicitly and pass it to
// collaborators; there is no package-level instance.
type Pool struct {
	cfg  Config
	gate FraudGate

	mu     sync.Mutex
	agents map[string]*agentState

	events chan Event
}

// New creates an empty pool.
func New(cfg Config, gate FraudGate) *Pool {
	return &Pool{
		cfg:    cfg,
		gate:   gate,
		agents: make(map[string]*agentState),
		events: make(chan Event, 64),
	}
}

// Events exposes the pool's session event stream. Events are dropped if the
// consumer falls behind; they are advisory, not state.
func (p *Pool) Events() <-chan Event { return p.events }

func (p *Pool) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}

// Register adds an agent in offline state. No network activity happens here.
func (p *Pool) Register(cfg AgentConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.agents[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, cfg.ID)
	}
	p.agents[cfg.ID] = &agentState{
		id:        cfg.ID,
		transport: cfg.Transport,
		status:    StatusOffline,
	}
	return nil
}

// Unregister removes an agent. In-flight dispatches on it are abandoned;
// their callers see the transport outcome as usual.
func (p *Pool) Unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, id)
}

// Agents returns a snapshot of every registered agent, ordered by id.
func (p *Pool) Agents() []AgentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AgentInfo, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartAll logs in every registered agent concurrently. One agent's failure
// never fails another: each settles into a tagged outcome. Agents whose
// attempts are exhausted stay offline and are retried by the health loop.
func (p *Pool) StartAll(ctx context.Context) StartReport {
	p.mu.Lock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)

	outcomes := make([]LoginOutcome, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			outcomes[i] = LoginOutcome{AgentID: id, Err: p.login(ctx, id)}
		}(i, id)
	}
	wg.Wait()

	report := StartReport{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err == nil {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	log.Printf("[pool] start: %d online, %d failed", report.Succeeded, report.Failed)
	return report
}

// login runs the bounded backoff login loop for one agent.
func (p *Pool) login(ctx context.Context, id string) error {
	p.mu.Lock()
	a, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("agent %s not registered", id)
	}
	transport := a.transport
	a.status = StatusConnecting
	a.ready = false
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxLoginAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.cfg.LoginBackoffBase << (attempt - 1)
			if backoff > p.cfg.LoginBackoffCap {
				backoff = p.cfg.LoginBackoffCap
			}
			select {
			case <-ctx.Done():
				p.setOffline(id)
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = transport.Login(ctx)
		if lastErr == nil {
			inv, invErr := transport.InventoryCount(ctx)
			p.mu.Lock()
			if a, ok := p.agents[id]; ok {
				a.status = StatusOnline
				a.ready = true
				a.lastCheck = time.Now().Unix()
				if invErr == nil {
					a.inventory = inv
				}
			}
			p.mu.Unlock()
			p.emit(Event{Kind: EventLoginSucceeded, AgentID: id})
			return nil
		}
		p.emit(Event{Kind: EventLoginFailed, AgentID: id, Err: lastErr})
		log.Printf("[pool] agent %s: login attempt %d/%d failed: %v",
			id, attempt+1, p.cfg.MaxLoginAttempts, lastErr)
	}

	p.setOffline(id)
	return &LoginError{AgentID: id, Attempts: p.cfg.MaxLoginAttempts, Err: lastErr}
}

// loginOnce is the health loop's single-shot re-login (no backoff loop; the
// ticker cadence is the retry policy).
func (p *Pool) loginOnce(ctx context.Context, id string) {
	p.mu.Lock()
	a, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	transport := a.transport
	a.status = StatusConnecting
	p.mu.Unlock()

	err := transport.Login(ctx)
	if err != nil {
		p.setOffline(id)
		p.emit(Event{Kind: EventLoginFailed, AgentID: id, Err: err})
		return
	}
	inv, invErr := transport.InventoryCount(ctx)
	p.mu.Lock()
	if a, ok := p.agents[id]; ok {
		a.status = StatusOnline
		a.ready = true
		a.lastCheck = time.Now().Unix()
		if invErr == nil {
			a.inventory = inv
		}
	}
	p.mu.Unlock()
	p.emit(Event{Kind: EventLoginSucceeded, AgentID: id})
}

func (p *Pool) setOffline(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[id]; ok {
		a.status = StatusOffline
		a.ready = false
		a.lastCheck = time.Now().Unix()
	}
}

// Available returns a snapshot of the agent the selection rule would pick,
// or nil when no session qualifies. Not an error: the condition is
// transient and callers retry.
func (p *Pool) Available() *AgentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.pickLocked()
	if a == nil {
		return nil
	}
	info := a.snapshot()
	return &info
}

// pickLocked applies the selection rule: eligible = online, ready, and
// inventory below the capacity threshold; among those, fewest active trades
// wins, ties broken by the most remaining inventory headroom.
func (p *Pool) pickLocked() *agentState {
	var best *agentState
	for _, a := range p.agents {
		if a.status != StatusOnline || !a.ready || a.inventory >= p.cfg.InventoryCapacity {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if a.activeTrades < best.activeTrades {
			best = a
			continue
		}
		if a.activeTrades == best.activeTrades {
			if p.cfg.InventoryCapacity-a.inventory > p.cfg.InventoryCapacity-best.inventory {
				best = a
			}
		}
	}
	return best
}

// DispatchTrade runs one trade through the fraud gate, selects a session,
// and sends the offer. The selected agent's active-trade count is
// incremented before the transport call and decremented on every exit path,
// exactly once.
func (p *Pool) DispatchTrade(ctx context.Context, req TradeRequest) (DispatchResult, error) {
	verdict, err := p.gate.PreTradeCheck(ctx, req)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("%w: %v", ErrGateUnavailable, err)
	}
	if !verdict.Passed {
		return DispatchResult{}, &TradeBlockedError{Reason: verdict.Reason}
	}

	p.mu.Lock()
	a := p.pickLocked()
	if a == nil {
		p.mu.Unlock()
		return DispatchResult{}, ErrNoAgentAvailable
	}
	a.activeTrades++
	transport := a.transport
	id := a.id
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if a.activeTrades > 0 {
			a.activeTrades--
		}
		p.mu.Unlock()
	}()

	offerID, err := transport.SendOffer(ctx, req.Give, req.Receive, req.To)
	if err != nil {
		if steam.IsTransient(err) {
			// The session may have expired under us; force a health-check
			// re-login rather than keep handing out a dead session.
			p.setOffline(id)
			p.emit(Event{Kind: EventSessionExpired, AgentID: id, Err: err})
		}
		return DispatchResult{}, fmt.Errorf("dispatch trade %s on agent %s: %w", req.TradeID, id, err)
	}

	p.emit(Event{Kind: EventOfferSent, AgentID: id})
	return DispatchResult{OfferID: offerID, AgentID: id}, nil
}

// RunHealthLoop re-logs non-online agents on a fixed cadence until ctx is
// cancelled. It runs in its own goroutines and never blocks dispatches.
func (p *Pool) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthCheck(ctx)
		}
	}
}

func (p *Pool) healthCheck(ctx context.Context) {
	p.mu.Lock()
	var stale []string
	for id, a := range p.agents {
		if a.status != StatusOnline {
			stale = append(stale, id)
		} else {
			a.lastCheck = time.Now().Unix()
		}
	}
	p.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	log.Printf("[pool] health check: re-logging %d agent(s)", len(stale))
	var wg sync.WaitGroup
	for _, id := range stale {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loginOnce(ctx, id)
		}(id)
	}
	wg.Wait()
}
