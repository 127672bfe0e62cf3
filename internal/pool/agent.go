// Package pool manages the set of automated trading sessions and picks one
// for each outbound dispatch. All agent state lives behind the Pool; nothing
// outside this package reads or writes an agent's counters.
package pool

import (
	"fmt"

	"github.com/skinvault-gg/skinvault/internal/steam"
)

// Status is an agent's connectivity state.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
)

// AgentConfig registers one agent session with the pool.
type AgentConfig struct {
	ID        string
	Transport steam.Transport
}

// agentState is the pool-private record for one session.
type agentState struct {
	id        string
	transport steam.Transport

	status       Status
	ready        bool // session fully initialized, accepts trades
	activeTrades int
	inventory    int
	lastCheck    int64 // unix seconds of last health evaluation
}

// AgentInfo is a read-only snapshot of one agent, safe to hand to callers.
type AgentInfo struct {
	ID           string `json:"id"`
	Status       Status `json:"status"`
	Ready        bool   `json:"ready"`
	ActiveTrades int    `json:"active_trades"`
	Inventory    int    `json:"inventory"`
	LastCheck    int64  `json:"last_check"`
}

func (a *agentState) snapshot() AgentInfo {
	return AgentInfo{
		ID:           a.id,
		Status:       a.status,
		Ready:        a.ready,
		ActiveTrades: a.activeTrades,
		Inventory:    a.inventory,
		LastCheck:    a.lastCheck,
	}
}

// EventKind tags the closed set of session events the pool emits.
type EventKind string

const (
	EventLoginSucceeded EventKind = "login_succeeded"
	EventLoginFailed    EventKind = "login_failed"
	EventOfferSent      EventKind = "offer_sent"
	EventSessionExpired EventKind = "session_expired"
)

// Event is one tagged session event, consumed via Pool.Events.
type Event struct {
	Kind    EventKind
	AgentID string
	Err     error // set for login_failed and session_expired
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s agent=%s err=%v", e.Kind, e.AgentID, e.Err)
	}
	return fmt.Sprintf("%s agent=%s", e.Kind, e.AgentID)
}
