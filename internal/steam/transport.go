// Package steam talks to the external trade-offer API on behalf of agent
// sessions: login, offer sending, and asynchronous offer-state updates.
package steam

import (
	"context"
	"errors"
	"fmt"
)

// Item identifies one inventory asset in a trade offer.
type Item struct {
	AssetID   string `json:"asset_id"`
	AppID     int    `json:"app_id"`
	ContextID string `json:"context_id"`
}

// Counterpart identifies the other party of an offer.
type Counterpart struct {
	SteamID64  string `json:"steam_id"`
	TradeToken string `json:"trade_token"`
}

// Credentials is everything a session needs to authenticate.
// SharedSecret feeds the two-factor code generator.
type Credentials struct {
	AccountName  string
	Password     string
	SharedSecret string
}

// Transport is the per-agent surface the pool depends on. Implementations
// must classify failures via TransportError so callers can tell transient
// network trouble from terminal validation failures.
type Transport interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	// SendOffer proposes an item exchange and returns the platform's offer
	// identifier on success.
	SendOffer(ctx context.Context, give, receive []Item, to Counterpart) (string, error)
	// InventoryCount reports how many items the session currently holds.
	InventoryCount(ctx context.Context) (int, error)
}

// TransportError wraps a failed call against the external API.
type TransportError struct {
	Op        string // "login", "send_offer", ...
	Transient bool   // retry may succeed
	Err       error
}

func (e *TransportError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("steam %s: %s: %v", e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Transient
}
