package steam

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// OfferEvent is one asynchronous offer-state change pushed by the platform
// relay. TradeID is our reference, echoed back from the offer message field.
type OfferEvent struct {
	OfferID string `json:"offer_id"`
	TradeID string `json:"trade_id"`
	State   string `json:"state"` // "accepted", "declined", "expired", "countered"
}

// Listener maintains a websocket subscription to offer-state updates and
// hands each event to a handler. It reconnects with backoff until the
// context is cancelled.
type Listener struct {
	url     string
	handler func(OfferEvent)

	dialBackoff time.Duration
}

// NewListener builds a Listener for the given websocket endpoint.
func NewListener(wsURL string, handler func(OfferEvent)) *Listener {
	return &Listener{
		url:         wsURL,
		handler:     handler,
		dialBackoff: 5 * time.Second,
	}
}

// Run blocks, reading events until ctx is cancelled. Connection failures
// are logged and retried; they never bubble up to the caller.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.readLoop(ctx); err != nil {
			log.Printf("[listener] connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.dialBackoff):
		}
	}
}

func (l *Listener) readLoop(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadJSON when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	log.Printf("[listener] connected to %s", l.url)
	for {
		var ev OfferEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return nil
		}
		if ev.OfferID == "" {
			continue
		}
		l.handler(ev)
	}
}
