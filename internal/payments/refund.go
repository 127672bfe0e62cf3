// Package payments holds the compensation collaborator contract. Refunds
// execute in the external payment service; the core only triggers them.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// HTTPRefunder posts refund orders to the payment service.
type HTTPRefunder struct {
	url  string
	http *http.Client
}

// NewHTTPRefunder builds a refund client for the given endpoint.
func NewHTTPRefunder(url string) *HTTPRefunder {
	return &HTTPRefunder{
		url:  url,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// Refund implements escrow.Refunder.
func (r *HTTPRefunder) Refund(ctx context.Context, tradeID, reason string) error {
	body, err := json.Marshal(map[string]string{
		"trade_id": tradeID,
		"reason":   reason,
	})
	if err != nil {
		return fmt.Errorf("marshal refund: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("refund request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("refund service status %d", resp.StatusCode)
	}
	return nil
}

// LogRefunder records refund orders in the log only. For development
// without a payment service; every call is loud on purpose.
type LogRefunder struct{}

// Refund implements escrow.Refunder.
func (LogRefunder) Refund(_ context.Context, tradeID, reason string) error {
	log.Printf("[payments] REFUND trade=%s reason=%q (no payment service configured)", tradeID, reason)
	return nil
}
