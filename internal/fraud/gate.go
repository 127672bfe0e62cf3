// Package fraud provides the pre-trade check collaborator. The scoring
// itself lives in an external service; this is only the call contract.
package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/skinvault-gg/skinvault/internal/pool"
)

// HTTPGate calls the fraud service once per dispatch.
type HTTPGate struct {
	url  string
	http *http.Client
}

// NewHTTPGate builds a gate client for the given endpoint.
func NewHTTPGate(url string) *HTTPGate {
	return &HTTPGate{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// PreTradeCheck implements pool.FraudGate.
func (g *HTTPGate) PreTradeCheck(ctx context.Context, req pool.TradeRequest) (pool.Verdict, error) {
	body, err := json.Marshal(map[string]any{
		"trade_id":    req.TradeID,
		"counterpart": req.To.SteamID64,
		"give":        len(req.Give),
		"receive":     len(req.Receive),
	})
	if err != nil {
		return pool.Verdict{}, fmt.Errorf("marshal check request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return pool.Verdict{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return pool.Verdict{}, fmt.Errorf("fraud gate request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pool.Verdict{}, fmt.Errorf("fraud gate status %d", resp.StatusCode)
	}

	var out struct {
		Passed bool   `json:"passed"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pool.Verdict{}, fmt.Errorf("decode fraud gate response: %w", err)
	}
	return pool.Verdict{Passed: out.Passed, Reason: out.Reason}, nil
}

// AllowAll passes every trade. For development without a fraud service.
type AllowAll struct{}

// PreTradeCheck implements pool.FraudGate.
func (AllowAll) PreTradeCheck(context.Context, pool.TradeRequest) (pool.Verdict, error) {
	return pool.Verdict{Passed: true}, nil
}
