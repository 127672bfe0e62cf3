package steam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://steamcommunity.com"

// Client is an HTTP-backed Transport for one agent session. Each client
// carries its own cookie jar (session state) and a local courtesy limiter
// so a single session cannot burst the platform even when the global
// window has room.
type Client struct {
	creds   Credentials
	baseURL string
	http    *http.Client
	pace    *rate.Limiter

	sessionID string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different endpoint (tests, proxies).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithPace overrides the per-session request pacing.
func WithPace(rps float64, burst int) ClientOption {
	return func(c *Client) { c.pace = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient builds a Transport for the given credentials.
func NewClient(creds Credentials, opts ...ClientOption) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		creds:   creds,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		pace: rate.NewLimiter(rate.Limit(1), 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login establishes a community session, presenting the current two-factor
// code derived from the shared secret.
func (c *Client) Login(ctx context.Context) error {
	code, err := GuardCode(c.creds.SharedSecret, time.Now())
	if err != nil {
		return &TransportError{Op: "login", Transient: false, Err: err}
	}

	form := url.Values{
		"username":       {c.creds.AccountName},
		"password":       {c.creds.Password},
		"twofactorcode":  {code},
		"remember_login": {"true"},
	}

	var resp struct {
		Success   bool   `json:"success"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := c.postForm(ctx, "login", "/login/dologin/", form, &resp); err != nil {
		return err
	}
	if !resp.Success {
		// A rejected login is not retryable with the same inputs.
		return &TransportError{Op: "login", Transient: false, Err: fmt.Errorf("rejected: %s", resp.Message)}
	}
	c.sessionID = resp.SessionID
	return nil
}

// Logout drops the community session. Errors are reported but the local
// session state is cleared regardless.
func (c *Client) Logout(ctx context.Context) error {
	defer func() { c.sessionID = "" }()
	if c.sessionID == "" {
		return nil
	}
	form := url.Values{"sessionid": {c.sessionID}}
	return c.postForm(ctx, "logout", "/login/logout/", form, nil)
}

// SendOffer posts a new trade offer and returns its identifier.
func (c *Client) SendOffer(ctx context.Context, give, receive []Item, to Counterpart) (string, error) {
	if c.sessionID == "" {
		return "", &TransportError{Op: "send_offer", Transient: true, Err: errors.New("session expired")}
	}
	if to.SteamID64 == "" {
		return "", &TransportError{Op: "send_offer", Transient: false, Err: errors.New("missing counterpart steam id")}
	}

	offer := map[string]any{
		"newversion": true,
		"version":    2,
		"me":         map[string]any{"assets": give, "currency": []any{}, "ready": false},
		"them":       map[string]any{"assets": receive, "currency": []any{}, "ready": false},
	}
	offerJSON, err := json.Marshal(offer)
	if err != nil {
		return "", &TransportError{Op: "send_offer", Transient: false, Err: err}
	}

	form := url.Values{
		"sessionid":                {c.sessionID},
		"partner":                  {to.SteamID64},
		"trade_offer_access_token": {to.TradeToken},
		"json_tradeoffer":          {string(offerJSON)},
		"serverid":                 {"1"},
	}

	var resp struct {
		TradeOfferID string `json:"tradeofferid"`
		Error        string `json:"strError"`
	}
	if err := c.postForm(ctx, "send_offer", "/tradeoffer/new/send", form, &resp); err != nil {
		return "", err
	}
	if resp.TradeOfferID == "" {
		return "", &TransportError{Op: "send_offer", Transient: false, Err: fmt.Errorf("offer rejected: %s", resp.Error)}
	}
	return resp.TradeOfferID, nil
}

// InventoryCount fetches the size of the session's tradable inventory.
func (c *Client) InventoryCount(ctx context.Context) (int, error) {
	var resp struct {
		TotalInventoryCount int `json:"total_inventory_count"`
	}
	if err := c.get(ctx, "inventory", "/inventory/count", &resp); err != nil {
		return 0, err
	}
	return resp.TotalInventoryCount, nil
}

// --------- HTTP plumbing ---------

func (c *Client) postForm(ctx context.Context, op, path string, form url.Values, out any) error {
	if err := c.pace.Wait(ctx); err != nil {
		return &TransportError{Op: op, Transient: true, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return &TransportError{Op: op, Transient: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(op, req, out)
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	if err := c.pace.Wait(ctx); err != nil {
		return &TransportError{Op: op, Transient: true, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &TransportError{Op: op, Transient: false, Err: err}
	}
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Transient: isNetErr(err), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransportError{Op: op, Transient: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &TransportError{Op: op, Transient: false, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Transient: false, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// isNetErr reports whether err looks like transient network trouble rather
// than a programming error.
func isNetErr(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
