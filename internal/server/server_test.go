package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/skinvault-gg/skinvault/internal/escrow"
	"github.com/skinvault-gg/skinvault/internal/metrics"
	"github.com/skinvault-gg/skinvault/internal/pool"
	"github.com/skinvault-gg/skinvault/internal/queue"
	"github.com/skinvault-gg/skinvault/internal/ratelimit"
	"github.com/skinvault-gg/skinvault/internal/secrets"
	"github.com/skinvault-gg/skinvault/internal/steam"
	"github.com/skinvault-gg/skinvault/internal/storage"
)

// okTransport is an always-working agent session.
type okTransport struct{}

func (okTransport) Login(context.Context) error  { return nil }
func (okTransport) Logout(context.Context) error { return nil }
func (okTransport) SendOffer(context.Context, []steam.Item, []steam.Item, steam.Counterpart) (string, error) {
	return "offer-e2e", nil
}
func (okTransport) InventoryCount(context.Context) (int, error) { return 10, nil }

type allowGate struct{}

func (allowGate) PreTradeCheck(context.Context, pool.TradeRequest) (pool.Verdict, error) {
	return pool.Verdict{Passed: true}, nil
}

type recordRefunder struct {
	mu    sync.Mutex
	calls int
}

func (r *recordRefunder) Refund(context.Context, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *recordRefunder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type testEnv struct {
	srv      *Server
	db       *storage.DB
	pool     *pool.Pool
	refunder *recordRefunder
}

// setupTestServer wires the full stack over a temporary database and an
// in-process rate limit store.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p := pool.New(pool.Config{
		MaxLoginAttempts:    2,
		LoginBackoffBase:    time.Millisecond,
		LoginBackoffCap:     5 * time.Millisecond,
		InventoryCapacity:   900,
		HealthCheckInterval: time.Hour, // not exercised in handler tests
	}, allowGate{})

	machine := escrow.NewMachine(db)
	refunder := &recordRefunder{}
	outcomes := escrow.NewOutcomes(machine, db, refunder)

	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 1000, time.Second)
	q := queue.New(queue.Config{MaxAttempts: 3, RetryBackoff: 5 * time.Millisecond}, limiter, p, outcomes)

	vault, err := secrets.NewFileVault(filepath.Join(dir, "agents"), "test-passphrase")
	if err != nil {
		t.Fatalf("NewFileVault: %v", err)
	}

	srv := New(db, p, q, machine, outcomes, "test-secret", vault)
	return &testEnv{srv: srv, db: db, pool: p, refunder: refunder}
}

// doJSON performs a request with an optional JSON body and decodes the response.
func doJSON(t *testing.T, srv *Server, method, path string, body any, admin bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if admin {
		req.Header.Set("X-Admin-Secret", "test-secret")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	// Some endpoints answer with a JSON array; those callers decode
	// rec.Body themselves and get an empty map here.
	out := map[string]any{}
	if rec.Body.Len() > 0 {
		var v any
		if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if m, ok := v.(map[string]any); ok {
			out = m
		}
	}
	return rec, out
}

// createTestTrade creates a trade over the API and returns its id.
func createTestTrade(t *testing.T, srv *Server) string {
	t.Helper()
	rec, out := doJSON(t, srv, http.MethodPost, "/api/trades", map[string]any{
		"buyer_steam_id":   "76561198000000001",
		"seller_steam_id":  "76561198000000002",
		"items_to_receive": []string{"asset-9"},
		"trade_token":      "tok",
	}, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create trade: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return out["id"].(string)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	rec, out := doJSON(t, env.srv, http.MethodGet, "/api/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["status"] != "ok" || out["db"] != "up" {
		t.Errorf("health = %v", out)
	}
}

func TestCreateTrade_Validation(t *testing.T) {
	env := setupTestServer(t)

	rec, _ := doJSON(t, env.srv, http.MethodPost, "/api/trades", map[string]any{
		"buyer_steam_id": "1",
	}, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing seller: status = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, env.srv, http.MethodPost, "/api/trades", map[string]any{
		"buyer_steam_id":  "1",
		"seller_steam_id": "2",
	}, false)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no items: status = %d, want 400", rec.Code)
	}
}

func TestGetTrade(t *testing.T) {
	env := setupTestServer(t)
	id := createTestTrade(t, env.srv)

	rec, out := doJSON(t, env.srv, http.MethodGet, "/api/trades/"+id, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if out["status"] != string(escrow.StatusPendingPayment) {
		t.Errorf("status = %v", out["status"])
	}

	rec, _ = doJSON(t, env.srv, http.MethodGet, "/api/trades/missing", nil, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing trade: status = %d, want 404", rec.Code)
	}
}

func TestPayment_RequiresAdminSecret(t *testing.T) {
	env := setupTestServer(t)
	id := createTestTrade(t, env.srv)

	rec, _ := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/payment", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPayment_EnqueuesDispatch(t *testing.T) {
	env := setupTestServer(t)
	id := createTestTrade(t, env.srv)

	rec, out := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/payment", nil, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if out["job"] == "" {
		t.Error("expected a job id")
	}

	got, err := env.db.GetTrade(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.Status != escrow.StatusPaymentReceived {
		t.Errorf("status = %s, want %s", got.Status, escrow.StatusPaymentReceived)
	}

	// Double webhook delivery is a no-op, not an error.
	rec, _ = doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/payment", nil, true)
	if rec.Code != http.StatusAccepted {
		t.Errorf("duplicate webhook: status = %d, want 202", rec.Code)
	}
}

func TestCancel_PendingPayment(t *testing.T) {
	env := setupTestServer(t)
	id := createTestTrade(t, env.srv)

	rec, out := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/cancel", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if out["status"] != string(escrow.StatusCancelled) {
		t.Errorf("status = %v", out["status"])
	}
	if env.refunder.count() != 0 {
		t.Errorf("refunds = %d, want 0 before payment", env.refunder.count())
	}
}

func TestCancel_PaidButQueuedRefunds(t *testing.T) {
	env := setupTestServer(t)
	id := createTestTrade(t, env.srv)

	// Worker not running: the job stays queued.
	if rec, _ := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/payment", nil, true); rec.Code != http.StatusAccepted {
		t.Fatalf("payment failed: %d", rec.Code)
	}

	rec, out := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/cancel", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if out["status"] != string(escrow.StatusFailed) {
		t.Errorf("status = %v, want FAILED", out["status"])
	}
	if env.refunder.count() != 1 {
		t.Errorf("refunds = %d, want 1", env.refunder.count())
	}
}

func TestCancel_DispatchedTradeRefused(t *testing.T) {
	env := setupTestServer(t)
	id := createTestTrade(t, env.srv)

	ctx := context.Background()
	machine := escrow.NewMachine(env.db)
	if _, err := machine.Transition(ctx, id, escrow.StatusPaymentReceived); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := machine.Transition(ctx, id, escrow.StatusAwaitingSeller); err != nil {
		t.Fatalf("transition: %v", err)
	}

	rec, _ := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/cancel", nil, false)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestAgentAdmin_RegisterListUnregister(t *testing.T) {
	env := setupTestServer(t)

	body := map[string]string{
		"account_name":  "vault_bot_07",
		"password":      "pw",
		"shared_secret": "c2VjcmV0",
	}
	rec, _ := doJSON(t, env.srv, http.MethodPost, "/api/admin/agents", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec, _ = doJSON(t, env.srv, http.MethodPost, "/api/admin/agents", body, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register: status = %d, want 409", rec.Code)
	}

	rec, _ = doJSON(t, env.srv, http.MethodGet, "/api/admin/agents", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var agents []pool.AgentInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "vault_bot_07" || agents[0].Status != pool.StatusOffline {
		t.Errorf("agents = %+v", agents)
	}

	rec, _ = doJSON(t, env.srv, http.MethodDelete, "/api/admin/agents/vault_bot_07", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("unregister: status = %d", rec.Code)
	}
	if got := len(env.pool.Agents()); got != 0 {
		t.Errorf("agents after unregister = %d, want 0", got)
	}
}

func TestAgentAdmin_RejectsWithoutSecret(t *testing.T) {
	env := setupTestServer(t)
	for _, path := range []string{"/api/admin/agents", "/api/admin/agents/start"} {
		rec, _ := doJSON(t, env.srv, http.MethodPost, path, nil, false)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", path, rec.Code)
		}
	}
}

func TestEndToEnd_PaymentDispatchesOffer(t *testing.T) {
	env := setupTestServer(t)

	if err := env.pool.Register(pool.AgentConfig{ID: "bot1", Transport: okTransport{}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	report := env.pool.StartAll(context.Background())
	if report.Succeeded != 1 {
		t.Fatalf("start report = %+v", report)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.srv.StartWorkers(ctx)

	id := createTestTrade(t, env.srv)
	if rec, _ := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/payment", nil, true); rec.Code != http.StatusAccepted {
		t.Fatalf("payment failed: %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.db.GetTrade(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTrade: %v", err)
		}
		if got.Status == escrow.StatusAwaitingSeller {
			if got.OfferID != "offer-e2e" {
				t.Fatalf("offer id = %q", got.OfferID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("trade stuck in %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if env.refunder.count() != 0 {
		t.Errorf("refunds = %d, want 0", env.refunder.count())
	}
	if got := env.pool.Agents()[0].ActiveTrades; got != 0 {
		t.Errorf("active trades = %d, want 0 after settle", got)
	}
}

func TestStartWorkers_RecoversPaidTrades(t *testing.T) {
	env := setupTestServer(t)

	if err := env.pool.Register(pool.AgentConfig{ID: "bot1", Transport: okTransport{}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if report := env.pool.StartAll(context.Background()); report.Succeeded != 1 {
		t.Fatalf("start report = %+v", report)
	}

	// Paid before the "restart": no job handle exists for it.
	id := createTestTrade(t, env.srv)
	machine := escrow.NewMachine(env.db)
	if _, err := machine.Transition(context.Background(), id, escrow.StatusPaymentReceived); err != nil {
		t.Fatalf("transition: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.srv.StartWorkers(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.db.GetTrade(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTrade: %v", err)
		}
		if got.Status == escrow.StatusAwaitingSeller {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("trade stuck in %s, recovery sweep did not re-enqueue it", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJobTracking_PrunesSettledJobs(t *testing.T) {
	env := setupTestServer(t)

	id := createTestTrade(t, env.srv)
	if rec, _ := doJSON(t, env.srv, http.MethodPost, "/api/trades/"+id+"/payment", nil, true); rec.Code != http.StatusAccepted {
		t.Fatalf("payment failed: %d", rec.Code)
	}

	job := env.srv.pendingJob(id)
	if job == nil {
		t.Fatal("expected a tracked job")
	}
	env.srv.pruneJobs()
	if env.srv.pendingJob(id) == nil {
		t.Fatal("live job must survive pruning")
	}

	if !job.Cancel() {
		t.Fatal("Cancel should succeed while queued")
	}
	env.srv.pruneJobs()
	if env.srv.pendingJob(id) != nil {
		t.Fatal("settled job should be pruned")
	}
}

func TestPublicSurface_PerIPRateLimit(t *testing.T) {
	env := setupTestServer(t)
	throttledBefore := testutil.ToFloat64(metrics.PublicThrottled)

	var last int
	for i := 0; i < 61; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/trades/missing", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		rec := httptest.NewRecorder()
		env.srv.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("61st request status = %d, want 429", last)
	}
	if got := testutil.ToFloat64(metrics.PublicThrottled) - throttledBefore; got != 1 {
		t.Errorf("throttled counter rose by %v, want 1", got)
	}

	// A different caller is unaffected.
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/trades/%s", "missing"), nil)
	req.RemoteAddr = "198.51.100.7:1234"
	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("fresh ip status = %d, want 404", rec.Code)
	}
}
