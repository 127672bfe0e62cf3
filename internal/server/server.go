// Package server is the HTTP surface of the trade brokering service: trade
// intake for the storefront, admin endpoints for agent management, and a
// health probe. Dispatch itself happens in the background workers.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/skinvault-gg/skinvault/internal/escrow"
	"github.com/skinvault-gg/skinvault/internal/pool"
	"github.com/skinvault-gg/skinvault/internal/queue"
	"github.com/skinvault-gg/skinvault/internal/storage"
)

// Server is the main HTTP server for the skinvault API.
type Server struct {
	db       *storage.DB
	pool     *pool.Pool
	queue    *queue.Queue
	machine  *escrow.Machine
	outcomes *escrow.Outcomes
	secret   string
	mux      *http.ServeMux
	rl       *rateLimiter

	// sealer persists newly registered agent credentials; see agents.go.
	sealer CredentialSealer

	mu   sync.Mutex
	jobs map[string]*queue.Job // trade id -> pending dispatch job
}

// New creates a new Server with all routes registered.
func New(db *storage.DB, p *pool.Pool, q *queue.Queue, m *escrow.Machine, o *escrow.Outcomes, secret string, sealer CredentialSealer) *Server {
	s := &Server{
		db:       db,
		pool:     p,
		queue:    q,
		machine:  m,
		outcomes: o,
		secret:   secret,
		mux:      http.NewServeMux(),
		rl:       newRateLimiter(60, time.Minute),
		sealer:   sealer,
		jobs:     make(map[string]*queue.Job),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Trades (public storefront surface, per-IP rate limited)
	s.mux.HandleFunc("POST /api/trades", s.rl.limit(s.handleCreateTrade))
	s.mux.HandleFunc("GET /api/trades/{id}", s.rl.limit(s.handleGetTrade))
	s.mux.HandleFunc("POST /api/trades/{id}/payment", s.handlePaymentReceived)
	s.mux.HandleFunc("POST /api/trades/{id}/cancel", s.rl.limit(s.handleCancelTrade))

	// Agents (X-Admin-Secret auth)
	s.mux.HandleFunc("POST /api/admin/agents", s.handleRegisterAgent)
	s.mux.HandleFunc("DELETE /api/admin/agents/{id}", s.handleUnregisterAgent)
	s.mux.HandleFunc("POST /api/admin/agents/start", s.handleStartAgents)
	s.mux.HandleFunc("GET /api/admin/agents", s.handleListAgents)
}

// handleHealth reports process and collaborator liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "up"
	if err := s.db.Ping(); err != nil {
		dbStatus = "down"
	}

	online := 0
	agents := s.pool.Agents()
	for _, a := range agents {
		if a.Status == pool.StatusOnline && a.Ready {
			online++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"service":       "skinvault",
		"db":            dbStatus,
		"agents":        len(agents),
		"agents_online": online,
		"queue_depth":   s.queue.Depth(),
	})
}

// adminAuth checks the X-Admin-Secret header against the server secret.
// Returns false (writing a 401) if the header is missing or incorrect.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("X-Admin-Secret") != s.secret {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

// trackJob remembers the pending dispatch job for a trade so a cancel
// request can withdraw it before the worker picks it up.
func (s *Server) trackJob(tradeID string, j *queue.Job) {
	s.mu.Lock()
	s.jobs[tradeID] = j
	s.mu.Unlock()
}

func (s *Server) pendingJob(tradeID string) *queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[tradeID]
}

// pruneJobs drops handles for settled jobs so the map does not grow with
// every trade the process ever dispatched. Runs on the gauge cadence.
func (s *Server) pruneJobs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.Settled() {
			delete(s.jobs, id)
		}
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
