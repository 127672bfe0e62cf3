package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/skinvault-gg/skinvault/internal/pool"
	"github.com/skinvault-gg/skinvault/internal/secrets"
	"github.com/skinvault-gg/skinvault/internal/steam"
)

// CredentialSealer persists newly registered agent credentials at rest so
// they survive restarts. The file vault in internal/secrets implements it.
type CredentialSealer interface {
	SealAgent(id string, creds secrets.Credentials) error
	RemoveAgent(id string) error
}

type registerAgentRequest struct {
	ID           string `json:"id"`
	AccountName  string `json:"account_name"`
	Password     string `json:"password"`
	SharedSecret string `json:"shared_secret"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.AccountName == "" || req.Password == "" || req.SharedSecret == "" {
		writeError(w, http.StatusBadRequest, "account_name, password and shared_secret are required")
		return
	}
	if req.ID == "" {
		req.ID = req.AccountName
	}

	transport := steam.NewClient(steam.Credentials{
		AccountName:  req.AccountName,
		Password:     req.Password,
		SharedSecret: req.SharedSecret,
	})
	if err := s.pool.Register(pool.AgentConfig{ID: req.ID, Transport: transport}); err != nil {
		if errors.Is(err, pool.ErrDuplicateAgent) {
			writeError(w, http.StatusConflict, "agent already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "register agent failed")
		return
	}

	if err := s.sealer.SealAgent(req.ID, secrets.Credentials{
		AccountName:  req.AccountName,
		Password:     req.Password,
		SharedSecret: req.SharedSecret,
	}); err != nil {
		// The session is usable for this process lifetime but will not
		// survive a restart; surface that instead of pretending.
		s.pool.Unregister(req.ID)
		writeError(w, http.StatusInternalServerError, "persist agent credentials failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     req.ID,
		"status": string(pool.StatusOffline),
	})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	id := r.PathValue("id")
	s.pool.Unregister(id)
	if err := s.sealer.RemoveAgent(id); err != nil {
		writeError(w, http.StatusInternalServerError, "remove agent credentials failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type agentOutcome struct {
	Agent string `json:"agent"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleStartAgents(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	report := s.pool.StartAll(r.Context())
	outcomes := make([]agentOutcome, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		ao := agentOutcome{Agent: o.AgentID, Ok: o.Err == nil}
		if o.Err != nil {
			ao.Error = o.Err.Error()
		}
		outcomes = append(outcomes, ao)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"outcomes":  outcomes,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Agents())
}
