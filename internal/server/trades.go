package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/skinvault-gg/skinvault/internal/escrow"
	"github.com/skinvault-gg/skinvault/internal/pool"
	"github.com/skinvault-gg/skinvault/internal/steam"
)

// Counter-Strike items; every listing on the storefront lives in this app.
const (
	steamAppID     = 730
	steamContextID = "2"
)

type createTradeRequest struct {
	BuyerSteamID   string   `json:"buyer_steam_id"`
	SellerSteamID  string   `json:"seller_steam_id"`
	ItemsToGive    []string `json:"items_to_give"`
	ItemsToReceive []string `json:"items_to_receive"`
	TradeToken     string   `json:"trade_token"`
}

type tradeResponse struct {
	ID      string        `json:"id"`
	Status  escrow.Status `json:"status"`
	OfferID string        `json:"offer_id,omitempty"`
}

// handleCreateTrade opens a new escrow transaction in PENDING_PAYMENT. No
// dispatch happens until the payment webhook confirms funds.
func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.BuyerSteamID == "" || req.SellerSteamID == "" {
		writeError(w, http.StatusBadRequest, "buyer and seller steam ids are required")
		return
	}
	if len(req.ItemsToGive) == 0 && len(req.ItemsToReceive) == 0 {
		writeError(w, http.StatusBadRequest, "trade must move at least one item")
		return
	}

	now := time.Now().Unix()
	t := &escrow.Trade{
		ID:            uuid.New().String(),
		BuyerSteamID:  req.BuyerSteamID,
		SellerSteamID: req.SellerSteamID,
		ItemsToGive:   req.ItemsToGive,
		ItemsToTake:   req.ItemsToReceive,
		Status:        escrow.StatusPendingPayment,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.CreateTrade(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, "create trade failed")
		return
	}

	writeJSON(w, http.StatusCreated, tradeResponse{ID: t.ID, Status: t.Status})
}

// handleGetTrade returns the trade's current lifecycle state. Internal
// failure detail stays in the logs; callers get the reference for support.
func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.db.GetTrade(r.Context(), r.PathValue("id"))
	if errors.Is(err, escrow.ErrTradeNotFound) {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load trade failed")
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{ID: t.ID, Status: t.Status, OfferID: t.OfferID})
}

// handlePaymentReceived is the payment provider's webhook. It moves the
// trade to PAYMENT_RECEIVED and enqueues the dispatch job.
func (s *Server) handlePaymentReceived(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	id := r.PathValue("id")

	// Payment providers redeliver webhooks; a trade that already has a
	// dispatch job in flight must not get a second one.
	if job := s.pendingJob(id); job != nil && !job.Settled() {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": string(escrow.StatusPaymentReceived),
			"job":    job.ID,
		})
		return
	}

	t, err := s.machine.Transition(r.Context(), id, escrow.StatusPaymentReceived)
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	job := s.queue.Enqueue(dispatchRequest(t))
	s.trackJob(t.ID, job)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     t.ID,
		"status": string(escrow.StatusPaymentReceived),
		"job":    job.ID,
	})
}

// handleCancelTrade withdraws a trade that has not been paid, or a paid
// trade whose dispatch job is still queued. Anything already sent to the
// platform can only be compensated, not cancelled.
func (s *Server) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	t, err := s.db.GetTrade(r.Context(), id)
	if errors.Is(err, escrow.ErrTradeNotFound) {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load trade failed")
		return
	}

	switch t.Status {
	case escrow.StatusPendingPayment:
		if _, err := s.machine.Transition(r.Context(), id, escrow.StatusCancelled); err != nil {
			writeTransitionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     id,
			"status": string(escrow.StatusCancelled),
		})
	case escrow.StatusPaymentReceived:
		// Paid but not dispatched: withdrawing fails the trade and the
		// buyer is made whole through compensation.
		job := s.pendingJob(id)
		if job == nil || !job.Cancel() {
			writeError(w, http.StatusConflict, "trade is already dispatching")
			return
		}
		s.outcomes.JobFailed(r.Context(), id, errors.New("cancelled before dispatch"))
		writeJSON(w, http.StatusOK, map[string]string{
			"id":     id,
			"status": string(escrow.StatusFailed),
		})
	default:
		writeError(w, http.StatusConflict, "trade state does not allow cancellation")
	}
}

func writeTransitionError(w http.ResponseWriter, err error) {
	var ite *escrow.InvalidTransitionError
	switch {
	case errors.Is(err, escrow.ErrTradeNotFound):
		writeError(w, http.StatusNotFound, "trade not found")
	case errors.As(err, &ite):
		writeError(w, http.StatusConflict, "trade state does not allow this action")
	default:
		writeError(w, http.StatusInternalServerError, "trade update failed")
	}
}

// dispatchRequest builds the pool payload for one paid trade.
func dispatchRequest(t *escrow.Trade) pool.TradeRequest {
	return pool.TradeRequest{
		TradeID: t.ID,
		Give:    toItems(t.ItemsToGive),
		Receive: toItems(t.ItemsToTake),
		To: steam.Counterpart{
			SteamID64: t.SellerSteamID,
		},
	}
}

func toItems(assetIDs []string) []steam.Item {
	items := make([]steam.Item, 0, len(assetIDs))
	for _, id := range assetIDs {
		items = append(items, steam.Item{
			AssetID:   id,
			AppID:     steamAppID,
			ContextID: steamContextID,
		})
	}
	return items
}
