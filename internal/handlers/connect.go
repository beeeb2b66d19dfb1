package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jeriewang/crh-botnet/internal/crypto"
	"github.com/jeriewang/crh-botnet/internal/metrics"
	"github.com/jeriewang/crh-botnet/internal/store"
)

// ConnectRequest represents the connect request body.
type ConnectRequest struct {
	ID *int `json:"id"`
}

// ConnectResponse carries the session token for all subsequent calls.
type ConnectResponse struct {
	Token string `json:"token"`
}

// Connect registers a robot with the relay and issues its session token.
// The requested ID must not belong to a live session; a stale session for
// the same ID is evicted first.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	token, err := crypto.NewSessionToken()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to generate session token")
		return
	}

	if err := h.store.Connect(r.Context(), *req.ID, token); err != nil {
		if errors.Is(err, store.ErrIDTaken) {
			h.Error(w, http.StatusForbidden, "a robot with the same id is connected")
			return
		}
		h.Error(w, http.StatusInternalServerError, "registry error")
		return
	}

	metrics.ConnectsTotal.Inc()
	h.updateSessionGauge(r)
	h.JSON(w, http.StatusOK, ConnectResponse{Token: token})
}

// updateSessionGauge refreshes the active-session gauge. Best effort.
func (h *Handler) updateSessionGauge(r *http.Request) {
	if n, err := h.store.CountSessions(r.Context()); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
}
