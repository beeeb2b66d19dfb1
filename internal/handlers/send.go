package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/jeriewang/crh-botnet/botnet"
	"github.com/jeriewang/crh-botnet/internal/api/middleware"
	"github.com/jeriewang/crh-botnet/internal/metrics"
)

// Send accepts a wire message from the authenticated robot and queues it.
// The declared sender must match the session; a broadcast recipient is
// expanded here into one entry per other current member, so the sentinel
// value is never stored.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.RobotFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var m botnet.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid wire message")
		return
	}

	if m.Sender != id {
		h.Error(w, http.StatusUnauthorized, "sender does not match session")
		return
	}

	if m.Recipient == botnet.Broadcast {
		if _, err := h.store.EnqueueBroadcast(r.Context(), id, &m); err != nil {
			h.Error(w, http.StatusInternalServerError, "queue error")
			return
		}
		metrics.MessagesQueued.WithLabelValues("broadcast").Inc()
	} else {
		if err := h.store.Enqueue(r.Context(), &m); err != nil {
			h.Error(w, http.StatusInternalServerError, "queue error")
			return
		}
		metrics.MessagesQueued.WithLabelValues("direct").Inc()
	}

	w.WriteHeader(http.StatusCreated)
}
