package handlers

import (
	"net/http"

	"github.com/jeriewang/crh-botnet/botnet"
	"github.com/jeriewang/crh-botnet/internal/api/middleware"
	"github.com/jeriewang/crh-botnet/internal/metrics"
)

// PollResponse carries the drained message batch and the current roster.
type PollResponse struct {
	Messages []botnet.Message `json:"messages"`
	Robots   []int            `json:"robots"`
}

// Poll delivers every pending message addressed to the authenticated robot,
// removing each from the queue as it goes out (no redelivery), refreshes
// the robot's liveness, and reports the current membership.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.RobotFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	msgs, members, err := h.store.Drain(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "queue error")
		return
	}

	metrics.PollsTotal.Inc()
	metrics.MessagesDelivered.Add(float64(len(msgs)))

	if msgs == nil {
		msgs = []botnet.Message{}
	}
	if members == nil {
		members = []int{}
	}
	h.JSON(w, http.StatusOK, PollResponse{Messages: msgs, Robots: members})
}
