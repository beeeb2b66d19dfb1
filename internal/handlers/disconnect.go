package handlers

import (
	"net/http"

	"github.com/jeriewang/crh-botnet/internal/api/middleware"
)

// Disconnect deregisters the authenticated robot's session.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.RobotFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if err := h.store.Disconnect(r.Context(), id); err != nil {
		h.Error(w, http.StatusInternalServerError, "registry error")
		return
	}

	h.updateSessionGauge(r)
	w.WriteHeader(http.StatusNoContent)
}
