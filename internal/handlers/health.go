package handlers

import "net/http"

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	historyStatus := "disabled"
	if h.history != nil {
		historyStatus = "enabled"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"backend":  h.backend,
		"sessions": h.registry.Count(),
		"history":  historyStatus,
	})
}
