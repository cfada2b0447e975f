package handlers

import "net/http"

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe. The controller is ready once the database
// answers and every configured queue can be counted.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	if len(h.queues) == 0 {
		h.httpError(w, "No queues configured", http.StatusServiceUnavailable)
		return
	}

	names := h.queueNames()
	for _, name := range names {
		if _, err := h.store.NumberOfItems(r.Context(), name); err != nil {
			h.log(r).Warn("readiness: queue not reachable", "queue", name, "error", err)
			h.httpError(w, "Queue "+name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	h.respondJson(w, http.StatusOK, map[string]any{"status": "ready", "queues": names})
}
