package api

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler handles GET /health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code, status := http.StatusOK, "ok"
	if _, err := s.store.CountAccounts(ctx); err != nil {
		code, status = http.StatusServiceUnavailable, "storage unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": Version,
	})
}

// Version is reported by the health endpoint and set at build time.
var Version = "dev"
