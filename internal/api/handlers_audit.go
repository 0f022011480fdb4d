package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/credvault/internal/storage"
)

// AuditLogHandler handles GET /api/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}

	q := r.URL.Query()
	filter := storage.AuditFilter{
		Path:      q.Get("path"),
		AccountID: q.Get("accountId"),
	}

	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &t
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}
