package rest

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/repository"
)

// AuditHandler serves the append-only authentication event log. Access is
// gated by RequirePermission at the router level, not inside the handler.
type AuditHandler struct {
	repo repository.AuthEventRepository
}

// NewAuditHandler builds an AuditHandler.
func NewAuditHandler(repo repository.AuthEventRepository) *AuditHandler {
	return &AuditHandler{repo: repo}
}

// ListAuthEvents handles GET /api/v1/audit-log. Query params: user_id,
// limit (default 100), format=csv for export.
func (h *AuditHandler) ListAuthEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}

	entries, err := h.repo.ListAuthEvents(r.Context(), userID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if q.Get("format") == "csv" {
		exportAuthEventsCSV(w, entries)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func exportAuthEventsCSV(w http.ResponseWriter, entries []models.AuthEvent) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=auth-events.csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "timestamp", "user_id", "username", "event_type", "ip_address", "user_agent", "details"})
	for _, e := range entries {
		userID := ""
		if e.UserID != nil {
			userID = *e.UserID
		}
		_ = cw.Write([]string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			userID,
			e.Username,
			e.EventType,
			e.IPAddress,
			e.UserAgent,
			e.Details,
		})
	}
	cw.Flush()
}
