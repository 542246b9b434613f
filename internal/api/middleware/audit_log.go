package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/kubilitics/authd/internal/audit"
	"github.com/kubilitics/authd/internal/models"
	"github.com/kubilitics/authd/internal/repository"
)

// responseRecorder wraps http.ResponseWriter to capture the status code.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// AuditLog returns middleware that records mutating requests (POST, PATCH,
// PUT, DELETE) to the auth event log. Unlike a resource-CRUD audit trail,
// this deliberately does NOT skip the authentication routes -- login,
// logout, and credential changes are exactly what this system exists to
// audit. Read-only requests (GET, HEAD, OPTIONS) are not logged.
func AuditLog(repo repository.AuthEventRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if repo == nil {
				return
			}
			userID, requestIP := audit.RequestInfo(r)
			username := "anonymous"
			if userID != nil {
				username = *userID
			}
			entry := &models.AuthEvent{
				ID:        uuid.New().String(),
				UserID:    userID,
				Username:  username,
				EventType: audit.ActionFromRequest(r),
				IPAddress: requestIP,
				UserAgent: r.UserAgent(),
				Details:   r.Method + " " + r.URL.Path + " -> " + http.StatusText(rec.statusCode),
			}
			audit.CreateEntry(r.Context(), repo, entry)
		})
	}
}
