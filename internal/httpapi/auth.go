// SPDX-License-Identifier: MIT

package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/forgeops/forged/internal/audit"
	"github.com/forgeops/forged/internal/metrics"
)

// requireAdmin gates mutating operator endpoints. With no token configured
// the endpoints are disabled outright rather than open.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.settings.AdminToken == "" {
			metrics.AdminAuthFailuresTotal.Inc()
			s.auditAuthFailure(r, "token_not_configured")
			respondError(w, http.StatusServiceUnavailable, ErrAdminTokenNotConfigured)
			return
		}

		presented := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.settings.AdminToken)) != 1 {
			metrics.AdminAuthFailuresTotal.Inc()
			s.auditAuthFailure(r, "invalid_token")
			respondError(w, http.StatusUnauthorized, ErrInvalidAdminToken)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) auditAuthFailure(r *http.Request, reason string) {
	s.audit.Record(r.Context(), audit.Entry{
		Action:    audit.ActionAdminAuth,
		ActorID:   r.RemoteAddr,
		ActorRole: "admin",
		Result:    audit.ResultDenied,
		Payload: map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
			"reason": reason,
		},
	})
}
