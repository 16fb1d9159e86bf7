package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"bastion.dev/internal/auth"
)

const (
	adminTokenHeader = "X-Admin-Token"
	adminActorHeader = "X-Admin-Actor"
	defaultAdminName = "admin"
)

// requireAdmin guards provisioning routes with the configured shared token and
// records the operator in the context for audit events.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			writeError(w, r, http.StatusForbidden, "admin api disabled")
			return
		}
		if !tokenEqual(r.Header.Get(adminTokenHeader), a.adminToken) {
			writeError(w, r, http.StatusUnauthorized, "invalid admin token")
			return
		}
		actor := strings.TrimSpace(r.Header.Get(adminActorHeader))
		if actor == "" {
			actor = defaultAdminName
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithActor(r.Context(), actor)))
	})
}

// tokenEqual compares digests so neither content nor length leaks through timing.
func tokenEqual(got, want string) bool {
	g := sha256.Sum256([]byte(got))
	h := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(g[:], h[:]) == 1
}

// bearerToken extracts a session token from "Authorization: Bearer <token>".
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
