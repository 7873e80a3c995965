package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"ml-orchestrator/core/realtime"
)

type identityKey struct{}

// Authenticate requires a bearer token and stores the caller's identity on
// the request context
func Authenticate(auth realtime.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token == r.Header.Get("Authorization") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication token required"})
				return
			}
			id, err := auth.Authenticate(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication failed"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// RequireAdmin rejects callers without the admin role
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identityFrom(r).Role != realtime.RoleAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PipelineKey guards the callback routes with a shared key. An empty key
// disables the check.
func PipelineKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Pipeline-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid pipeline key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func identityFrom(r *http.Request) realtime.Identity {
	id, _ := r.Context().Value(identityKey{}).(realtime.Identity)
	return id
}

// owns reports whether the caller may see an entity owned by ownerID
func owns(r *http.Request, ownerID string) bool {
	id := identityFrom(r)
	return id.Role == realtime.RoleAdmin || id.UserID == ownerID
}

// ownerScope is the owner filter for list queries; admins see everything
func ownerScope(r *http.Request) string {
	id := identityFrom(r)
	if id.Role == realtime.RoleAdmin && r.URL.Query().Get("all") == "true" {
		return ""
	}
	return id.UserID
}
