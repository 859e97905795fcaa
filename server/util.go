package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireBearer guards admin routes with a shared secret:
// 500 when no secret is configured, 401 when the header is missing or not
// a bearer token, 403 when the token is wrong.
func requireBearer(secret func() string, unconfigured, invalid string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := secret()
			if want == "" {
				writeError(w, http.StatusInternalServerError, unconfigured)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
				writeError(w, http.StatusForbidden, invalid)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkOrigin validates websocket origins against the allowed prefixes.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Allow requests with no origin header (e.g., direct WebSocket clients, testing)
	if origin == "" {
		return true
	}
	if len(s.allowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	}

	// Prefix matching allows any port
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// shortID truncates an ID to 8 characters for logging
func shortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
