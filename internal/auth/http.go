// ABOUTME: HTTP middleware for bearer-token authentication
// ABOUTME: Accepts Authorization header or ?token= for WebSocket upgrades

package auth

import (
	"net/http"
	"strings"
)

// extractToken pulls the bearer token from the Authorization header,
// falling back to the token query parameter. Browsers cannot set
// headers on a WebSocket upgrade, so /ws clients pass the token in the
// query string instead.
func extractToken(r *http.Request) (string, string) {
	header := r.Header.Get("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", "invalid authorization header format"
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" {
			return "", "empty token"
		}
		return token, ""
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing credentials"
}

// Middleware authenticates every request and stores the identity in
// the request context. Unauthenticated requests get a 401.
func Middleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractToken(r)
			if errMsg != "" {
				writeAuthError(w, errMsg)
				return
			}

			id, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// SocketMiddleware attaches the identity when the token verifies but
// never rejects the request itself: the WebSocket handler upgrades
// first and closes with its own auth failure code, which browser
// clients can observe (an HTTP 401 on an upgrade is opaque to them).
func SocketMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, errMsg := extractToken(r); errMsg == "" {
				if id, err := verifier.Verify(token); err == nil {
					r = r.WithContext(WithIdentity(r.Context(), id))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin rejects requests whose identity is not an admin. Must
// run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			writeAuthError(w, "not authenticated")
			return
		}
		if !id.IsAdmin() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"admin role required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
