package web

import (
	"net/http"
	"strings"
)

// SessionAuthMiddleware enforces a valid session cookie on every route
// except the login endpoint and health check.
func SessionAuthMiddleware(sessions *SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(SessionCookie)
			if err != nil || !sessions.Validate(cookie.Value) {
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isPublicPath reports whether the path is reachable without a session.
func isPublicPath(path string) bool {
	return path == "/api/login" || path == "/healthz" || strings.HasPrefix(path, "/static/")
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
