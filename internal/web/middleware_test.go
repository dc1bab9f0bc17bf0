package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coper101/datapill/internal/testutil"
)

func newTestSessions(t *testing.T) *SessionStore {
	t.Helper()
	s := testutil.InMemoryStore(t)
	sessions := NewSessionStore(s, time.Minute, testutil.DiscardLogger())
	if err := sessions.EnsureUser("admin", "testpass123"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	return sessions
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSessionAuthRejectsMissingCookie(t *testing.T) {
	sessions := newTestSessions(t)
	handler := SessionAuthMiddleware(sessions)(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestSessionAuthAcceptsValidToken(t *testing.T) {
	sessions := newTestSessions(t)
	token, err := sessions.Login("admin", "testpass123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	handler := SessionAuthMiddleware(sessions)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestSessionAuthPublicPaths(t *testing.T) {
	sessions := newTestSessions(t)
	handler := SessionAuthMiddleware(sessions)(okHandler())

	for _, path := range []string{"/api/login", "/healthz"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rr.Code)
		}
	}
}

func TestSessionAuthRejectsExpiredToken(t *testing.T) {
	s := testutil.InMemoryStore(t)
	sessions := NewSessionStore(s, time.Minute, testutil.DiscardLogger())
	token := "expiredtoken"
	if err := s.SaveAuthToken(token, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("SaveAuthToken: %v", err)
	}
	handler := SessionAuthMiddleware(sessions)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	ip := "192.0.2.1"

	for i := 0; i < 3; i++ {
		if !rl.Allow(ip) {
			t.Fatalf("attempt %d blocked under the limit", i+1)
		}
	}
	if rl.Allow(ip) {
		t.Error("attempt over the limit allowed")
	}
	if rl.Allow("192.0.2.2") != true {
		t.Error("unrelated IP blocked")
	}

	remaining, resetIn := rl.GetRemaining(ip)
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	if resetIn <= 0 || resetIn > time.Minute {
		t.Errorf("resetIn = %v", resetIn)
	}
}

func TestRateLimitMiddlewareResponds429(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	handler := RateLimitMiddleware(rl, testutil.DiscardLogger())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.RemoteAddr = "192.0.2.9:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*http.Request)
		remote string
		want   string
	}{
		{"x-forwarded-for", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1") }, "10.0.0.2:80", "203.0.113.5"},
		{"x-real-ip", func(r *http.Request) { r.Header.Set("X-Real-Ip", "203.0.113.7") }, "10.0.0.2:80", "203.0.113.7"},
		{"remote addr", func(r *http.Request) {}, "198.51.100.3:4567", "198.51.100.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			tt.setup(req)
			if got := getClientIP(req); got != tt.want {
				t.Errorf("getClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
