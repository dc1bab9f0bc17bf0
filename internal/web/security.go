package web

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements simple IP-based rate limiting for the login route.
type RateLimiter struct {
	attempts    map[string]int       // IP -> attempt count
	lastAttempt map[string]time.Time // IP -> last attempt time
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:    make(map[string]int),
		lastAttempt: make(map[string]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// Allow checks if a request from the given IP should be allowed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	lastTime, exists := rl.lastAttempt[ip]

	// Reset counter if window has passed
	if exists && now.Sub(lastTime) > rl.window {
		rl.attempts[ip] = 0
	}

	if rl.attempts[ip] >= rl.maxAttempts {
		return false
	}

	rl.attempts[ip]++
	rl.lastAttempt[ip] = now
	return true
}

// GetRemaining returns remaining attempts and time until reset.
func (rl *RateLimiter) GetRemaining(ip string) (int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lastTime, exists := rl.lastAttempt[ip]
	if !exists {
		return rl.maxAttempts, 0
	}
	if time.Since(lastTime) > rl.window {
		return rl.maxAttempts, 0
	}

	remaining := rl.maxAttempts - rl.attempts[ip]
	if remaining < 0 {
		remaining = 0
	}
	return remaining, rl.window - time.Since(lastTime)
}

// RateLimitMiddleware rate limits the wrapped handler per client IP.
func RateLimitMiddleware(limiter *RateLimiter, logger interface{ Warn(msg string, args ...any) }) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)

			if !limiter.Allow(ip) {
				remaining, resetIn := limiter.GetRemaining(ip)
				logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "remaining", remaining, "reset_in", resetIn)

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(resetIn.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":          "rate limit exceeded",
					"retry_after_ms": int(resetIn.Milliseconds()),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For first (for proxies), first IP in the chain
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
