package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Server wraps an HTTP server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the route table and wraps it in session auth. The login
// route is additionally rate limited per client IP.
func NewServer(host string, port int, handler *Handler, sessions *SessionStore, logger *slog.Logger) *Server {
	if port == 0 {
		port = 9311
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Healthz)
	mux.HandleFunc("/api/logout", handler.Logout)
	mux.HandleFunc("/api/status", handler.Status)
	mux.HandleFunc("/api/today", handler.Today)
	mux.HandleFunc("/api/plan", handler.Plan)
	mux.HandleFunc("/api/history", handler.History)
	mux.HandleFunc("/api/sync", handler.SyncNow)
	mux.HandleFunc("/api/password", handler.ChangePassword)

	loginLimiter := NewRateLimiter(5, time.Minute)
	mux.Handle("/api/login", RateLimitMiddleware(loginLimiter, logger)(http.HandlerFunc(handler.Login)))

	final := SessionAuthMiddleware(sessions)(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:           final,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	return s.httpServer.Shutdown(ctx)
}
