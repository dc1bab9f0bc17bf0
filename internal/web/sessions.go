// Package web provides the HTTP status API for the datapill daemon.
package web

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/coper101/datapill/internal/store"
)

// ErrInvalidCredentials is returned for a wrong username or password.
var ErrInvalidCredentials = errors.New("web: invalid credentials")

// SessionCookie is the session token cookie name.
const SessionCookie = "datapill_session"

// SessionStore issues and validates login session tokens. Password hashes
// are bcrypt; tokens are random and persisted in SQLite so sessions
// survive a daemon restart.
type SessionStore struct {
	store       *store.Store
	logger      *slog.Logger
	idleTimeout time.Duration
}

// NewSessionStore creates a SessionStore backed by the given store.
func NewSessionStore(s *store.Store, idleTimeout time.Duration, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout == 0 {
		idleTimeout = 10 * time.Minute
	}
	return &SessionStore{store: s, logger: logger, idleTimeout: idleTimeout}
}

// EnsureUser creates the admin user if it does not exist yet. An existing
// user's password is never overwritten from config.
func (ss *SessionStore) EnsureUser(username, password string) error {
	existing, err := ss.store.GetUser(username)
	if err != nil {
		return fmt.Errorf("web.EnsureUser: %w", err)
	}
	if existing != "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("web.EnsureUser: %w", err)
	}
	return ss.store.UpsertUser(username, string(hash))
}

// Login verifies the credentials and returns a new session token.
func (ss *SessionStore) Login(username, password string) (string, error) {
	hash, err := ss.store.GetUser(username)
	if err != nil {
		return "", fmt.Errorf("web.Login: %w", err)
	}
	if hash == "" {
		// Burn comparable time so a missing user is not distinguishable.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uGZwo0oTTbW0eEfIzzzzzzzzzzzzzzz"), []byte(password))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := ss.store.SaveAuthToken(token, time.Now().UTC().Add(ss.idleTimeout)); err != nil {
		return "", fmt.Errorf("web.Login: %w", err)
	}
	return token, nil
}

// Validate reports whether the token names a live session, and slides its
// expiry forward on success.
func (ss *SessionStore) Validate(token string) bool {
	if token == "" {
		return false
	}
	expiry, found, err := ss.store.GetAuthTokenExpiry(token)
	if err != nil {
		ss.logger.Error("Session lookup failed", "error", err)
		return false
	}
	if !found {
		return false
	}
	if time.Now().UTC().After(expiry) {
		_ = ss.store.DeleteAuthToken(token)
		return false
	}
	if err := ss.store.SaveAuthToken(token, time.Now().UTC().Add(ss.idleTimeout)); err != nil {
		ss.logger.Error("Session refresh failed", "error", err)
	}
	return true
}

// Logout invalidates the token.
func (ss *SessionStore) Logout(token string) {
	if token == "" {
		return
	}
	if err := ss.store.DeleteAuthToken(token); err != nil {
		ss.logger.Error("Session delete failed", "error", err)
	}
}

// ChangePassword verifies the old password and replaces the hash.
func (ss *SessionStore) ChangePassword(username, oldPassword, newPassword string) error {
	hash, err := ss.store.GetUser(username)
	if err != nil {
		return fmt.Errorf("web.ChangePassword: %w", err)
	}
	if hash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	newHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("web.ChangePassword: %w", err)
	}
	return ss.store.UpsertUser(username, string(newHash))
}

// CleanExpired removes expired session tokens.
func (ss *SessionStore) CleanExpired() {
	if err := ss.store.CleanExpiredAuthTokens(); err != nil {
		ss.logger.Error("Session cleanup failed", "error", err)
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("web: generating session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
