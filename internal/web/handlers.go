package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/coper101/datapill/internal/netmon"
	"github.com/coper101/datapill/internal/store"
)

// Syncer is the slice of the sync engine the web API needs.
type Syncer interface {
	Busy() bool
	PlanBusy() bool
	TodayBusy() bool
	HistoryBusy() bool
	Activate(ctx context.Context) error
}

// Handler serves the JSON status API.
type Handler struct {
	store    *store.Store
	syncer   Syncer
	monitor  netmon.Monitor
	sessions *SessionStore
	logger   *slog.Logger

	adminUser string
	version   string
}

// NewHandler creates a Handler.
func NewHandler(s *store.Store, syncer Syncer, monitor netmon.Monitor, sessions *SessionStore, adminUser string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:     s,
		syncer:    syncer,
		monitor:   monitor,
		sessions:  sessions,
		logger:    logger,
		adminUser: adminUser,
	}
}

// SetVersion records the daemon version reported by /api/status.
func (h *Handler) SetVersion(v string) { h.version = v }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Healthz is the unauthenticated liveness check.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies credentials and sets the session cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := h.sessions.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.logger.Warn("Failed login attempt", "user", req.Username, "ip", getClientIP(r))
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("Login failed", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Logout invalidates the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		h.sessions.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   SessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports daemon, connectivity and sync state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	watermark, err := h.store.Watermark()
	if err != nil {
		h.logger.Error("Status: reading watermark", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	guideShown, err := h.store.GuideShown()
	if err != nil {
		h.logger.Error("Status: reading guide flag", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	resp := map[string]any{
		"version":        h.version,
		"online":         h.monitor.Current(),
		"syncing":        h.syncer.Busy(),
		"planSyncing":    h.syncer.PlanBusy(),
		"todaySyncing":   h.syncer.TodayBusy(),
		"historySyncing": h.syncer.HistoryBusy(),
		"guideShown":     guideShown,
	}
	if !watermark.IsZero() {
		resp["lastSynced"] = watermark.Format(time.RFC3339)
		resp["lastSyncedAgo"] = humanize.Time(watermark)
	}
	writeJSON(w, http.StatusOK, resp)
}

// usagePayload is the wire shape of one ledger day.
type usagePayload struct {
	Date          string  `json:"date"`
	DailyUsedData float64 `json:"dailyUsedData"`
	DailyUsed     string  `json:"dailyUsed"`
	TotalUsedData float64 `json:"totalUsedData,omitempty"`
	Synced        bool    `json:"synced"`
	LastSynced    string  `json:"lastSynced,omitempty"`
}

func usageToPayload(rec *store.UsageRecord) usagePayload {
	p := usagePayload{
		Date:          rec.Date.Format("2006-01-02"),
		DailyUsedData: rec.DailyUsedData,
		DailyUsed:     humanize.Bytes(uint64(rec.DailyUsedData * 1e6)),
		TotalUsedData: rec.TotalUsedData,
		Synced:        rec.IsSyncedToRemote,
	}
	if rec.LastSyncedToRemote != nil {
		p.LastSynced = rec.LastSyncedToRemote.Format(time.RFC3339)
	}
	return p
}

// Today returns today's ledger row, creating it if needed.
func (h *Handler) Today(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.TodayUsage(time.Now().UTC())
	if err != nil {
		h.logger.Error("Today: reading record", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, usageToPayload(rec))
}

// Plan returns the plan with period usage derived from the ledger.
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	plan, err := h.store.GetPlan(now)
	if err != nil {
		h.logger.Error("Plan: reading plan", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	recs, err := h.store.QueryUsageRange(plan.StartDate, plan.EndDate)
	if err != nil {
		h.logger.Error("Plan: reading period usage", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	var used float64
	for _, rec := range recs {
		used += rec.DailyUsedData
	}

	resp := map[string]any{
		"startDate":  plan.StartDate.Format("2006-01-02"),
		"endDate":    plan.EndDate.Format("2006-01-02"),
		"dataAmount": plan.DataAmount,
		"dailyLimit": plan.DailyLimit,
		"planLimit":  plan.PlanLimit,
		"usedData":   used,
		"used":       humanize.Bytes(uint64(used * 1e6)),
	}
	if plan.DataAmount > 0 {
		resp["usedPercent"] = used / plan.DataAmount * 100
		resp["allowance"] = humanize.Bytes(uint64(plan.DataAmount * 1e6))
	}
	writeJSON(w, http.StatusOK, resp)
}

// History returns ledger rows, optionally bounded by from/to query params
// (inclusive, "2006-01-02").
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	var recs []*store.UsageRecord
	var err error

	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from != "" || to != "" {
		start, end, perr := parseRange(from, to)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		recs, err = h.store.QueryUsageRange(start, end)
	} else {
		recs, err = h.store.GetAllUsage()
	}
	if err != nil {
		h.logger.Error("History: reading records", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	out := make([]usagePayload, 0, len(recs))
	for _, rec := range recs {
		out = append(out, usageToPayload(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out, "count": len(out)})
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	start := time.Time{}
	end := time.Now().UTC()
	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return start, end, errors.New("invalid from date")
		}
		start = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return start, end, errors.New("invalid to date")
		}
		end = t
	}
	return start, end, nil
}

// SyncNow triggers a full sync activation in the background.
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.syncer.Busy() {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "already syncing"})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := h.syncer.Activate(ctx); err != nil {
			h.logger.Error("Manual sync failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// ChangePassword replaces the admin password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	if err := h.sessions.ChangePassword(h.adminUser, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.logger.Error("Password change failed", "error", err)
		writeError(w, http.StatusInternalServerError, "password change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
