package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_CheckLogin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key-12345678" {
			t.Errorf("unexpected auth header %q", auth)
		}
		json.NewEncoder(w).Encode(map[string]bool{"loggedIn": true})
	}))
	defer server.Close()

	c := NewClient("key-12345678", testLogger(), WithBaseURL(server.URL))
	ok, err := c.CheckLogin(context.Background())
	if err != nil {
		t.Fatalf("CheckLogin failed: %v", err)
	}
	if !ok {
		t.Error("Expected logged in")
	}
}

func TestClient_CheckLogin_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient("bad-key", testLogger(), WithBaseURL(server.URL))
	ok, err := c.CheckLogin(context.Background())
	if err != nil {
		t.Fatalf("CheckLogin failed: %v", err)
	}
	if ok {
		t.Error("Expected not logged in on 401")
	}
}

func TestClient_FetchUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("date"); got != "2026-08-27" {
			t.Errorf("date query = %q, want 2026-08-27", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"id": "r1", "date": "2026-08-27", "dailyUsedData": 321.5},
			},
		})
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL))
	rec, err := c.FetchUsage(context.Background(), time.Date(2026, 8, 27, 15, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("FetchUsage failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected record, got nil")
	}
	if rec.DailyUsedData != 321.5 {
		t.Errorf("DailyUsedData = %v, want 321.5", rec.DailyUsedData)
	}
	if !rec.Date.Equal(time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Date = %v", rec.Date)
	}
}

func TestClient_FetchUsage_Absent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"records": []any{}})
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL))
	rec, err := c.FetchUsage(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("FetchUsage failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected nil for empty result, got %+v", rec)
	}
}

func TestClient_SaveUsage_AssignsID(t *testing.T) {
	var got usageWire
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL))
	rec := &UsageRecord{Date: time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), DailyUsedData: 88}
	if err := c.SaveUsage(context.Background(), rec); err != nil {
		t.Fatalf("SaveUsage failed: %v", err)
	}
	if got.ID == "" {
		t.Error("Expected generated record ID")
	}
	if got.Date != "2026-08-26" || got.DailyUsedData != 88 {
		t.Errorf("wire record = %+v", got)
	}
}

func TestClient_SaveUsageBatch(t *testing.T) {
	var count int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/usage/batch" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload struct {
			Records []usageWire `json:"records"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		count = len(payload.Records)
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL))
	recs := []*UsageRecord{
		{Date: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), DailyUsedData: 1},
		{Date: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), DailyUsedData: 2},
	}
	if err := c.SaveUsageBatch(context.Background(), recs); err != nil {
		t.Fatalf("SaveUsageBatch failed: %v", err)
	}
	if count != 2 {
		t.Errorf("server received %d records, want 2", count)
	}
}

func TestClient_SaveUsageBatch_Empty(t *testing.T) {
	c := NewClient("key", testLogger(), WithBaseURL("http://127.0.0.1:1"))
	// Must not touch the network at all
	if err := c.SaveUsageBatch(context.Background(), nil); err != nil {
		t.Fatalf("SaveUsageBatch(nil) failed: %v", err)
	}
}

func TestClient_FetchPlan_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL))
	plan, err := c.FetchPlan(context.Background())
	if err != nil {
		t.Fatalf("FetchPlan failed: %v", err)
	}
	if plan != nil {
		t.Errorf("Expected nil plan on 404, got %+v", plan)
	}
}

func TestClient_FetchPlan_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(planWire{
			StartDate:  "2026-08-01",
			EndDate:    "2026-08-31",
			DataAmount: 20000,
			DailyLimit: 700,
			PlanLimit:  19000,
		})
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL))
	plan, err := c.FetchPlan(context.Background())
	if err != nil {
		t.Fatalf("FetchPlan failed: %v", err)
	}
	if plan == nil {
		t.Fatal("Expected plan, got nil")
	}
	if plan.DataAmount != 20000 || plan.PlanLimit != 19000 {
		t.Errorf("Plan = %+v", plan)
	}
	if !plan.EndDate.Equal(time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("EndDate = %v", plan.EndDate)
	}
}

func TestClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL))
	if _, err := c.FetchAllUsage(context.Background()); !errors.Is(err, ErrServerError) {
		t.Errorf("Expected ErrServerError, got %v", err)
	}
}

func TestClient_NetworkError(t *testing.T) {
	c := NewClient("key", testLogger(),
		WithBaseURL("http://127.0.0.1:1"), WithTimeout(200*time.Millisecond))
	if _, err := c.FetchAllUsage(context.Background()); !errors.Is(err, ErrNetworkError) {
		t.Errorf("Expected ErrNetworkError, got %v", err)
	}
}

func TestClient_SubscribeOnChange(t *testing.T) {
	var payload struct {
		Type     string `json:"type"`
		ID       string `json:"id"`
		DeviceID string `json:"deviceId"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/subscriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient("key", testLogger(), WithBaseURL(server.URL), WithDeviceID("dev-1"))
	if err := c.SubscribeOnChange(context.Background(), RecordTypePlan, "sub-plan"); err != nil {
		t.Fatalf("SubscribeOnChange failed: %v", err)
	}
	if payload.Type != "plan" || payload.ID != "sub-plan" || payload.DeviceID != "dev-1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestRedactAPIKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(empty)"},
		{"short", "***...***"},
		{"key-1234567890", "key-***...***890"},
	}
	for _, tt := range tests {
		if got := redactAPIKey(tt.in); got != tt.want {
			t.Errorf("redactAPIKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
