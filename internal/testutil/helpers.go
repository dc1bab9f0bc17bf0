// Package testutil provides shared helpers and fakes for datapill tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coper101/datapill/internal/store"
)

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// InMemoryStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func InMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("InMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Day returns the UTC midnight for the given date parts.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// SeedUsage inserts one usage record with the given date and daily value.
// synced controls the sync bookkeeping fields; syncedAt may be zero for
// unsynced records.
func SeedUsage(t *testing.T, s *store.Store, date time.Time, daily float64, synced bool, syncedAt time.Time) *store.UsageRecord {
	t.Helper()
	rec := &store.UsageRecord{
		Date:             store.DayStart(date),
		DailyUsedData:    daily,
		IsSyncedToRemote: synced,
	}
	if synced && !syncedAt.IsZero() {
		at := syncedAt
		rec.LastSyncedToRemote = &at
	}
	if err := s.UpdateUsage(rec); err != nil {
		t.Fatalf("SeedUsage: %v", err)
	}
	return rec
}
