package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/coper101/datapill/internal/netmon"
	"github.com/coper101/datapill/internal/remote"
	"github.com/coper101/datapill/internal/store"
)

// TodayCoordinator reconciles today's ledger row. Today is the only record
// both sides mutate concurrently (other devices advance it via background
// refresh), so the pull check runs strictly before any push and the larger
// daily value wins.
type TodayCoordinator struct {
	store   *store.Store
	ledger  remote.Ledger
	monitor netmon.Monitor
	logger  *slog.Logger

	busy atomic.Bool
	mu   stdsync.Mutex // single-flight
	now  clock
}

// NewTodayCoordinator creates a TodayCoordinator.
func NewTodayCoordinator(s *store.Store, ledger remote.Ledger, monitor netmon.Monitor, logger *slog.Logger) *TodayCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TodayCoordinator{
		store:   s,
		ledger:  ledger,
		monitor: monitor,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Busy reports whether an invocation is in flight.
func (t *TodayCoordinator) Busy() bool {
	return t.busy.Load()
}

// Sync runs one reconciliation pass for today's row. The returned bool
// reports whether local or remote state changed.
func (t *TodayCoordinator) Sync(ctx context.Context) (bool, error) {
	if !t.mu.TryLock() {
		t.logger.Debug("Today sync already in flight, skipping")
		return false, nil
	}
	defer t.mu.Unlock()

	t.busy.Store(true)
	defer t.busy.Store(false)

	if !t.monitor.Current() {
		t.logger.Debug("Today sync skipped: offline")
		return false, nil
	}

	now := t.now()
	local, err := t.store.TodayUsage(now)
	if err != nil {
		t.logger.Error("Today sync: reading local record", "error", err)
		return false, err
	}

	remoteRec, err := t.ledger.FetchUsage(ctx, local.Date)
	if err != nil {
		t.logger.Error("Today sync: fetching remote record", "error", err)
		return false, err
	}

	// Pull check: a larger remote value means another device advanced
	// usage further; adopting it prevents the push below from clobbering
	// the account's record with a stale local value.
	locallyUpdated := false
	if remoteRec != nil && remoteRec.DailyUsedData > local.DailyUsedData {
		t.logger.Info("Today sync: adopting larger remote value",
			"local", local.DailyUsedData,
			"remote", remoteRec.DailyUsedData,
		)
		local.DailyUsedData = remoteRec.DailyUsedData
		locallyUpdated = true
	}

	// Push only when the pull check did not update local.
	remoteWrote := false
	if !locallyUpdated {
		remoteWrote, err = t.push(ctx, local, remoteRec)
		if err != nil {
			return false, err
		}
	}

	changed := locallyUpdated || remoteWrote
	if changed {
		if !local.IsSyncedToRemote {
			local.IsSyncedToRemote = true
		}
		syncedAt := now
		local.LastSyncedToRemote = &syncedAt
		if err := t.store.UpdateUsage(local); err != nil {
			t.logger.Error("Today sync: persisting record", "error", err)
			return false, err
		}
	}

	return changed, nil
}

// push reconciles-or-creates the remote copy of today's row from the local
// daily value: create if absent, update if the daily values differ, decline
// as a no-op otherwise. Reports whether a remote write occurred. The local
// IsSyncedToRemote flag plays no part here; the value diff against the
// fetched remote record already answers whether a write is needed.
func (t *TodayCoordinator) push(ctx context.Context, local *store.UsageRecord, remoteRec *remote.UsageRecord) (bool, error) {
	if remoteRec == nil {
		rec := &remote.UsageRecord{Date: local.Date, DailyUsedData: local.DailyUsedData}
		if err := t.ledger.SaveUsage(ctx, rec); err != nil {
			t.logger.Error("Today sync: creating remote record", "error", err)
			return false, err
		}
		t.logger.Info("Today's record created remotely", "dailyUsed", local.DailyUsedData)
		return true, nil
	}

	if remoteRec.DailyUsedData == local.DailyUsedData {
		t.logger.Debug("Today sync: remote already up to date")
		return false, nil
	}

	remoteRec.DailyUsedData = local.DailyUsedData
	if err := t.ledger.SaveUsage(ctx, remoteRec); err != nil {
		t.logger.Error("Today sync: updating remote record", "error", err)
		return false, err
	}
	t.logger.Info("Today's record pushed to remote", "dailyUsed", local.DailyUsedData)
	return true, nil
}
