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

// HistoryCoordinator reconciles all ledger rows before today in two passes:
// an upload pass that pushes local days the remote has not seen, then a
// download pass that fills local gaps from the remote. The passes fail
// independently; a dead upload never blocks the download.
type HistoryCoordinator struct {
	store   *store.Store
	ledger  remote.Ledger
	monitor netmon.Monitor
	logger  *slog.Logger

	busy atomic.Bool
	mu   stdsync.Mutex // single-flight
	now  clock
}

// NewHistoryCoordinator creates a HistoryCoordinator.
func NewHistoryCoordinator(s *store.Store, ledger remote.Ledger, monitor netmon.Monitor, logger *slog.Logger) *HistoryCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryCoordinator{
		store:   s,
		ledger:  ledger,
		monitor: monitor,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Busy reports whether an invocation is in flight.
func (h *HistoryCoordinator) Busy() bool {
	return h.busy.Load()
}

// Sync runs the upload pass then the download pass. It returns the first
// error from either pass but always attempts both; the returned bool
// reports whether either side changed.
func (h *HistoryCoordinator) Sync(ctx context.Context) (bool, error) {
	if !h.mu.TryLock() {
		h.logger.Debug("History sync already in flight, skipping")
		return false, nil
	}
	defer h.mu.Unlock()

	h.busy.Store(true)
	defer h.busy.Store(false)

	if !h.monitor.Current() {
		h.logger.Debug("History sync skipped: offline")
		return false, nil
	}

	loggedIn, err := h.ledger.CheckLogin(ctx)
	if err != nil {
		h.logger.Error("History sync: login check", "error", err)
		return false, err
	}
	if !loggedIn {
		h.logger.Debug("History sync skipped: not logged in")
		return false, nil
	}

	uploaded, upErr := h.upload(ctx)
	downloaded, downErr := h.download(ctx)

	if upErr != nil {
		return uploaded || downloaded, upErr
	}
	return uploaded || downloaded, downErr
}

// upload pushes local history rows the remote is missing or holds stale
// copies of. Days are partitioned by sync state: never-synced rows go up
// in a single batch, previously synced rows whose last sync predates the
// watermark are re-checked one by one against the remote value. Local
// bookkeeping is marked only after every remote write succeeded, so a
// partial failure retries the whole set next activation.
func (h *HistoryCoordinator) upload(ctx context.Context) (bool, error) {
	today := store.DayStart(h.now())

	all, err := h.store.GetAllUsage()
	if err != nil {
		h.logger.Error("History upload: reading local records", "error", err)
		return false, err
	}

	watermark, err := h.store.Watermark()
	if err != nil {
		h.logger.Error("History upload: reading watermark", "error", err)
		return false, err
	}

	var fresh []*store.UsageRecord // never synced
	var stale []*store.UsageRecord // synced before the watermark
	for _, rec := range all {
		if !rec.Date.Before(today) {
			continue
		}
		switch {
		case !rec.IsSyncedToRemote || rec.LastSyncedToRemote == nil:
			fresh = append(fresh, rec)
		case !watermark.IsZero() && rec.LastSyncedToRemote.Before(watermark):
			stale = append(stale, rec)
		}
	}
	if len(fresh) == 0 && len(stale) == 0 {
		h.logger.Debug("History upload: nothing to push")
		return false, nil
	}

	wrote := false

	if len(fresh) > 0 {
		batch := make([]*remote.UsageRecord, 0, len(fresh))
		for _, rec := range fresh {
			batch = append(batch, &remote.UsageRecord{Date: rec.Date, DailyUsedData: rec.DailyUsedData})
		}
		if err := h.ledger.SaveUsageBatch(ctx, batch); err != nil {
			h.logger.Error("History upload: batch create", "count", len(batch), "error", err)
			return false, err
		}
		h.logger.Info("History upload: batch created", "count", len(batch))
		wrote = true
	}

	for _, rec := range stale {
		changed, err := h.pushOne(ctx, rec)
		if err != nil {
			return wrote, err
		}
		wrote = wrote || changed
	}

	// Mark bookkeeping only now that every remote write landed.
	syncedAt := h.now()
	for _, rec := range append(fresh, stale...) {
		rec.IsSyncedToRemote = true
		rec.LastSyncedToRemote = &syncedAt
		if err := h.store.UpdateUsage(rec); err != nil {
			h.logger.Error("History upload: marking record", "date", rec.Date, "error", err)
			return wrote, err
		}
	}

	return wrote, nil
}

// pushOne re-checks one previously synced day against the remote and
// updates or creates it only when the values differ.
func (h *HistoryCoordinator) pushOne(ctx context.Context, rec *store.UsageRecord) (bool, error) {
	remoteRec, err := h.ledger.FetchUsage(ctx, rec.Date)
	if err != nil {
		h.logger.Error("History upload: fetching remote record", "date", rec.Date, "error", err)
		return false, err
	}
	if remoteRec == nil {
		remoteRec = &remote.UsageRecord{Date: rec.Date}
	} else if remoteRec.DailyUsedData == rec.DailyUsedData {
		return false, nil
	}
	remoteRec.DailyUsedData = rec.DailyUsedData
	if err := h.ledger.SaveUsage(ctx, remoteRec); err != nil {
		h.logger.Error("History upload: saving remote record", "date", rec.Date, "error", err)
		return false, err
	}
	return true, nil
}

// download fills local gaps from the remote history. Existing local days
// are never overwritten; the download only creates rows for days the local
// ledger has no record of.
func (h *HistoryCoordinator) download(ctx context.Context) (bool, error) {
	today := store.DayStart(h.now())

	remoteRecs, err := h.ledger.FetchAllUsage(ctx)
	if err != nil {
		h.logger.Error("History download: fetching remote records", "error", err)
		return false, err
	}
	if len(remoteRecs) == 0 {
		return false, nil
	}

	all, err := h.store.GetAllUsage()
	if err != nil {
		h.logger.Error("History download: reading local records", "error", err)
		return false, err
	}
	have := make(map[time.Time]bool, len(all))
	for _, rec := range all {
		have[rec.Date] = true
	}

	syncedAt := h.now()
	var missing []*store.UsageRecord
	for _, rec := range remoteRecs {
		if !rec.Date.Before(today) || have[rec.Date] {
			continue
		}
		// Gap-filled days carry no counter baseline: HasLastTotal stays
		// false so MostRecentWithTotal never hands the zero total to the
		// delta calculator as the previous cumulative counter.
		missing = append(missing, &store.UsageRecord{
			Date:               rec.Date,
			DailyUsedData:      rec.DailyUsedData,
			IsSyncedToRemote:   true,
			LastSyncedToRemote: &syncedAt,
		})
	}
	if len(missing) == 0 {
		h.logger.Debug("History download: no gaps to fill")
		return false, nil
	}

	if err := h.store.BatchInsertUsage(missing); err != nil {
		h.logger.Error("History download: inserting records", "count", len(missing), "error", err)
		return false, err
	}
	h.logger.Info("History download: gaps filled", "count", len(missing))
	return true, nil
}
