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

// PlanCoordinator reconciles the plan singleton between the local store and
// the remote ledger.
type PlanCoordinator struct {
	store   *store.Store
	ledger  remote.Ledger
	monitor netmon.Monitor
	logger  *slog.Logger

	busy atomic.Bool
	mu   stdsync.Mutex // single-flight
	now  clock
}

// NewPlanCoordinator creates a PlanCoordinator. All collaborators are
// injected; there are no hidden defaults.
func NewPlanCoordinator(s *store.Store, ledger remote.Ledger, monitor netmon.Monitor, logger *slog.Logger) *PlanCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanCoordinator{
		store:   s,
		ledger:  ledger,
		monitor: monitor,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Busy reports whether an invocation is in flight.
func (p *PlanCoordinator) Busy() bool {
	return p.busy.Load()
}

// Sync runs one reconciliation pass:
//
//  1. offline: skip.
//  2. onboarding not completed: pull the remote plan if one exists.
//  3. local plan still at its auto-created defaults: pull, so a freshly
//     signed-in device immediately adopts its account's plan.
//  4. otherwise: push, writing back only fields that differ remotely.
//
// The returned bool reports whether either side was mutated. Errors are
// logged and reported but never retried; the busy flag is cleared on every
// path.
func (p *PlanCoordinator) Sync(ctx context.Context) (bool, error) {
	if !p.mu.TryLock() {
		p.logger.Debug("Plan sync already in flight, skipping")
		return false, nil
	}
	defer p.mu.Unlock()

	p.busy.Store(true)
	defer p.busy.Store(false)

	if !p.monitor.Current() {
		p.logger.Debug("Plan sync skipped: offline")
		return false, nil
	}

	guideShown, err := p.store.GuideShown()
	if err != nil {
		p.logger.Error("Plan sync: reading onboarding state", "error", err)
		return false, err
	}
	if !guideShown {
		return p.pull(ctx)
	}

	plan, err := p.store.GetPlan(p.now())
	if err != nil {
		p.logger.Error("Plan sync: reading local plan", "error", err)
		return false, err
	}
	if plan.IsFresh(p.now()) {
		return p.pull(ctx)
	}

	return p.push(ctx, plan)
}

// Pull forces the pull path regardless of local state. Used for
// remote-change notifications, where the remote copy is known to be newer.
func (p *PlanCoordinator) Pull(ctx context.Context) (bool, error) {
	if !p.mu.TryLock() {
		p.logger.Debug("Plan sync already in flight, skipping pull")
		return false, nil
	}
	defer p.mu.Unlock()

	p.busy.Store(true)
	defer p.busy.Store(false)

	if !p.monitor.Current() {
		p.logger.Debug("Plan pull skipped: offline")
		return false, nil
	}
	return p.pull(ctx)
}

// pull overwrites the local plan with the remote copy, all five fields.
// A missing remote plan is a no-op.
func (p *PlanCoordinator) pull(ctx context.Context) (bool, error) {
	remotePlan, err := p.ledger.FetchPlan(ctx)
	if err != nil {
		p.logger.Error("Plan sync: fetching remote plan", "error", err)
		return false, err
	}
	if remotePlan == nil {
		p.logger.Debug("Plan sync: no remote plan to pull")
		return false, nil
	}

	local := &store.PlanRecord{
		StartDate:  remotePlan.StartDate,
		EndDate:    remotePlan.EndDate,
		DataAmount: remotePlan.DataAmount,
		DailyLimit: remotePlan.DailyLimit,
		PlanLimit:  remotePlan.PlanLimit,
	}
	if err := p.store.UpdatePlan(local); err != nil {
		p.logger.Error("Plan sync: writing pulled plan", "error", err)
		return false, err
	}

	p.logger.Info("Plan pulled from remote",
		"startDate", local.StartDate,
		"endDate", local.EndDate,
		"dataAmount", local.DataAmount,
	)
	return true, nil
}

// push creates the remote plan if absent, otherwise writes back only fields
// that differ. No write happens when every field matches; remote stores of
// this kind rate-limit and timestamp writes.
func (p *PlanCoordinator) push(ctx context.Context, local *store.PlanRecord) (bool, error) {
	remotePlan, err := p.ledger.FetchPlan(ctx)
	if err != nil {
		p.logger.Error("Plan sync: fetching remote plan", "error", err)
		return false, err
	}

	want := &remote.PlanRecord{
		StartDate:  store.DayStart(local.StartDate),
		EndDate:    store.DayStart(local.EndDate),
		DataAmount: local.DataAmount,
		DailyLimit: local.DailyLimit,
		PlanLimit:  local.PlanLimit,
	}

	if remotePlan == nil {
		if err := p.ledger.SavePlan(ctx, want); err != nil {
			p.logger.Error("Plan sync: creating remote plan", "error", err)
			return false, err
		}
		p.logger.Info("Plan created remotely")
		return true, nil
	}

	diffs := planFieldDiffs(remotePlan, want)
	if diffs == 0 {
		p.logger.Debug("Plan sync: remote already up to date")
		return false, nil
	}

	if err := p.ledger.SavePlan(ctx, want); err != nil {
		p.logger.Error("Plan sync: updating remote plan", "error", err)
		return false, err
	}
	p.logger.Info("Plan pushed to remote", "changedFields", diffs)
	return true, nil
}

// planFieldDiffs counts fields that differ between the two records.
func planFieldDiffs(a, b *remote.PlanRecord) int {
	n := 0
	if !a.StartDate.Equal(b.StartDate) {
		n++
	}
	if !a.EndDate.Equal(b.EndDate) {
		n++
	}
	if a.DataAmount != b.DataAmount {
		n++
	}
	if a.DailyLimit != b.DailyLimit {
		n++
	}
	if a.PlanLimit != b.PlanLimit {
		n++
	}
	return n
}
