package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/coper101/datapill/internal/netmon"
	"github.com/coper101/datapill/internal/remote"
	"github.com/coper101/datapill/internal/store"
)

// defaultGrantBudget bounds how long an activation may hold the
// background-execution grant before it is released defensively.
const defaultGrantBudget = 30 * time.Second

// Orchestrator sequences the three coordinators per activation and owns
// the cross-cutting state none of them should touch alone: the advisory
// watermark and the background-execution grant.
type Orchestrator struct {
	store   *store.Store
	ledger  remote.Ledger
	monitor netmon.Monitor
	logger  *slog.Logger

	plan    *PlanCoordinator
	today   *TodayCoordinator
	history *HistoryCoordinator

	grants      GrantSource
	grantBudget time.Duration

	subscriptionID string
	now            clock
}

// NewOrchestrator wires the coordinators over a shared store, ledger and
// connectivity monitor. A nil grants falls back to NopGrants.
func NewOrchestrator(s *store.Store, ledger remote.Ledger, monitor netmon.Monitor, grants GrantSource, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if grants == nil {
		grants = NopGrants{}
	}
	return &Orchestrator{
		store:          s,
		ledger:         ledger,
		monitor:        monitor,
		logger:         logger,
		plan:           NewPlanCoordinator(s, ledger, monitor, logger),
		today:          NewTodayCoordinator(s, ledger, monitor, logger),
		history:        NewHistoryCoordinator(s, ledger, monitor, logger),
		grants:         grants,
		grantBudget:    defaultGrantBudget,
		subscriptionID: uuid.NewString(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Busy reports whether any coordinator is mid-invocation. It is a pure OR
// of the per-coordinator flags; a reader can see it flip between the steps
// of one activation.
func (o *Orchestrator) Busy() bool {
	return o.plan.Busy() || o.today.Busy() || o.history.Busy()
}

// PlanBusy reports whether the plan coordinator is mid-invocation.
func (o *Orchestrator) PlanBusy() bool { return o.plan.Busy() }

// TodayBusy reports whether the today coordinator is mid-invocation.
func (o *Orchestrator) TodayBusy() bool { return o.today.Busy() }

// HistoryBusy reports whether the history coordinator is mid-invocation.
func (o *Orchestrator) HistoryBusy() bool { return o.history.Busy() }

// Activate runs one full sync pass: plan period rollover, plan sync,
// today sync, then history sync under a background-execution grant. The
// watermark advances and the grant is released exactly once whether the
// history pass succeeds, fails or no-ops.
func (o *Orchestrator) Activate(ctx context.Context) error {
	if err := o.rolloverPlan(); err != nil {
		o.logger.Error("Activation: plan rollover", "error", err)
	}

	if _, err := o.plan.Sync(ctx); err != nil {
		o.logger.Error("Activation: plan sync", "error", err)
	}
	if _, err := o.today.Sync(ctx); err != nil {
		o.logger.Error("Activation: today sync", "error", err)
	}

	grant := o.grants.Begin("history-sync")
	var once stdsync.Once
	release := func() { once.Do(grant.Release) }
	expiry := time.AfterFunc(o.grantBudget, func() {
		o.logger.Warn("Activation: grant budget expired, releasing early")
		release()
	})
	defer expiry.Stop()
	defer release()

	_, err := o.history.Sync(ctx)
	if err != nil {
		o.logger.Error("Activation: history sync", "error", err)
	}

	// Advance the watermark regardless of the history outcome. It is only
	// a hint for which rows to re-check; per-record bookkeeping carries
	// correctness, so a failed pass simply retries next activation.
	if wmErr := o.store.SetWatermark(o.now()); wmErr != nil {
		o.logger.Error("Activation: advancing watermark", "error", wmErr)
		if err == nil {
			err = wmErr
		}
	}

	return err
}

// OnPlanChanged handles a remote "plan changed" notification by pulling
// the remote plan into the local record, independent of any activation.
func (o *Orchestrator) OnPlanChanged(ctx context.Context) {
	if _, err := o.plan.Pull(ctx); err != nil {
		o.logger.Error("Plan change notification: pull", "error", err)
	}
}

// OnTodayChanged handles a remote "today changed" notification by
// re-running the today coordinator.
func (o *Orchestrator) OnTodayChanged(ctx context.Context) {
	if _, err := o.today.Sync(ctx); err != nil {
		o.logger.Error("Today change notification: sync", "error", err)
	}
}

// RegisterSubscriptions asks the remote ledger to notify this device of
// plan and usage changes made elsewhere on the account.
func (o *Orchestrator) RegisterSubscriptions(ctx context.Context) error {
	if err := o.ledger.SubscribeOnChange(ctx, remote.RecordTypePlan, o.subscriptionID); err != nil {
		return err
	}
	return o.ledger.SubscribeOnChange(ctx, remote.RecordTypeUsage, o.subscriptionID)
}

// WatchConnectivity re-activates the orchestrator whenever connectivity
// returns. It blocks until ctx is done.
func (o *Orchestrator) WatchConnectivity(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-o.monitor.Changes():
			if !online {
				continue
			}
			o.logger.Info("Connectivity restored, activating sync")
			if err := o.Activate(ctx); err != nil {
				o.logger.Error("Connectivity-triggered activation", "error", err)
			}
		}
	}
}

// rolloverPlan advances an expired plan period by whole period lengths
// until the current time falls inside it. Pure date math; amounts and
// limits carry over unchanged.
func (o *Orchestrator) rolloverPlan() error {
	now := o.now()
	plan, err := o.store.GetPlan(now)
	if err != nil {
		return err
	}

	period := plan.EndDate.Sub(plan.StartDate)
	if period <= 0 {
		return nil
	}
	if now.Before(plan.EndDate) {
		return nil
	}

	elapsed := now.Sub(plan.StartDate)
	periods := elapsed / period
	plan.StartDate = plan.StartDate.Add(periods * period)
	plan.EndDate = plan.StartDate.Add(period)

	o.logger.Info("Plan period rolled over",
		"start", plan.StartDate.Format("2006-01-02"),
		"end", plan.EndDate.Format("2006-01-02"),
	)
	return o.store.UpdatePlan(plan)
}
