package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coper101/datapill/internal/netmon"
	"github.com/coper101/datapill/internal/remote"
	"github.com/coper101/datapill/internal/store"
	"github.com/coper101/datapill/internal/testutil"
)

// countingGrants records how many grants were begun and released.
type countingGrants struct {
	begun    atomic.Int32
	released atomic.Int32
}

type countingGrant struct{ src *countingGrants }

func (g countingGrant) Release() { g.src.released.Add(1) }

func (c *countingGrants) Begin(string) Grant {
	c.begun.Add(1)
	return countingGrant{src: c}
}

// scriptedMonitor reports online and delivers scripted change events.
type scriptedMonitor struct {
	online atomic.Bool
	ch     chan bool
}

func newScriptedMonitor(online bool) *scriptedMonitor {
	m := &scriptedMonitor{ch: make(chan bool, 4)}
	m.online.Store(online)
	return m
}

func (m *scriptedMonitor) Current() bool        { return m.online.Load() }
func (m *scriptedMonitor) Changes() <-chan bool { return m.ch }

func (m *scriptedMonitor) fire(online bool) {
	m.online.Store(online)
	m.ch <- online
}

func newOrchestrator(t *testing.T, ledger *testutil.FakeLedger, monitor netmon.Monitor, grants GrantSource) (*Orchestrator, *store.Store) {
	t.Helper()
	s := testutil.InMemoryStore(t)
	o := NewOrchestrator(s, ledger, monitor, grants, testutil.DiscardLogger())
	fixed := func() time.Time { return testDay }
	o.now = fixed
	o.plan.now = fixed
	o.today.now = fixed
	o.history.now = fixed
	return o, s
}

func TestActivateAdvancesWatermarkAndReleasesGrant(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	grants := &countingGrants{}
	o, s := newOrchestrator(t, ledger, &netmon.Static{Online: true}, grants)

	if err := o.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	wm, err := s.Watermark()
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.Equal(testDay) {
		t.Errorf("watermark = %v, want %v", wm, testDay)
	}
	if got := grants.begun.Load(); got != 1 {
		t.Errorf("grants begun = %d, want 1", got)
	}
	if got := grants.released.Load(); got != 1 {
		t.Errorf("grants released = %d, want 1", got)
	}
	if o.Busy() {
		t.Error("orchestrator busy after activation")
	}
}

func TestActivateReleasesGrantOnHistoryFailure(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	ledger.BatchErr = remote.ErrServerError
	grants := &countingGrants{}
	o, s := newOrchestrator(t, ledger, &netmon.Static{Online: true}, grants)
	testutil.SeedUsage(t, s, testDay.AddDate(0, 0, -1), 100, false, time.Time{})

	if err := o.Activate(context.Background()); err == nil {
		t.Fatal("Activate did not surface the history error")
	}
	if got := grants.released.Load(); got != 1 {
		t.Errorf("grants released = %d, want 1", got)
	}

	// The watermark still advances; per-record flags carry correctness.
	wm, err := s.Watermark()
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm.IsZero() {
		t.Error("watermark not advanced after failed history pass")
	}
}

func TestActivateGrantExpiryReleasesEarly(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	ledger.LoggedIn = false // makes the history pass an instant no-op
	grants := &countingGrants{}
	o, _ := newOrchestrator(t, ledger, &netmon.Static{Online: true}, grants)
	o.grantBudget = time.Nanosecond

	if err := o.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Whether the timer or the defer won, the grant went out exactly once.
	time.Sleep(20 * time.Millisecond)
	if got := grants.released.Load(); got != 1 {
		t.Errorf("grants released = %d, want 1", got)
	}
}

func TestActivateRollsOverExpiredPlan(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	o, s := newOrchestrator(t, ledger, &netmon.Static{Online: false}, nil)

	// 30-day period that ended well before testDay (2024-05-10).
	if err := s.UpdatePlan(&store.PlanRecord{
		StartDate:  testutil.Day(2024, 3, 1),
		EndDate:    testutil.Day(2024, 3, 31),
		DataAmount: 10000,
		DailyLimit: 350,
		PlanLimit:  9500,
	}); err != nil {
		t.Fatalf("UpdatePlan: %v", err)
	}

	if err := o.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	plan, err := s.GetPlan(testDay)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	wantStart := testutil.Day(2024, 4, 30)
	wantEnd := testutil.Day(2024, 5, 30)
	if !plan.StartDate.Equal(wantStart) || !plan.EndDate.Equal(wantEnd) {
		t.Errorf("period = %v..%v, want %v..%v",
			plan.StartDate.Format("2006-01-02"), plan.EndDate.Format("2006-01-02"),
			wantStart.Format("2006-01-02"), wantEnd.Format("2006-01-02"))
	}
	if plan.DataAmount != 10000 {
		t.Errorf("DataAmount changed across rollover: %v", plan.DataAmount)
	}
}

func TestActivateLeavesCurrentPlanAlone(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	o, s := newOrchestrator(t, ledger, &netmon.Static{Online: false}, nil)

	start := testutil.Day(2024, 5, 1)
	end := testutil.Day(2024, 5, 31)
	if err := s.UpdatePlan(&store.PlanRecord{StartDate: start, EndDate: end, DataAmount: 5000}); err != nil {
		t.Fatalf("UpdatePlan: %v", err)
	}

	if err := o.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	plan, err := s.GetPlan(testDay)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if !plan.StartDate.Equal(start) || !plan.EndDate.Equal(end) {
		t.Errorf("current period was moved: %v..%v", plan.StartDate, plan.EndDate)
	}
}

func TestRegisterSubscriptions(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	o, _ := newOrchestrator(t, ledger, &netmon.Static{Online: true}, nil)

	if err := o.RegisterSubscriptions(context.Background()); err != nil {
		t.Fatalf("RegisterSubscriptions: %v", err)
	}
	if len(ledger.Subscriptions) != 2 {
		t.Fatalf("subscriptions = %v, want 2 entries", ledger.Subscriptions)
	}
}

func TestOnPlanChangedPullsRemote(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	ledger.Plan = samplePlan()
	o, s := newOrchestrator(t, ledger, &netmon.Static{Online: true}, nil)

	o.OnPlanChanged(context.Background())

	plan, err := s.GetPlan(testDay)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if want := samplePlan(); plan.DataAmount != want.DataAmount {
		t.Errorf("DataAmount = %v, want %v", plan.DataAmount, want.DataAmount)
	}
}

func TestOnTodayChangedSyncsToday(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	seedRemoteUsage(ledger, testDay, 640)
	o, s := newOrchestrator(t, ledger, &netmon.Static{Online: true}, nil)
	testutil.SeedUsage(t, s, testDay, 100, false, time.Time{})

	o.OnTodayChanged(context.Background())

	local, err := s.GetUsage(testDay)
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if local.DailyUsedData != 640 {
		t.Errorf("DailyUsedData = %v, want 640", local.DailyUsedData)
	}
}

func TestWatchConnectivityActivatesOnRestore(t *testing.T) {
	ledger := testutil.NewFakeLedger()
	monitor := newScriptedMonitor(false)
	o, s := newOrchestrator(t, ledger, monitor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.WatchConnectivity(ctx)
		close(done)
	}()

	monitor.fire(true)

	// Activation advances the watermark; poll until it lands.
	deadline := time.After(2 * time.Second)
	for {
		wm, err := s.Watermark()
		if err != nil {
			t.Fatalf("Watermark: %v", err)
		}
		if !wm.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connectivity restore did not trigger an activation")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchConnectivity did not stop on context cancel")
	}
}
