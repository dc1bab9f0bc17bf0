package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coper101/datapill/internal/remote"
	"github.com/coper101/datapill/internal/store"
)

// FakeLedger is an in-memory remote.Ledger for tests. Every method can be
// made to fail by setting the matching Err field, and write counters let
// tests assert how many remote calls a sync pass made.
type FakeLedger struct {
	mu sync.Mutex

	LoggedIn bool
	Usage    map[string]*remote.UsageRecord // keyed by date "2006-01-02"
	Plan     *remote.PlanRecord

	LoginErr     error
	FetchErr     error
	SaveErr      error
	BatchErr     error
	PlanErr      error
	SubscribeErr error

	SaveCalls      int
	BatchCalls     int
	SavePlanCalls  int
	Subscriptions  []string
	BatchSizes     []int
	FetchAllCalls  int
	CheckLoginCall int
}

// NewFakeLedger returns a logged-in FakeLedger with no records.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		LoggedIn: true,
		Usage:    make(map[string]*remote.UsageRecord),
	}
}

func dayKey(t time.Time) string {
	return store.DayStart(t).Format("2006-01-02")
}

func (f *FakeLedger) CheckLogin(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CheckLoginCall++
	if f.LoginErr != nil {
		return false, f.LoginErr
	}
	return f.LoggedIn, nil
}

func (f *FakeLedger) FetchUsage(ctx context.Context, day time.Time) (*remote.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	rec, ok := f.Usage[dayKey(day)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *FakeLedger) FetchAllUsage(ctx context.Context) ([]*remote.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchAllCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	out := make([]*remote.UsageRecord, 0, len(f.Usage))
	for _, rec := range f.Usage {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *FakeLedger) SaveUsage(ctx context.Context, rec *remote.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SaveCalls++
	if f.SaveErr != nil {
		return f.SaveErr
	}
	f.put(rec)
	return nil
}

func (f *FakeLedger) SaveUsageBatch(ctx context.Context, recs []*remote.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}
	f.BatchCalls++
	f.BatchSizes = append(f.BatchSizes, len(recs))
	if f.BatchErr != nil {
		return f.BatchErr
	}
	for _, rec := range recs {
		f.put(rec)
	}
	return nil
}

func (f *FakeLedger) FetchPlan(ctx context.Context) (*remote.PlanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlanErr != nil {
		return nil, f.PlanErr
	}
	if f.Plan == nil {
		return nil, nil
	}
	cp := *f.Plan
	return &cp, nil
}

func (f *FakeLedger) SavePlan(ctx context.Context, plan *remote.PlanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SavePlanCalls++
	if f.PlanErr != nil {
		return f.PlanErr
	}
	cp := *plan
	f.Plan = &cp
	return nil
}

func (f *FakeLedger) SubscribeOnChange(ctx context.Context, recordType remote.RecordType, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return f.SubscribeErr
	}
	f.Subscriptions = append(f.Subscriptions, string(recordType)+":"+subscriptionID)
	return nil
}

// UsageAt returns the stored remote record for the given day, or nil.
func (f *FakeLedger) UsageAt(day time.Time) *remote.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Usage[dayKey(day)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (f *FakeLedger) put(rec *remote.UsageRecord) {
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Date = store.DayStart(cp.Date)
	f.Usage[dayKey(cp.Date)] = &cp
	rec.ID = cp.ID
}
