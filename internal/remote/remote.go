// Package remote defines the remote record-store boundary for datapill and
// provides the HTTP client implementation. The remote store is eventually
// consistent and shared by every device on the same account.
package remote

import (
	"context"
	"errors"
	"time"
)

// Custom errors for different failure modes.
var (
	ErrNotLoggedIn     = errors.New("remote: not logged in")
	ErrUnauthorized    = errors.New("remote: unauthorized - invalid API key")
	ErrServerError     = errors.New("remote: server error")
	ErrNetworkError    = errors.New("remote: network error")
	ErrInvalidResponse = errors.New("remote: invalid response")
)

// UsageRecord is the remote mirror of one ledger day. The remote never sees
// the raw device counter, only the derived daily delta.
type UsageRecord struct {
	ID            string    `json:"id,omitempty"`
	Date          time.Time `json:"date"`
	DailyUsedData float64   `json:"dailyUsedData"`
}

// PlanRecord is the remote mirror of the plan singleton.
type PlanRecord struct {
	StartDate  time.Time `json:"startDate"`
	EndDate    time.Time `json:"endDate"`
	DataAmount float64   `json:"dataAmount"`
	DailyLimit float64   `json:"dailyLimit"`
	PlanLimit  float64   `json:"planLimit"`
}

// RecordType identifies a record class for change subscriptions.
type RecordType string

const (
	RecordTypePlan  RecordType = "plan"
	RecordTypeUsage RecordType = "usage"
)

// Ledger is the remote record store the sync engine talks to.
// Implementations must be safe for use from multiple goroutines.
type Ledger interface {
	// CheckLogin reports whether the device's account is usable.
	CheckLogin(ctx context.Context) (bool, error)

	// FetchUsage returns the remote usage record for the given day,
	// or nil if the remote has none.
	FetchUsage(ctx context.Context, day time.Time) (*UsageRecord, error)

	// FetchAllUsage returns every remote usage record.
	FetchAllUsage(ctx context.Context) ([]*UsageRecord, error)

	// SaveUsage creates or replaces one remote usage record.
	SaveUsage(ctx context.Context, rec *UsageRecord) error

	// SaveUsageBatch creates or replaces remote usage records in one call.
	// The save is all-or-nothing: on error no record was persisted.
	SaveUsageBatch(ctx context.Context, recs []*UsageRecord) error

	// FetchPlan returns the remote plan, or nil if none exists yet.
	FetchPlan(ctx context.Context) (*PlanRecord, error)

	// SavePlan creates or replaces the remote plan.
	SavePlan(ctx context.Context, plan *PlanRecord) error

	// SubscribeOnChange registers a server-side change subscription for the
	// given record type. Change events are delivered out of band (see the
	// notify package).
	SubscribeOnChange(ctx context.Context, recordType RecordType, subscriptionID string) error
}
