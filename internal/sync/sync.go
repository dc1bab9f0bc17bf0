// Package sync implements the reconciliation engine between the local store
// and the remote ledger. Three coordinators cover the plan record, today's
// usage row, and the historical ledger; the Orchestrator sequences them.
//
// Coordinators are stateless across invocations apart from their busy flag:
// every decision is derived from what the stores currently hold. Each
// coordinator holds a single-flight lock so a notification-triggered run
// overlapping an activation-triggered run of the same coordinator degrades
// to a skip instead of racing.
package sync

import "time"

// Grant represents an OS background-execution window. Release is safe to
// call more than once; only the first call has effect.
type Grant interface {
	Release()
}

// GrantSource hands out background execution grants. The zero-value
// NopGrants is used where the platform offers no such mechanism.
type GrantSource interface {
	Begin(name string) Grant
}

// NopGrants is a GrantSource for platforms without background-execution
// budgets.
type NopGrants struct{}

type nopGrant struct{}

func (nopGrant) Release() {}

// Begin returns a grant whose release is a no-op.
func (NopGrants) Begin(string) Grant { return nopGrant{} }

// clock returns the current UTC time; replaced in tests.
type clock func() time.Time
