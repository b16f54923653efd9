package domain

import "time"

// DedupState represents the processing state of a resource id.
type DedupState string

// Dedup states. Transitions: new -> in_flight -> {triggered | failed}.
// Triggered is terminal; failed reverts to new after FailedUntil elapses.
const (
	DedupStateNew       DedupState = "new"
	DedupStateInFlight  DedupState = "in_flight"
	DedupStateTriggered DedupState = "triggered"
	DedupStateFailed    DedupState = "failed"
)

// DedupRecord tracks one resource id through the dedup gate.
type DedupRecord struct {
	ResourceID  string
	State       DedupState
	FirstSeen   time.Time
	LastSeen    time.Time
	FailedUntil time.Time // zero unless State is failed
}
