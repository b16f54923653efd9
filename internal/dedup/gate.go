// Package dedup turns an at-least-once notification stream into at-most-once
// admission decisions. The gate tracks per-resource dedup records and
// per-conversation reply cooldowns.
package dedup

import (
	"context"
	"time"
)

// Decision is the outcome of an admission check.
type Decision string

// Admission decisions.
const (
	DecisionAdmit           Decision = "admit"
	DecisionDuplicate       Decision = "duplicate"
	DecisionCooldown        Decision = "cooldown"
	DecisionAlreadyInFlight Decision = "already_in_flight"
)

// Gate decides whether a resource id may trigger the downstream pipeline.
//
// Admit, Commit and Release must each be linearizable per resource id: two
// workers must never both believe they own the same id.
type Gate interface {
	// Admit runs the admission checks and, on DecisionAdmit, atomically claims
	// the resource id (marks it in-flight). conversationID may be empty when
	// the notification carried no conversation hint; the cooldown check is
	// then skipped and the caller re-checks with CooldownActive after fetch.
	Admit(ctx context.Context, resourceID, conversationID string) (Decision, error)

	// Commit records the terminal outcome of an admitted item. Success marks
	// the id triggered and stamps the conversation cooldown; failure marks it
	// failed until the failed-id TTL elapses.
	Commit(ctx context.Context, resourceID, conversationID string, success bool) error

	// Release abandons an in-flight claim without recording an outcome,
	// leaving the resource id eligible for future deliveries.
	Release(ctx context.Context, resourceID string) error

	// CooldownActive reports whether the conversation triggered within the
	// cooldown window.
	CooldownActive(ctx context.Context, conversationID string) (bool, error)
}

// Config tunes a gate.
type Config struct {
	CooldownWindow time.Duration
	FailedTTL      time.Duration
}
