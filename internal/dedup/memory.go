package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/driftlab/replygate/internal/domain"
)

// MemoryGate is an in-process Gate guarded by a single mutex. Suitable for
// single-instance deployments; multi-instance deployments share state through
// the redis implementation instead.
type MemoryGate struct {
	mu        sync.Mutex
	records   map[string]*domain.DedupRecord
	cooldowns map[string]time.Time // conversation id -> last triggered
	cfg       Config

	now func() time.Time
}

// NewMemoryGate creates an in-memory gate.
func NewMemoryGate(cfg Config) *MemoryGate {
	return &MemoryGate{
		records:   make(map[string]*domain.DedupRecord),
		cooldowns: make(map[string]time.Time),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Admit implements Gate. Dedup-state checks run before the cooldown read:
// they are cheaper and a positive hit avoids the cooldown lookup entirely.
func (g *MemoryGate) Admit(_ context.Context, resourceID, conversationID string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	rec, ok := g.records[resourceID]
	if ok {
		rec.LastSeen = now

		switch rec.State {
		case domain.DedupStateTriggered:
			return DecisionDuplicate, nil
		case domain.DedupStateInFlight:
			return DecisionAlreadyInFlight, nil
		case domain.DedupStateFailed:
			if now.Before(rec.FailedUntil) {
				// Suppressed retry of a known-bad id.
				return DecisionDuplicate, nil
			}
			// TTL elapsed: lazy expiry back to new.
			rec.State = domain.DedupStateNew
			rec.FailedUntil = time.Time{}
		}
	}

	if conversationID != "" && g.cooldownActiveLocked(conversationID, now) {
		return DecisionCooldown, nil
	}

	if rec == nil {
		rec = &domain.DedupRecord{
			ResourceID: resourceID,
			FirstSeen:  now,
			LastSeen:   now,
		}
		g.records[resourceID] = rec
	}
	rec.State = domain.DedupStateInFlight

	return DecisionAdmit, nil
}

// Commit implements Gate.
func (g *MemoryGate) Commit(_ context.Context, resourceID, conversationID string, success bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	rec, ok := g.records[resourceID]
	if !ok {
		rec = &domain.DedupRecord{ResourceID: resourceID, FirstSeen: now}
		g.records[resourceID] = rec
	}
	rec.LastSeen = now

	if success {
		rec.State = domain.DedupStateTriggered
		rec.FailedUntil = time.Time{}
		if conversationID != "" {
			g.cooldowns[conversationID] = now
		}
		return nil
	}

	rec.State = domain.DedupStateFailed
	rec.FailedUntil = now.Add(g.cfg.FailedTTL)
	return nil
}

// Release implements Gate.
func (g *MemoryGate) Release(_ context.Context, resourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[resourceID]
	if ok && rec.State == domain.DedupStateInFlight {
		delete(g.records, resourceID)
	}
	return nil
}

// CooldownActive implements Gate.
func (g *MemoryGate) CooldownActive(_ context.Context, conversationID string) (bool, error) {
	if conversationID == "" {
		return false, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownActiveLocked(conversationID, g.now()), nil
}

func (g *MemoryGate) cooldownActiveLocked(conversationID string, now time.Time) bool {
	last, ok := g.cooldowns[conversationID]
	if !ok {
		return false
	}
	return now.Sub(last) < g.cfg.CooldownWindow
}

// Sweep removes failed records whose TTL elapsed and stale cooldown stamps.
// Triggered records are terminal and never swept. Correctness does not depend
// on sweeping; it only bounds memory.
func (g *MemoryGate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0

	for id, rec := range g.records {
		if rec.State == domain.DedupStateFailed && now.After(rec.FailedUntil) {
			delete(g.records, id)
			removed++
		}
	}

	for conv, last := range g.cooldowns {
		if now.Sub(last) > g.cfg.CooldownWindow {
			delete(g.cooldowns, conv)
		}
	}

	return removed
}
