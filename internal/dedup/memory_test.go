package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*MemoryGate, *time.Time) {
	t.Helper()

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	gate := NewMemoryGate(Config{
		CooldownWindow: 120 * time.Second,
		FailedTTL:      15 * time.Minute,
	})
	gate.now = func() time.Time { return current }

	return gate, &current
}

func TestMemoryGate_AdmitLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("first delivery is admitted, success makes later deliveries duplicates", func(t *testing.T) {
		gate, _ := newTestGate(t)

		decision, err := gate.Admit(ctx, "msg-1", "conv-1")
		require.NoError(t, err)
		assert.Equal(t, DecisionAdmit, decision)

		require.NoError(t, gate.Commit(ctx, "msg-1", "conv-1", true))

		decision, err = gate.Admit(ctx, "msg-1", "conv-1")
		require.NoError(t, err)
		assert.Equal(t, DecisionDuplicate, decision)
	})

	t.Run("claimed id reports already in flight", func(t *testing.T) {
		gate, _ := newTestGate(t)

		decision, err := gate.Admit(ctx, "msg-1", "")
		require.NoError(t, err)
		require.Equal(t, DecisionAdmit, decision)

		decision, err = gate.Admit(ctx, "msg-1", "")
		require.NoError(t, err)
		assert.Equal(t, DecisionAlreadyInFlight, decision)
	})

	t.Run("released claim is admitted again", func(t *testing.T) {
		gate, _ := newTestGate(t)

		_, err := gate.Admit(ctx, "msg-1", "")
		require.NoError(t, err)
		require.NoError(t, gate.Release(ctx, "msg-1"))

		decision, err := gate.Admit(ctx, "msg-1", "")
		require.NoError(t, err)
		assert.Equal(t, DecisionAdmit, decision)
	})

	t.Run("release does not clear a triggered record", func(t *testing.T) {
		gate, _ := newTestGate(t)

		_, err := gate.Admit(ctx, "msg-1", "")
		require.NoError(t, err)
		require.NoError(t, gate.Commit(ctx, "msg-1", "", true))
		require.NoError(t, gate.Release(ctx, "msg-1"))

		decision, err := gate.Admit(ctx, "msg-1", "")
		require.NoError(t, err)
		assert.Equal(t, DecisionDuplicate, decision)
	})
}

func TestMemoryGate_FailedTTL(t *testing.T) {
	ctx := context.Background()
	gate, current := newTestGate(t)

	_, err := gate.Admit(ctx, "msg-1", "")
	require.NoError(t, err)
	require.NoError(t, gate.Commit(ctx, "msg-1", "", false))

	// Within the TTL the id is suppressed.
	*current = current.Add(14 * time.Minute)
	decision, err := gate.Admit(ctx, "msg-1", "")
	require.NoError(t, err)
	assert.Equal(t, DecisionDuplicate, decision)

	// After the TTL the failed record lazily expires and the id is eligible.
	*current = current.Add(2 * time.Minute)
	decision, err = gate.Admit(ctx, "msg-1", "")
	require.NoError(t, err)
	assert.Equal(t, DecisionAdmit, decision)
}

func TestMemoryGate_Cooldown(t *testing.T) {
	ctx := context.Background()
	gate, current := newTestGate(t)

	_, err := gate.Admit(ctx, "msg-1", "conv-1")
	require.NoError(t, err)
	require.NoError(t, gate.Commit(ctx, "msg-1", "conv-1", true))

	// A different message in the same conversation is suppressed.
	decision, err := gate.Admit(ctx, "msg-2", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionCooldown, decision)

	active, err := gate.CooldownActive(ctx, "conv-1")
	require.NoError(t, err)
	assert.True(t, active)

	// Other conversations are unaffected.
	decision, err = gate.Admit(ctx, "msg-3", "conv-2")
	require.NoError(t, err)
	assert.Equal(t, DecisionAdmit, decision)

	// Past the window the conversation is eligible again.
	*current = current.Add(121 * time.Second)
	decision, err = gate.Admit(ctx, "msg-2", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, DecisionAdmit, decision)

	active, err = gate.CooldownActive(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestMemoryGate_CooldownNotCheckedWithoutConversation(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t)

	_, err := gate.Admit(ctx, "msg-1", "conv-1")
	require.NoError(t, err)
	require.NoError(t, gate.Commit(ctx, "msg-1", "conv-1", true))

	// No conversation hint: the gate claims the id and leaves the cooldown
	// decision to the caller after fetch.
	decision, err := gate.Admit(ctx, "msg-2", "")
	require.NoError(t, err)
	assert.Equal(t, DecisionAdmit, decision)
}

func TestMemoryGate_ConcurrentAdmitSameResource(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t)

	const goroutines = 16

	var wg sync.WaitGroup
	decisions := make([]Decision, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			d, err := gate.Admit(ctx, "msg-1", "conv-1")
			assert.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	admits := 0
	for _, d := range decisions {
		switch d {
		case DecisionAdmit:
			admits++
		case DecisionAlreadyInFlight:
		default:
			t.Fatalf("unexpected decision %q", d)
		}
	}
	assert.Equal(t, 1, admits, "exactly one caller may win the claim")
}

func TestMemoryGate_Sweep(t *testing.T) {
	ctx := context.Background()
	gate, current := newTestGate(t)

	_, err := gate.Admit(ctx, "failed-1", "")
	require.NoError(t, err)
	require.NoError(t, gate.Commit(ctx, "failed-1", "", false))

	_, err = gate.Admit(ctx, "triggered-1", "conv-1")
	require.NoError(t, err)
	require.NoError(t, gate.Commit(ctx, "triggered-1", "conv-1", true))

	assert.Equal(t, 0, gate.Sweep(), "nothing expired yet")

	*current = current.Add(16 * time.Minute)
	assert.Equal(t, 1, gate.Sweep(), "only the expired failed record is removed")

	// Triggered records survive sweeping: the id must stay a duplicate.
	decision, err := gate.Admit(ctx, "triggered-1", "")
	require.NoError(t, err)
	assert.Equal(t, DecisionDuplicate, decision)
}
