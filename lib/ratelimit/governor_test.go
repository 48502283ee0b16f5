package ratelimit

import (
	"context"
	"testing"
	"time"

	"cardwatch-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func TestBackoffMonotonic(t *testing.T) {
	cleanup := telemetry.SetupForTesting("test:ratelimit")
	defer cleanup()

	g := NewGovernor(Config{
		BaseDelay:     100 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      time.Second,
		CooldownAfter: 100,
	})
	require.Equal(t, 100*time.Millisecond, g.Delay())

	prev := g.Delay()
	for i := 0; i < 10; i++ {
		g.RecordOutcome(OutcomeRateLimited)
		d := g.Delay()
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, time.Second)
		prev = d
	}
	require.Equal(t, time.Second, g.Delay())
	require.Equal(t, 10, g.ConsecutiveFailures())

	// a success begins decrementing the failure counter
	g.RecordOutcome(OutcomeOK)
	require.Equal(t, 9, g.ConsecutiveFailures())

	// the delay returns to the floor only once the counter reaches zero
	for i := 0; i < 8; i++ {
		g.RecordOutcome(OutcomeOK)
		require.Equal(t, time.Second, g.Delay())
	}
	g.RecordOutcome(OutcomeOK)
	require.Equal(t, 0, g.ConsecutiveFailures())
	require.Equal(t, 100*time.Millisecond, g.Delay())
}

func TestClientErrorHasNoPenalty(t *testing.T) {
	g := NewGovernor(Config{
		BaseDelay:     50 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      time.Second,
	})
	g.RecordOutcome(OutcomeClientError)
	require.Equal(t, 0, g.ConsecutiveFailures())
	require.Equal(t, 50*time.Millisecond, g.Delay())
}

func TestCooldown(t *testing.T) {
	g := NewGovernor(Config{
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Millisecond,
		CooldownAfter: 3,
		Cooldown:      50 * time.Millisecond,
	})
	require.False(t, g.CoolingDown())
	for i := 0; i < 3; i++ {
		g.RecordOutcome(OutcomeServerError)
	}
	require.True(t, g.CoolingDown())

	// Wait must not return before the cooldown deadline
	start := time.Now()
	err := g.Wait(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitCancellation(t *testing.T) {
	g := NewGovernor(Config{
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      time.Minute,
		CooldownAfter: 1,
		Cooldown:      time.Minute,
	})
	g.RecordOutcome(OutcomeRateLimited)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitPacesConcurrentCallers(t *testing.T) {
	g := NewGovernor(Config{
		BaseDelay:     20 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      time.Second,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Wait(context.Background()))
	}
	// first slot is immediate, the next two are paced
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
