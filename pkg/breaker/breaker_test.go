package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progress() Signal {
	return Signal{Progress: true}
}

func stuck(signature string) Signal {
	return Signal{IssueSignature: signature}
}

func TestSameIssueTrips(t *testing.T) {
	b := New(DefaultConfig, time.Now())

	for i := 0; i < 2; i++ {
		_, tripped := b.Observe(Signal{IssueSignature: "auth test failing", Progress: true})
		require.False(t, tripped, "observation %d must not trip", i+1)
	}

	trip, tripped := b.Observe(Signal{IssueSignature: "auth test failing", Progress: true})
	require.True(t, tripped)
	assert.Equal(t, ReasonSameIssue, trip.Reason)
	assert.Contains(t, trip.Evidence, "same issue 3x")
	assert.Contains(t, trip.Evidence, "auth test failing")
}

func TestDistinctIssuesDoNotTrip(t *testing.T) {
	b := New(DefaultConfig, time.Now())

	for i := 0; i < 10; i++ {
		sig := Signal{IssueSignature: string(rune('a' + i)), Progress: true}
		_, tripped := b.Observe(sig)
		require.False(t, tripped)
	}
}

func TestNoProgressTrips(t *testing.T) {
	b := New(DefaultConfig, time.Now())

	for i := 0; i < 4; i++ {
		_, tripped := b.Observe(stuck(""))
		require.False(t, tripped, "cycle %d must not trip", i+1)
	}

	trip, tripped := b.Observe(stuck(""))
	require.True(t, tripped)
	assert.Equal(t, ReasonNoProgress, trip.Reason)
	assert.Contains(t, trip.Evidence, "no measurable progress for 5 cycles")
}

func TestProgressResetsNoProgressCounter(t *testing.T) {
	b := New(DefaultConfig, time.Now())

	for cycle := 0; cycle < 3; cycle++ {
		for i := 0; i < 4; i++ {
			_, tripped := b.Observe(stuck(""))
			require.False(t, tripped)
		}
		_, tripped := b.Observe(progress())
		require.False(t, tripped, "progress must reset the stall counter")
	}
}

func TestCycleLimitTrips(t *testing.T) {
	b := New(DefaultConfig, time.Now())

	for i := 0; i < 19; i++ {
		// Alternate signatures and keep making progress so only the
		// absolute cycle cap can fire.
		sig := Signal{IssueSignature: string(rune('a' + i%10)), Progress: true}
		_, tripped := b.Observe(sig)
		require.False(t, tripped, "cycle %d must not trip", i+1)
	}

	trip, tripped := b.Observe(progress())
	require.True(t, tripped)
	assert.Equal(t, ReasonCycleLimit, trip.Reason)
	assert.Contains(t, trip.Evidence, "20 cycles")
}

func TestWallClockTrips(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := New(DefaultConfig, start)
	b.SetClock(func() time.Time { return start.Add(8*time.Hour + time.Minute) })

	trip, tripped := b.Observe(progress())
	require.True(t, tripped)
	assert.Equal(t, ReasonTimeout, trip.Reason)
	assert.Contains(t, trip.Evidence, "wall clock")
}

// TestTripPriority verifies same-issue wins when several conditions are
// reached by the same signal.
func TestTripPriority(t *testing.T) {
	cfg := Config{SameIssueMax: 2, NoProgressMax: 2, TotalCyclesMax: 2, MaxSessionAge: time.Hour}
	start := time.Now().Add(-2 * time.Hour) // timeout condition also reached
	b := New(cfg, start)

	_, tripped := b.Observe(Signal{IssueSignature: "flaky test", Progress: true})
	require.True(t, tripped, "wall clock already expired")

	b.Reset()
	b.ResetClock(time.Now())

	// Second occurrence of the signature with no progress: same-issue,
	// no-progress and cycle-limit all reached at once.
	_, tripped = b.Observe(stuck("flaky test"))
	require.False(t, tripped)
	trip, tripped := b.Observe(stuck("flaky test"))
	require.True(t, tripped)
	assert.Equal(t, ReasonSameIssue, trip.Reason)
}

func TestResetClearsHistory(t *testing.T) {
	b := New(DefaultConfig, time.Now())

	_, tripped := b.Observe(stuck("npm install hangs"))
	require.False(t, tripped)
	_, tripped = b.Observe(stuck("npm install hangs"))
	require.False(t, tripped)

	b.Reset()

	// The old occurrences are gone; the next one counts as the first.
	_, tripped = b.Observe(stuck("npm install hangs"))
	assert.False(t, tripped)

	stats := b.Stats()
	assert.Equal(t, 1, stats.TotalCycles)
	assert.Equal(t, 1, stats.SameIssueCount)
}

func TestResetKeepsWallClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := New(DefaultConfig, start)
	b.Reset()

	assert.Equal(t, start, b.Stats().StartedAt, "Reset must not re-anchor the wall clock")

	later := start.Add(time.Hour)
	b.ResetClock(later)
	assert.Equal(t, later, b.Stats().StartedAt)
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	b := New(Config{}, time.Now())

	for i := 0; i < 2; i++ {
		_, tripped := b.Observe(stuck("x"))
		require.False(t, tripped)
	}
	trip, tripped := b.Observe(stuck("x"))
	require.True(t, tripped)
	assert.Equal(t, ReasonSameIssue, trip.Reason)
}
