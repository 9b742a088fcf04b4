package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legba/pkg/session"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(3)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("u1")
		require.True(t, ok, "command %d should be allowed", i+1)
	}

	ok, wait := rl.Allow("u1")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.SetClock(func() time.Time { return now })

	ok, _ := rl.Allow("u1")
	require.True(t, ok)

	now = now.Add(30 * time.Second)
	ok, _ = rl.Allow("u1")
	require.True(t, ok)

	ok, wait := rl.Allow("u1")
	require.False(t, ok)
	assert.Equal(t, 30*time.Second, wait, "wait until the oldest entry leaves the window")

	// The first command ages out; one slot frees up.
	now = now.Add(31 * time.Second)
	ok, _ = rl.Allow("u1")
	assert.True(t, ok)
}

func TestRateLimiterIsPerUser(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.SetClock(func() time.Time { return now })

	ok, _ := rl.Allow("u1")
	require.True(t, ok)
	ok, _ = rl.Allow("u2")
	assert.True(t, ok, "one user's burst must not block another")
	ok, _ = rl.Allow("u1")
	assert.False(t, ok)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	chat := session.ChatContext{Platform: "console", ChannelID: "stdin", UserID: "u1"}
	r.Notify(context.Background(), chat, "s1", session.StateRunning, "working")
	r.Notify(context.Background(), chat, "s2", session.StateFailed, "boom")

	assert.Len(t, r.Calls(), 2)
	require.Len(t, r.CallsFor("s1"), 1)
	assert.Equal(t, "working", r.CallsFor("s1")[0].Message)
	assert.Equal(t, session.StateRunning, r.CallsFor("s1")[0].State)
}
