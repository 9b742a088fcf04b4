package notify

import (
	"sync"
	"time"
)

// RateLimiter is a per-user sliding window limiter guarding command
// handling. Lifecycle notifications are never rate limited; only inbound
// chat commands pass through here.
type RateLimiter struct {
	perMinute int
	now       func() time.Time

	mu    sync.Mutex
	users map[string][]time.Time
}

// NewRateLimiter creates a limiter allowing perMinute commands per user.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &RateLimiter{
		perMinute: perMinute,
		now:       time.Now,
		users:     make(map[string][]time.Time),
	}
}

// SetClock overrides the time source (tests).
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Allow reports whether the user may issue a command now, and if not, how
// long until the window frees up.
func (r *RateLimiter) Allow(userID string) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)

	recent := r.users[userID][:0]
	for _, t := range r.users[userID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	r.users[userID] = recent

	if len(recent) >= r.perMinute {
		wait := recent[0].Add(time.Minute).Sub(now)
		return false, wait
	}

	r.users[userID] = append(recent, now)
	return true, 0
}
