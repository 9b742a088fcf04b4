// Package breaker implements the per-session failure and loop detector.
// It consumes the executor's progress signals while a session is RUNNING
// and decides after each signal whether to force a pause for human
// intervention instead of letting a stuck agent loop silently.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// TripReason identifies which condition fired.
type TripReason string

// Trip conditions, in evaluation priority order.
const (
	ReasonSameIssue  TripReason = "same_issue"
	ReasonNoProgress TripReason = "no_progress"
	ReasonCycleLimit TripReason = "cycle_limit"
	ReasonTimeout    TripReason = "timeout"
)

// Config holds the trip thresholds.
type Config struct {
	SameIssueMax   int           // occurrences of one issue signature
	NoProgressMax  int           // consecutive signals without progress
	TotalCyclesMax int           // absolute signal cap
	MaxSessionAge  time.Duration // wall clock since the session started
}

// DefaultConfig provides the standard thresholds.
var DefaultConfig = Config{
	SameIssueMax:   3,
	NoProgressMax:  5,
	TotalCyclesMax: 20,
	MaxSessionAge:  8 * time.Hour,
}

// Signal is one observed progress report from the executor. An empty
// IssueSignature means no blocker was reported for this cycle.
type Signal struct {
	IssueSignature string
	Progress       bool // whether the signal carried a non-zero metrics delta
}

// Trip describes a fired condition with its evidence, suitable for use as
// the session's pauseReason.
type Trip struct {
	Reason   TripReason
	Evidence string
}

func (t Trip) String() string {
	return t.Evidence
}

// Breaker accumulates signal history for a single RUNNING session. It is
// created when the session enters RUNNING and discarded when it leaves.
type Breaker struct {
	cfg       Config
	startedAt time.Time

	mu                  sync.Mutex
	issueCounts         map[string]int
	cyclesSinceProgress int
	totalCycles         int
	now                 func() time.Time
}

// New creates a breaker. startedAt anchors the wall-clock condition; it is
// the session's original start time and survives pause/resume unless the
// resume clock knob is on.
func New(cfg Config, startedAt time.Time) *Breaker {
	if cfg.SameIssueMax <= 0 {
		cfg.SameIssueMax = DefaultConfig.SameIssueMax
	}
	if cfg.NoProgressMax <= 0 {
		cfg.NoProgressMax = DefaultConfig.NoProgressMax
	}
	if cfg.TotalCyclesMax <= 0 {
		cfg.TotalCyclesMax = DefaultConfig.TotalCyclesMax
	}
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = DefaultConfig.MaxSessionAge
	}
	return &Breaker{
		cfg:         cfg,
		startedAt:   startedAt,
		issueCounts: make(map[string]int),
		now:         time.Now,
	}
}

// SetClock overrides the time source (tests).
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Observe folds one signal into the counters and evaluates the trip
// conditions in priority order. The first condition reached wins.
func (b *Breaker) Observe(sig Signal) (Trip, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCycles++
	if sig.Progress {
		b.cyclesSinceProgress = 0
	} else {
		b.cyclesSinceProgress++
	}
	if sig.IssueSignature != "" {
		b.issueCounts[sig.IssueSignature]++
	}

	if sig.IssueSignature != "" && b.issueCounts[sig.IssueSignature] >= b.cfg.SameIssueMax {
		return Trip{
			Reason:   ReasonSameIssue,
			Evidence: fmt.Sprintf("same issue %dx: %s", b.issueCounts[sig.IssueSignature], sig.IssueSignature),
		}, true
	}
	if b.cyclesSinceProgress >= b.cfg.NoProgressMax {
		return Trip{
			Reason:   ReasonNoProgress,
			Evidence: fmt.Sprintf("no measurable progress for %d cycles", b.cyclesSinceProgress),
		}, true
	}
	if b.totalCycles >= b.cfg.TotalCyclesMax {
		return Trip{
			Reason:   ReasonCycleLimit,
			Evidence: fmt.Sprintf("cycle limit reached: %d cycles", b.totalCycles),
		}, true
	}
	if elapsed := b.now().Sub(b.startedAt); elapsed >= b.cfg.MaxSessionAge {
		return Trip{
			Reason:   ReasonTimeout,
			Evidence: fmt.Sprintf("session exceeded %s wall clock (running %s)", b.cfg.MaxSessionAge, elapsed.Round(time.Second)),
		}, true
	}

	return Trip{}, false
}

// Reset clears all counters. Called on resume so stale history cannot
// immediately re-trip the breaker. The wall clock anchor is untouched.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.issueCounts = make(map[string]int)
	b.cyclesSinceProgress = 0
	b.totalCycles = 0
}

// ResetClock re-anchors the wall-clock condition. Only used when
// reset_clock_on_resume is configured.
func (b *Breaker) ResetClock(startedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startedAt = startedAt
}

// Snapshot reports the current counters for status queries.
type Snapshot struct {
	SameIssueCount      int       `json:"sameIssueCount"`
	CyclesSinceProgress int       `json:"cyclesSinceProgress"`
	TotalCycles         int       `json:"totalCycles"`
	StartedAt           time.Time `json:"startedAt"`
}

// Stats returns the current counters. SameIssueCount is the highest repeat
// count of any single signature.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	highest := 0
	for _, n := range b.issueCounts {
		if n > highest {
			highest = n
		}
	}
	return Snapshot{
		SameIssueCount:      highest,
		CyclesSinceProgress: b.cyclesSinceProgress,
		TotalCycles:         b.totalCycles,
		StartedAt:           b.startedAt,
	}
}
