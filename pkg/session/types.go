// Package session defines the session data model and the lifecycle state
// machine that owns every session after creation.
package session

import (
	"time"
)

// ChatContext identifies where a session was triggered from, for reply routing.
type ChatContext struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// Metrics holds the mutable counters updated incrementally while a session
// is RUNNING. They are frozen once the session reaches a terminal state.
type Metrics struct {
	FilesChanged int           `json:"filesChanged"`
	LinesAdded   int           `json:"linesAdded"`
	LinesRemoved int           `json:"linesRemoved"`
	TestsRun     int           `json:"testsRun"`
	TestsPassed  int           `json:"testsPassed"`
	Duration     time.Duration `json:"duration"`
}

// MetricsDelta is the per-signal progress report emitted by the executor.
type MetricsDelta struct {
	FilesChanged int `json:"filesChanged,omitempty"`
	LinesAdded   int `json:"linesAdded,omitempty"`
	LinesRemoved int `json:"linesRemoved,omitempty"`
	TestsRun     int `json:"testsRun,omitempty"`
	TestsPassed  int `json:"testsPassed,omitempty"`
}

// IsZero reports whether the delta carries no measurable progress.
func (d MetricsDelta) IsZero() bool {
	return d.FilesChanged == 0 && d.LinesAdded == 0 && d.LinesRemoved == 0 &&
		d.TestsRun == 0 && d.TestsPassed == 0
}

// Add folds a delta into the running totals.
func (m *Metrics) Add(d MetricsDelta) {
	m.FilesChanged += d.FilesChanged
	m.LinesAdded += d.LinesAdded
	m.LinesRemoved += d.LinesRemoved
	m.TestsRun += d.TestsRun
	m.TestsPassed += d.TestsPassed
}

// Session is one tracked execution attempt of a sprint on a project/branch.
// All fields except State, PauseReason, PRURL, Error, Metrics and the
// per-transition timestamps are immutable after creation. Mutation happens
// only inside the Machine.
type Session struct {
	ID          string      `json:"id"`
	Project     string      `json:"project"`
	Sprint      int         `json:"sprint"`
	Branch      string      `json:"branch"`
	State       State       `json:"state"`
	ChatContext ChatContext `json:"chatContext"`
	TriggeredBy string      `json:"triggeredBy"`
	TriggeredAt time.Time   `json:"triggeredAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	PausedAt    *time.Time  `json:"pausedAt,omitempty"`
	PauseReason string      `json:"pauseReason,omitempty"`
	PRURL       string      `json:"prUrl,omitempty"`
	Error       string      `json:"error,omitempty"`
	Metrics     Metrics     `json:"metrics"`
}

// Clone returns a deep copy safe to hand outside the machine.
func (s *Session) Clone() *Session {
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	return &c
}

// QueuedRequest is a pending admission request. It exists only between
// command validation and dequeue, at which point it is converted into the
// QUEUED -> STARTING transition of its session.
type QueuedRequest struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"sessionId"`
	Project     string      `json:"project"`
	Sprint      int         `json:"sprint"`
	Branch      string      `json:"branch"`
	ChatContext ChatContext `json:"chatContext"`
	TriggeredBy string      `json:"triggeredBy"`
	QueuedAt    time.Time   `json:"queuedAt"`
}
