// Package executor defines the capability contract for the sandboxed
// process that performs the actual coding work. The orchestration core
// never sees inside the sandbox; it launches an executor, consumes its
// event stream, and may cancel it.
package executor

import (
	"context"

	"legba/pkg/registry"
	"legba/pkg/session"
)

// Phase identifies the kind of event the executor emitted.
type Phase string

// Executor event phases.
const (
	PhaseStarted       Phase = "started"        // sandbox environment ready
	PhaseCloned        Phase = "cloned"         // repository checkout succeeded
	PhaseProgress      Phase = "progress"       // one work cycle finished
	PhasePausedRequest Phase = "paused-request" // executor asks for human input
	PhaseCompleted     Phase = "completed"      // normal completion
	PhaseFailed        Phase = "failed"         // unrecoverable error
)

// Event is one entry in an executor's ordered signal stream. Progress
// events carry an optional issue signature (a normalized description of
// the blocker currently being worked, empty if progress was made) and a
// metrics delta since the previous signal.
type Event struct {
	Phase          Phase
	IssueSignature string
	Delta          session.MetricsDelta
	Err            string // set on failed events
}

// Executor runs one session's coding work in isolation.
type Executor interface {
	// Start launches the sandbox against the project/branch. It returns
	// once the launch has been handed off; readiness arrives as a started
	// event on the stream.
	Start(ctx context.Context, project registry.Project, sprint int, branch string) error

	// Events returns the ordered signal stream. The channel is closed when
	// the executor exits for any reason.
	Events() <-chan Event

	// Cancel asks the executor to stop. Cooperative: the sandbox may take
	// time to wind down, and late events must be tolerated by the consumer.
	Cancel()
}

// Factory creates one executor per admitted session.
type Factory interface {
	New(sessionID string) Executor
}
