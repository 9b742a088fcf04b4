// Package queue provides the bounded FIFO admission queue feeding the
// executor pool. Backpressure is immediate rejection, never blocking.
package queue

import (
	"errors"
	"sync"

	"legba/pkg/logx"
	"legba/pkg/session"
)

// ErrQueueFull is returned when enqueue would exceed the configured depth.
var ErrQueueFull = errors.New("queue full")

// DisabledPolicy controls what happens to a queued request whose project
// has been disabled between enqueue and dequeue.
type DisabledPolicy string

const (
	// PolicyDrop removes the request and reports it via the drop callback.
	PolicyDrop DisabledPolicy = "drop"
	// PolicyDefer re-queues the request at the tail, keeping it pending
	// until the project is re-enabled or the request is aborted.
	PolicyDefer DisabledPolicy = "defer"
)

// EligibilityChecker re-checks a project's runnability at dequeue time.
type EligibilityChecker interface {
	Enabled(projectID string) bool
}

// DropFunc is invoked for every request dropped at dequeue time because its
// project was disabled. The triggering user must be told (error E002).
type DropFunc func(req *session.QueuedRequest)

// Queue is a bounded FIFO of pending admission requests. A single logical
// consumer (the orchestrator's admission step) drains it one at a time.
type Queue struct {
	mu          sync.Mutex
	pending     []*session.QueuedRequest
	maxDepth    int
	policy      DisabledPolicy
	eligibility EligibilityChecker
	onDrop      DropFunc
	logger      *logx.Logger
}

// New creates a queue with the given depth bound and dequeue-time
// eligibility policy.
func New(maxDepth int, policy DisabledPolicy, eligibility EligibilityChecker, onDrop DropFunc) *Queue {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if policy != PolicyDefer {
		policy = PolicyDrop
	}
	return &Queue{
		pending:     make([]*session.QueuedRequest, 0, maxDepth),
		maxDepth:    maxDepth,
		policy:      policy,
		eligibility: eligibility,
		onDrop:      onDrop,
		logger:      logx.NewLogger("queue"),
	}
}

// Enqueue appends a request in arrival order. Fails with ErrQueueFull when
// the depth bound is reached; the request is never silently dropped.
func (q *Queue) Enqueue(req *session.QueuedRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.maxDepth {
		return ErrQueueFull
	}
	q.pending = append(q.pending, req)
	q.logger.Info("Enqueued %s (project=%s sprint=%d, depth=%d/%d)",
		req.SessionID, req.Project, req.Sprint, len(q.pending), q.maxDepth)
	return nil
}

// DequeueNext returns the oldest eligible request in strict FIFO order, or
// nil if none is pending. Requests for disabled projects are never admitted:
// depending on policy they are dropped (with the drop callback fired) or
// deferred to the tail. A single pass over the current backlog bounds the
// deferral loop.
func (q *Queue) DequeueNext() *session.QueuedRequest {
	q.mu.Lock()

	var dropped []*session.QueuedRequest
	var picked *session.QueuedRequest

	scan := len(q.pending)
	for i := 0; i < scan && picked == nil; i++ {
		req := q.pending[0]
		q.pending = q.pending[1:]

		if q.eligibility == nil || q.eligibility.Enabled(req.Project) {
			picked = req
			break
		}

		if q.policy == PolicyDefer {
			q.logger.Info("Deferring %s: project %s disabled", req.SessionID, req.Project)
			q.pending = append(q.pending, req)
			continue
		}
		q.logger.Warn("Dropping %s: project %s disabled", req.SessionID, req.Project)
		dropped = append(dropped, req)
	}
	q.mu.Unlock()

	// Drop notifications run outside the lock; the callback transitions the
	// session and notifies the triggering user.
	if q.onDrop != nil {
		for _, req := range dropped {
			q.onDrop(req)
		}
	}
	return picked
}

// Remove deletes the pending request for a session, typically because the
// session was aborted while still QUEUED.
func (q *Queue) Remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, req := range q.pending {
		if req.SessionID == sessionID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.logger.Info("Removed %s from queue", sessionID)
			return true
		}
	}
	return false
}

// Depth returns the number of pending requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot returns a copy of the pending requests in FIFO order.
func (q *Queue) Snapshot() []*session.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*session.QueuedRequest, len(q.pending))
	copy(out, q.pending)
	return out
}
