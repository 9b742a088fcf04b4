package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"legba/pkg/logx"
)

// Sentinel errors returned by the machine.
var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition indicates a transition not present in the table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminal indicates an operation against a session that has already
	// reached COMPLETED, FAILED or ABORTED. Callers handling late executor
	// signals should discard on this error.
	ErrTerminal = errors.New("session is terminal")
)

// Listener observes session lifecycle changes. Creation is delivered with
// from == "" and to == QUEUED. Listeners must not block; anything slow
// belongs in a goroutine on the listener side.
type Listener func(sess *Session, from, to State)

// Store is the durable record of every session, keyed by session ID.
// Save must write the full record in one logical update so that a partial
// transition is never observable.
type Store interface {
	Save(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, project string, limit int) ([]*Session, error)
}

// DefaultRetryBackoff is the pause before the single persistence retry.
const DefaultRetryBackoff = 250 * time.Millisecond

// Machine is the authoritative lifecycle controller. Every transition is
// validated against the transition table and persisted atomically. At most
// one mutation is in flight per session ID at a time.
type Machine struct {
	store        Store
	table        TransitionTable
	logger       *logx.Logger
	retryBackoff time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session
	locks     map[string]*sync.Mutex
	listeners []Listener
}

// NewMachine creates a state machine backed by the given store.
func NewMachine(store Store) *Machine {
	return &Machine{
		store:        store,
		table:        ValidTransitions,
		logger:       logx.NewLogger("session"),
		retryBackoff: DefaultRetryBackoff,
		sessions:     make(map[string]*Session),
		locks:        make(map[string]*sync.Mutex),
	}
}

// SetRetryBackoff overrides the persistence retry backoff (tests).
func (m *Machine) SetRetryBackoff(d time.Duration) {
	m.retryBackoff = d
}

// Subscribe registers a lifecycle listener.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// lockFor returns the per-session mutex, creating it on first use.
func (m *Machine) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[id] = lk
	}
	return lk
}

// Create registers a new session in QUEUED and persists it.
func (m *Machine) Create(ctx context.Context, sess *Session) (*Session, error) {
	if sess.ID == "" {
		return nil, fmt.Errorf("session id must not be empty")
	}
	lk := m.lockFor(sess.ID)
	lk.Lock()

	sess = sess.Clone()
	sess.State = StateQueued
	if sess.TriggeredAt.IsZero() {
		sess.TriggeredAt = time.Now().UTC()
	}

	if err := m.persist(ctx, sess); err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	snapshot := sess.Clone()
	lk.Unlock()

	m.logger.WithSession(sess.ID).Info("Session created: project=%s sprint=%d branch=%s", sess.Project, sess.Sprint, sess.Branch)
	m.notify(snapshot, "", StateQueued)
	return snapshot, nil
}

// Adopt places a persisted session under the machine's control without
// rewriting it. Used during restart recovery to make prior-run sessions
// visible to per-project concurrency checks.
func (m *Machine) Adopt(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess.Clone()
}

// Get returns a copy of the session, preferring the in-memory record.
func (m *Machine) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return sess.Clone(), nil
	}
	stored, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ActiveSessions returns copies of all non-terminal sessions.
func (m *Machine) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if !sess.State.IsTerminal() {
			active = append(active, sess.Clone())
		}
	}
	return active
}

// ActiveForProject returns the non-terminal session for a project, if any.
func (m *Machine) ActiveForProject(project string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		if sess.Project == project && !sess.State.IsTerminal() {
			return sess.Clone()
		}
	}
	return nil
}

// Transition moves a session to a new state. The optional apply callback
// mutates transition-specific fields (pauseReason, prUrl, error) on the
// working copy before the single persistence write. Invalid transitions
// fail closed without mutating anything.
func (m *Machine) Transition(ctx context.Context, id string, to State, apply func(*Session)) (*Session, error) {
	lk := m.lockFor(id)
	lk.Lock()

	sess, err := m.loadLocked(ctx, id)
	if err != nil {
		lk.Unlock()
		return nil, err
	}

	from := sess.State
	if from.IsTerminal() {
		lk.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, from)
	}
	if !m.table.CanTransition(from, to) {
		lk.Unlock()
		return nil, fmt.Errorf("%w: cannot transition %s from %s to %s", ErrInvalidTransition, id, from, to)
	}

	now := time.Now().UTC()
	work := sess.Clone()
	work.State = to
	stampTransition(work, to, now)
	if apply != nil {
		apply(work)
	}

	if err := m.persist(ctx, work); err != nil {
		// The record must never be left in a non-terminal unknown state.
		// Force FAILED with the raw error recorded; the write is best effort.
		if !to.IsTerminal() {
			work.State = StateFailed
			work.Error = fmt.Sprintf("persistence failure during %s -> %s: %v", from, to, err)
			stampTransition(work, StateFailed, time.Now().UTC())
			_ = m.store.Save(ctx, work)
			m.mu.Lock()
			m.sessions[id] = work
			m.mu.Unlock()
			snapshot := work.Clone()
			lk.Unlock()
			m.notify(snapshot, from, StateFailed)
			return nil, fmt.Errorf("transition %s -> %s failed, session forced to FAILED: %w", from, to, err)
		}
		lk.Unlock()
		return nil, fmt.Errorf("failed to persist transition %s -> %s: %w", from, to, err)
	}

	m.mu.Lock()
	m.sessions[id] = work
	m.mu.Unlock()

	snapshot := work.Clone()
	lk.Unlock()

	m.logger.WithSession(id).Info("State transition: %s -> %s", from, to)
	m.notify(snapshot, from, to)
	return snapshot, nil
}

// UpdateMetrics folds a progress delta into a RUNNING session's counters.
// Metric updates outside RUNNING are rejected with ErrInvalidTransition.
func (m *Machine) UpdateMetrics(ctx context.Context, id string, delta MetricsDelta) error {
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	sess, err := m.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	if sess.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, sess.State)
	}
	if sess.State != StateRunning {
		return fmt.Errorf("%w: metrics update requires RUNNING, session %s is %s", ErrInvalidTransition, id, sess.State)
	}

	work := sess.Clone()
	work.Metrics.Add(delta)
	if work.StartedAt != nil {
		work.Metrics.Duration = time.Now().UTC().Sub(*work.StartedAt)
	}

	if err := m.persist(ctx, work); err != nil {
		return fmt.Errorf("failed to persist metrics update: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = work
	m.mu.Unlock()
	return nil
}

// loadLocked returns the live record for id, pulling it from the store into
// memory if needed. Caller must hold the per-session lock.
func (m *Machine) loadLocked(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return sess, nil
	}

	stored, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[id] = stored
	m.mu.Unlock()
	return stored, nil
}

// persist writes the record, retrying once with backoff for transient store
// trouble.
func (m *Machine) persist(ctx context.Context, sess *Session) error {
	err := m.store.Save(ctx, sess)
	if err == nil {
		return nil
	}
	m.logger.Warn("Store write failed for %s, retrying once: %v", sess.ID, err)

	select {
	case <-time.After(m.retryBackoff):
	case <-ctx.Done():
		return fmt.Errorf("persist cancelled: %w", ctx.Err())
	}

	if err := m.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("store write failed after retry: %w", err)
	}
	return nil
}

func (m *Machine) notify(sess *Session, from, to State) {
	m.mu.Lock()
	listeners := append([]Listener{}, m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(sess, from, to)
	}
}

// stampTransition sets the per-transition fields. Each timestamp is written
// when its transition occurs; re-entering PAUSED after a resume stamps the
// new pause.
func stampTransition(sess *Session, to State, now time.Time) {
	switch to {
	case StateStarting:
		if sess.StartedAt == nil {
			t := now
			sess.StartedAt = &t
		}
	case StatePaused:
		t := now
		sess.PausedAt = &t
	case StateRunning:
		// Leaving PAUSED clears the reason; it is set only while PAUSED.
		sess.PauseReason = ""
	case StateCompleted, StateFailed, StateAborted:
		t := now
		sess.CompletedAt = &t
		if sess.StartedAt != nil {
			sess.Metrics.Duration = now.Sub(*sess.StartedAt)
		}
	}
}

// Convenience operations naming the lifecycle triggers.

// Start converts a dequeued request's session from QUEUED to STARTING.
func (m *Machine) Start(ctx context.Context, id string) (*Session, error) {
	return m.Transition(ctx, id, StateStarting, nil)
}

// MarkCloning records that the executor environment is ready.
func (m *Machine) MarkCloning(ctx context.Context, id string) (*Session, error) {
	return m.Transition(ctx, id, StateCloning, nil)
}

// MarkRunning records that the repository checkout succeeded.
func (m *Machine) MarkRunning(ctx context.Context, id string) (*Session, error) {
	return m.Transition(ctx, id, StateRunning, nil)
}

// Pause moves a RUNNING session to PAUSED with the trip evidence recorded.
func (m *Machine) Pause(ctx context.Context, id, reason string) (*Session, error) {
	return m.Transition(ctx, id, StatePaused, func(s *Session) {
		s.PauseReason = reason
	})
}

// Resume moves a PAUSED session back to RUNNING.
func (m *Machine) Resume(ctx context.Context, id string) (*Session, error) {
	return m.Transition(ctx, id, StateRunning, nil)
}

// Abort terminates a session from any non-terminal state.
func (m *Machine) Abort(ctx context.Context, id string) (*Session, error) {
	return m.Transition(ctx, id, StateAborted, nil)
}

// BeginCompletion records that the executor signalled normal completion.
func (m *Machine) BeginCompletion(ctx context.Context, id string) (*Session, error) {
	return m.Transition(ctx, id, StateCompleting, nil)
}

// Complete finalizes a COMPLETING session with its PR URL.
func (m *Machine) Complete(ctx context.Context, id, prURL string) (*Session, error) {
	return m.Transition(ctx, id, StateCompleted, func(s *Session) {
		s.PRURL = prURL
	})
}

// Fail terminates a session with the error recorded.
func (m *Machine) Fail(ctx context.Context, id, errMsg string) (*Session, error) {
	return m.Transition(ctx, id, StateFailed, func(s *Session) {
		s.Error = errMsg
	})
}
