// Package orch is the orchestration core: it admits queued requests into
// execution slots, drives each session's lifecycle from the executor's
// signal stream, and enforces the circuit breaker and wall-clock watchdog.
package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"legba/pkg/breaker"
	"legba/pkg/config"
	"legba/pkg/eventlog"
	"legba/pkg/executor"
	"legba/pkg/logx"
	"legba/pkg/metrics"
	"legba/pkg/notify"
	"legba/pkg/queue"
	"legba/pkg/registry"
	"legba/pkg/session"
)

// admissionPoll bounds how long a free slot waits before rechecking the
// queue for newly eligible work.
const admissionPoll = 200 * time.Millisecond

// runningSession is the orchestrator's handle on one admitted session.
type runningSession struct {
	exec   executor.Executor
	cancel context.CancelFunc

	mu      sync.Mutex
	breaker *breaker.Breaker
}

func (r *runningSession) setBreaker(b *breaker.Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breaker = b
}

func (r *runningSession) getBreaker() *breaker.Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breaker
}

// Orchestrator owns the execution slots. A request leaves the queue only
// when a slot is free, and the slot is held until its session reaches a
// terminal state.
type Orchestrator struct {
	cfg       *config.Config
	machine   *session.Machine
	queue     *queue.Queue
	registry  *registry.Registry
	factory   executor.Factory
	finalizer Finalizer
	notifier  notify.Notifier
	events    *eventlog.Writer
	logger    *logx.Logger

	slots chan struct{}

	mu          sync.Mutex
	running     map[string]*runningSession
	dropReasons map[string]string

	wg sync.WaitGroup
}

// New wires an orchestrator. It subscribes lifecycle listeners on the
// machine for notifications, audit events, metrics, and slot teardown.
func New(cfg *config.Config, machine *session.Machine, q *queue.Queue, reg *registry.Registry, factory executor.Factory, finalizer Finalizer, notifier notify.Notifier, events *eventlog.Writer) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		machine:     machine,
		queue:       q,
		registry:    reg,
		factory:     factory,
		finalizer:   finalizer,
		notifier:    notifier,
		events:      events,
		logger:      logx.NewLogger("orch"),
		slots:       make(chan struct{}, cfg.Executor.Slots),
		running:     make(map[string]*runningSession),
		dropReasons: make(map[string]string),
	}
	machine.Subscribe(o.onTransition)
	return o
}

// Run is the admission loop. It blocks until ctx is cancelled, then waits
// for in-flight session goroutines to wind down.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.writeEvent(eventlog.Event{Type: eventlog.TypeStartup})
	o.logger.Info("Orchestrator started: slots=%d queue_depth_max=%d", o.cfg.Executor.Slots, o.cfg.Queue.MaxDepth)

	o.wg.Add(1)
	go o.watchdog(ctx)

	ticker := time.NewTicker(admissionPoll)
	defer ticker.Stop()

	for {
		// Acquire a slot first; a request leaves the queue only once an
		// execution slot is guaranteed.
		select {
		case o.slots <- struct{}{}:
		case <-ctx.Done():
			return o.shutdown()
		}

		req := o.waitForRequest(ctx, ticker)
		if req == nil {
			<-o.slots
			return o.shutdown()
		}

		if err := o.admit(ctx, req); err != nil {
			o.logger.Warn("Admission of %s failed: %v", req.SessionID, err)
			<-o.slots
		}
	}
}

// waitForRequest polls the queue until an eligible request appears or ctx
// is cancelled.
func (o *Orchestrator) waitForRequest(ctx context.Context, ticker *time.Ticker) *session.QueuedRequest {
	for {
		if req := o.queue.DequeueNext(); req != nil {
			metrics.QueueDepth.Set(float64(o.queue.Depth()))
			return req
		}
		metrics.QueueDepth.Set(float64(o.queue.Depth()))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// admit transitions the dequeued session to STARTING and hands it to a
// session goroutine that owns the slot. An error means the slot was not
// taken and the caller must release it.
func (o *Orchestrator) admit(ctx context.Context, req *session.QueuedRequest) error {
	if _, err := o.machine.Start(ctx, req.SessionID); err != nil {
		// Typically the session was aborted while still queued.
		return fmt.Errorf("cannot start session: %w", err)
	}

	o.wg.Add(1)
	go o.runSession(ctx, req)
	return nil
}

// runSession drives one session from STARTING to a terminal state. It owns
// the execution slot for the session's whole lifetime.
func (o *Orchestrator) runSession(ctx context.Context, req *session.QueuedRequest) {
	defer o.wg.Done()
	defer func() { <-o.slots }()

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	log := o.logger.WithSession(req.SessionID)

	project, err := o.registry.Get(req.Project)
	if err != nil {
		o.failSession(req.SessionID, fmt.Sprintf("%s: project %s vanished from registry", session.CodeProjectNotFound, req.Project))
		return
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := o.factory.New(req.SessionID)
	rs := &runningSession{exec: exec, cancel: cancel}

	o.mu.Lock()
	o.running[req.SessionID] = rs
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, req.SessionID)
		o.mu.Unlock()
	}()

	if err := exec.Start(execCtx, project, req.Sprint, req.Branch); err != nil {
		o.failSession(req.SessionID, fmt.Sprintf("%s: sandbox launch failed: %v", session.CodeGitHubUnavailable, err))
		return
	}
	log.Info("Executor launched: project=%s sprint=%d branch=%s", project.ID, req.Sprint, req.Branch)

	o.pump(ctx, req.SessionID, project, rs)
}

// pump consumes the executor's signal stream until it closes, translating
// each phase into a lifecycle transition. Signals arriving after a pause
// or terminal transition are discarded.
func (o *Orchestrator) pump(ctx context.Context, id string, project registry.Project, rs *runningSession) {
	log := o.logger.WithSession(id)

	for ev := range rs.exec.Events() {
		switch ev.Phase {
		case executor.PhaseStarted:
			if _, err := o.machine.MarkCloning(ctx, id); err != nil {
				log.Debug("Discarding started signal: %v", err)
			}

		case executor.PhaseCloned:
			sess, err := o.machine.MarkRunning(ctx, id)
			if err != nil {
				log.Debug("Discarding cloned signal: %v", err)
				continue
			}
			anchor := sess.TriggeredAt
			if sess.StartedAt != nil {
				anchor = *sess.StartedAt
			}
			rs.setBreaker(breaker.New(breaker.Config{
				SameIssueMax:   o.cfg.Breaker.SameIssueMax,
				NoProgressMax:  o.cfg.Breaker.NoProgressMax,
				TotalCyclesMax: o.cfg.Breaker.TotalCyclesMax,
				MaxSessionAge:  o.cfg.Breaker.MaxSessionAge.Std(),
			}, anchor))

		case executor.PhaseProgress:
			o.observeProgress(ctx, id, rs, ev)

		case executor.PhasePausedRequest:
			if _, err := o.machine.Pause(ctx, id, "executor requested human input"); err != nil {
				log.Debug("Discarding pause request: %v", err)
			}

		case executor.PhaseCompleted:
			// A breaker-paused executor can still finish its work; the
			// outcome resumes the session so the result is not lost.
			if sess, err := o.machine.Get(ctx, id); err == nil && sess.State == session.StatePaused {
				if _, err := o.machine.Resume(ctx, id); err != nil {
					log.Debug("Discarding completed signal: %v", err)
					continue
				}
			}
			o.finalize(ctx, id, project)

		case executor.PhaseFailed:
			msg := ev.Err
			if sess, err := o.machine.Get(ctx, id); err == nil && sess.State == session.StateCloning {
				msg = fmt.Sprintf("%s: %s", session.CodeCloneFailed, msg)
			}
			o.failSession(id, msg)

		default:
			log.Warn("Unknown executor phase %q ignored", ev.Phase)
		}
	}

	// Stream closed. A session still mid-flight lost its executor.
	sess, err := o.machine.Get(ctx, id)
	if err != nil {
		return
	}
	if !sess.State.IsTerminal() {
		o.failSession(id, "executor exited before completion")
	}
}

// observeProgress folds one progress signal into the session's metrics and
// the breaker. A rejected metrics update means the session is no longer
// RUNNING; the signal is discarded without feeding the breaker.
func (o *Orchestrator) observeProgress(ctx context.Context, id string, rs *runningSession, ev executor.Event) {
	log := o.logger.WithSession(id)

	if err := o.machine.UpdateMetrics(ctx, id, ev.Delta); err != nil {
		log.Debug("Discarding progress signal: %v", err)
		return
	}

	b := rs.getBreaker()
	if b == nil {
		return
	}
	trip, tripped := b.Observe(breaker.Signal{
		IssueSignature: ev.IssueSignature,
		Progress:       !ev.Delta.IsZero(),
	})
	if !tripped {
		return
	}

	metrics.BreakerTrips.WithLabelValues(string(trip.Reason)).Inc()
	sess, err := o.machine.Pause(ctx, id, trip.Evidence)
	if err != nil {
		log.Warn("Breaker tripped (%s) but pause failed: %v", trip.Reason, err)
		return
	}
	log.Warn("Breaker tripped: %s", trip.Evidence)
	o.writeEvent(eventlog.Event{
		Type:      eventlog.TypeBreakerTrip,
		SessionID: id,
		Project:   sess.Project,
		Detail:    trip.Evidence,
	})
}

// failSession marks a session FAILED, tolerating races with other terminal
// transitions.
func (o *Orchestrator) failSession(id, errMsg string) {
	if _, err := o.machine.Fail(context.Background(), id, errMsg); err != nil {
		o.logger.WithSession(id).Debug("Fail skipped: %v", err)
	}
}

// DropQueuedRequest is the queue's drop callback: the request's project was
// disabled while it waited, so its session is aborted and the user told.
// The reason rides on the abort notification and the event log; the
// session's error field stays reserved for FAILED.
func (o *Orchestrator) DropQueuedRequest(req *session.QueuedRequest) {
	reason := fmt.Sprintf("%s: project %s was disabled while queued", session.CodeProjectDisabled, req.Project)
	o.mu.Lock()
	o.dropReasons[req.SessionID] = reason
	o.mu.Unlock()

	if _, err := o.machine.Abort(context.Background(), req.SessionID); err != nil {
		o.mu.Lock()
		delete(o.dropReasons, req.SessionID)
		o.mu.Unlock()
		o.logger.WithSession(req.SessionID).Warn("Drop abort failed: %v", err)
		return
	}
	o.writeEvent(eventlog.Event{
		Type:      eventlog.TypeRequestDropped,
		SessionID: req.SessionID,
		Project:   req.Project,
		Detail:    reason,
	})
}

// onTransition is the machine listener: audit trail, metrics, chat
// notification, and executor teardown on terminal states. Listener calls
// arrive outside the machine's per-session lock.
func (o *Orchestrator) onTransition(sess *session.Session, from, to session.State) {
	evType := eventlog.TypeTransition
	if from == "" {
		evType = eventlog.TypeSessionCreated
	}
	o.writeEvent(eventlog.Event{
		Type:      evType,
		SessionID: sess.ID,
		Project:   sess.Project,
		FromState: string(from),
		ToState:   string(to),
		Detail:    transitionDetail(sess, to),
	})

	if from == session.StatePaused && to == session.StateRunning {
		o.resetBreaker(sess.ID)
	}

	if to.IsTerminal() {
		metrics.SessionsTotal.WithLabelValues(string(to)).Inc()
		metrics.SessionDuration.Observe(sess.Metrics.Duration.Seconds())
		o.cancelExecutor(sess.ID)
	}

	if o.notifier != nil {
		msg := userMessage(sess, from, to)
		if to == session.StateAborted {
			if reason := o.takeDropReason(sess.ID); reason != "" {
				msg = fmt.Sprintf("Aborted: %s", reason)
			}
		}
		o.notifier.Notify(context.Background(), sess.ChatContext, sess.ID, to, msg)
	}
}

func (o *Orchestrator) takeDropReason(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	reason := o.dropReasons[id]
	delete(o.dropReasons, id)
	return reason
}

// resetBreaker clears breaker history on resume so stale counters cannot
// re-trip immediately. The wall clock is re-anchored only when configured.
func (o *Orchestrator) resetBreaker(id string) {
	o.mu.Lock()
	rs := o.running[id]
	o.mu.Unlock()
	if rs == nil {
		return
	}
	b := rs.getBreaker()
	if b == nil {
		return
	}
	b.Reset()
	if o.cfg.Breaker.ResetClockOnResume {
		b.ResetClock(time.Now().UTC())
	}
}

func (o *Orchestrator) cancelExecutor(id string) {
	o.mu.Lock()
	rs := o.running[id]
	o.mu.Unlock()
	if rs == nil {
		return
	}
	rs.exec.Cancel()
	rs.cancel()
}

func (o *Orchestrator) writeEvent(ev eventlog.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Write(ev); err != nil {
		o.logger.Warn("Event log write failed: %v", err)
	}
}

func (o *Orchestrator) shutdown() error {
	o.logger.Info("Shutting down, waiting for session goroutines")
	o.wg.Wait()
	o.writeEvent(eventlog.Event{Type: eventlog.TypeShutdown})
	return nil
}

func transitionDetail(sess *session.Session, to session.State) string {
	switch to {
	case session.StatePaused:
		return sess.PauseReason
	case session.StateFailed:
		return sess.Error
	case session.StateCompleted:
		return sess.PRURL
	}
	return ""
}

// userMessage renders the chat notification for one transition.
func userMessage(sess *session.Session, from, to session.State) string {
	switch to {
	case session.StateQueued:
		return fmt.Sprintf("Session %s queued: sprint-%d on %s", sess.ID, sess.Sprint, sess.Project)
	case session.StateStarting:
		return "Preparing sandbox environment"
	case session.StateCloning:
		return fmt.Sprintf("Cloning %s (branch %s)", sess.Project, sess.Branch)
	case session.StateRunning:
		if from == session.StatePaused {
			return "Session resumed"
		}
		return fmt.Sprintf("Working on sprint-%d", sess.Sprint)
	case session.StatePaused:
		return fmt.Sprintf("Paused, awaiting human input: %s", sess.PauseReason)
	case session.StateCompleting:
		return "Work finished, opening pull request"
	case session.StateCompleted:
		return fmt.Sprintf("Completed: %s", sess.PRURL)
	case session.StateFailed:
		return fmt.Sprintf("Failed: %s", sess.Error)
	case session.StateAborted:
		return "Session aborted"
	}
	return string(to)
}
