package orch

import (
	"context"
	"fmt"
	"time"

	"legba/pkg/session"
)

// watchdog periodically fails sessions that exceeded the wall-clock limit.
// The breaker's timeout condition only fires on executor signals, so a
// silent executor or a session parked in PAUSED needs this sweep.
func (o *Orchestrator) watchdog(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.WatchdogInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.sweepExpired(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// sweepExpired fails every RUNNING or PAUSED session whose wall clock
// passed max_session_age. A live session's breaker holds the authoritative
// anchor (resetBreaker re-anchors it on resume when reset_clock_on_resume
// is set); sessions without one age from StartedAt.
func (o *Orchestrator) sweepExpired(now time.Time) {
	for _, sess := range o.machine.ActiveSessions() {
		if sess.State != session.StateRunning && sess.State != session.StatePaused {
			continue
		}
		if sess.StartedAt == nil {
			continue
		}
		anchor := *sess.StartedAt
		o.mu.Lock()
		rs := o.running[sess.ID]
		o.mu.Unlock()
		if rs != nil {
			if b := rs.getBreaker(); b != nil {
				anchor = b.Stats().StartedAt
			}
		}
		age := now.Sub(anchor)
		if age < o.cfg.Breaker.MaxSessionAge.Std() {
			continue
		}
		o.logger.WithSession(sess.ID).Warn("Watchdog: session exceeded %s wall clock (%s)", o.cfg.Breaker.MaxSessionAge, age.Round(time.Second))
		o.failSession(sess.ID, fmt.Sprintf("%s: session exceeded %s wall clock", session.CodeSessionTimeout, o.cfg.Breaker.MaxSessionAge))
	}
}

// ActiveLister exposes the persisted non-terminal sessions for restart
// recovery.
type ActiveLister interface {
	ActiveSessions(ctx context.Context) ([]*session.Session, error)
}

// Recover rebuilds state after a restart. QUEUED sessions are re-adopted
// and re-enqueued; anything past QUEUED lost its executor with the old
// process and is failed.
func (o *Orchestrator) Recover(ctx context.Context, store ActiveLister) error {
	active, err := store.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted sessions: %w", err)
	}

	for _, sess := range active {
		o.machine.Adopt(sess)

		if sess.State != session.StateQueued {
			o.logger.WithSession(sess.ID).Warn("Recovery: failing %s session from previous run", sess.State)
			o.failSession(sess.ID, "orchestrator restarted during execution")
			continue
		}

		req := &session.QueuedRequest{
			ID:          sess.ID,
			SessionID:   sess.ID,
			Project:     sess.Project,
			Sprint:      sess.Sprint,
			Branch:      sess.Branch,
			ChatContext: sess.ChatContext,
			TriggeredBy: sess.TriggeredBy,
			QueuedAt:    sess.TriggeredAt,
		}
		if err := o.queue.Enqueue(req); err != nil {
			o.logger.WithSession(sess.ID).Warn("Recovery: cannot re-enqueue: %v", err)
			if _, abortErr := o.machine.Abort(ctx, sess.ID); abortErr != nil {
				o.logger.WithSession(sess.ID).Warn("Recovery: abort failed: %v", abortErr)
			}
			continue
		}
		o.logger.WithSession(sess.ID).Info("Recovery: re-enqueued queued session")
	}
	return nil
}
