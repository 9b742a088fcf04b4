package orch

import (
	"context"
	"fmt"
	"time"

	"legba/pkg/github"
	"legba/pkg/registry"
	"legba/pkg/session"
)

// Finalizer turns a session's finished work into a deliverable. The normal
// implementation opens a pull request; tests substitute their own.
type Finalizer interface {
	Finalize(ctx context.Context, sess *session.Session, project registry.Project) (prURL string, err error)
}

// PRFinalizer opens a pull request for the session's branch via the GitHub
// client.
type PRFinalizer struct {
	client *github.Client
}

// NewPRFinalizer creates the standard pull-request finalizer.
func NewPRFinalizer(client *github.Client) *PRFinalizer {
	return &PRFinalizer{client: client}
}

// Finalize implements Finalizer.
func (f *PRFinalizer) Finalize(ctx context.Context, sess *session.Session, project registry.Project) (string, error) {
	summary := fmt.Sprintf(
		"Automated sprint-%d session %s.\n\nFiles changed: %d\nLines: +%d/-%d\nTests: %d/%d passed\nDuration: %s",
		sess.Sprint, sess.ID,
		sess.Metrics.FilesChanged, sess.Metrics.LinesAdded, sess.Metrics.LinesRemoved,
		sess.Metrics.TestsPassed, sess.Metrics.TestsRun, sess.Metrics.Duration.Round(time.Second))
	return f.client.CreatePR(ctx, project, sess.Branch, summary)
}

// finalize drives the COMPLETING phase: the session enters COMPLETING, the
// finalizer opens the PR, and the outcome decides COMPLETED or FAILED.
func (o *Orchestrator) finalize(ctx context.Context, id string, project registry.Project) {
	log := o.logger.WithSession(id)

	sess, err := o.machine.BeginCompletion(ctx, id)
	if err != nil {
		log.Debug("Discarding completed signal: %v", err)
		return
	}

	prURL, err := o.finalizer.Finalize(ctx, sess, project)
	if err != nil {
		o.failSession(id, fmt.Sprintf("%s: pull request creation failed: %v", session.CodeGitHubUnavailable, err))
		return
	}

	if _, err := o.machine.Complete(ctx, id, prURL); err != nil {
		log.Warn("Completion transition failed: %v", err)
		return
	}
	log.Info("Session completed: %s", prURL)
}
