package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"legba/pkg/logx"
	"legba/pkg/notify"
	"legba/pkg/queue"
	"legba/pkg/registry"
	"legba/pkg/session"
)

// CommandError is a structured, user-facing error with a taxonomy code.
// The chat layer renders it directly instead of a raw error chain.
type CommandError struct {
	Code    session.ErrorCode
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCommandError builds a CommandError from a code and detail.
func NewCommandError(code session.ErrorCode, detail string) *CommandError {
	msg := code.Description()
	if detail != "" {
		msg = fmt.Sprintf("%s (%s)", msg, detail)
	}
	return &CommandError{Code: code, Message: msg}
}

// Router validates commands against the registry and current session/queue
// state, then delegates to the owning component. Validation errors (E001 to
// E004) are returned before any session is created, leaving no partial
// state behind.
type Router struct {
	registry *registry.Registry
	queue    *queue.Queue
	machine  *session.Machine
	store    session.Store
	limiter  *notify.RateLimiter
	logger   *logx.Logger

	// Serializes run admissions so the depth check and enqueue are not
	// racing another run command.
	admitMu  sync.Mutex
	maxDepth int
}

// New creates a command router.
func New(reg *registry.Registry, q *queue.Queue, machine *session.Machine, store session.Store, limiter *notify.RateLimiter, maxDepth int) *Router {
	return &Router{
		registry: reg,
		queue:    q,
		machine:  machine,
		store:    store,
		limiter:  limiter,
		logger:   logx.NewLogger("router"),
		maxDepth: maxDepth,
	}
}

// Handle executes a parsed command on behalf of a chat user and returns the
// reply text.
func (r *Router) Handle(ctx context.Context, cmd *Command, chat session.ChatContext) (string, error) {
	if r.limiter != nil {
		if ok, wait := r.limiter.Allow(chat.UserID); !ok {
			return "", fmt.Errorf("rate limited, retry in %s", wait.Round(time.Second))
		}
	}

	switch cmd.Kind {
	case KindRun:
		return r.handleRun(ctx, cmd, chat)
	case KindStatus:
		return r.handleStatus(ctx, cmd)
	case KindResume:
		return r.handleResume(ctx, cmd)
	case KindAbort:
		return r.handleAbort(ctx, cmd)
	case KindProjects:
		return r.handleProjects(), nil
	case KindHistory:
		return r.handleHistory(ctx, cmd)
	case KindLogs:
		return r.handleLogs(cmd), nil
	case KindHelp:
		return HelpText, nil
	default:
		return "", fmt.Errorf("unhandled command kind %q", cmd.Kind)
	}
}

func (r *Router) handleRun(ctx context.Context, cmd *Command, chat session.ChatContext) (string, error) {
	project, err := r.registry.Get(cmd.Project)
	if err != nil {
		return "", NewCommandError(session.CodeProjectNotFound, cmd.Project)
	}
	if !project.Enabled {
		return "", NewCommandError(session.CodeProjectDisabled, cmd.Project)
	}
	branch := cmd.Branch
	if branch == "" {
		branch = project.DefaultBranch
	}

	// Admission is checked and committed under one lock: the active-session
	// and depth checks must see any session a concurrent run just created.
	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	if active := r.machine.ActiveForProject(cmd.Project); active != nil {
		return "", NewCommandError(session.CodeSessionActive,
			fmt.Sprintf("session %s is %s", active.ID, active.State))
	}

	if r.queue.Depth() >= r.maxDepth {
		return "", NewCommandError(session.CodeQueueFull,
			fmt.Sprintf("depth %d", r.queue.Depth()))
	}

	sessionID := uuid.New().String()
	sess := &session.Session{
		ID:          sessionID,
		Project:     project.ID,
		Sprint:      cmd.Sprint,
		Branch:      branch,
		ChatContext: chat,
		TriggeredBy: chat.UserID,
	}
	created, err := r.machine.Create(ctx, sess)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	req := &session.QueuedRequest{
		ID:          uuid.New().String(),
		SessionID:   created.ID,
		Project:     project.ID,
		Sprint:      cmd.Sprint,
		Branch:      branch,
		ChatContext: chat,
		TriggeredBy: chat.UserID,
		QueuedAt:    created.TriggeredAt,
	}
	if err := r.queue.Enqueue(req); err != nil {
		// Depth was checked above under admitMu; hitting this means the
		// admission invariant broke. Do not strand the session.
		if _, abortErr := r.machine.Abort(ctx, created.ID); abortErr != nil {
			r.logger.Error("Failed to abort session %s after enqueue failure: %v", created.ID, abortErr)
		}
		return "", NewCommandError(session.CodeQueueFull, err.Error())
	}

	return fmt.Sprintf("Queued session %s: sprint-%d on %s (branch %s), position %d",
		created.ID, cmd.Sprint, project.ID, branch, r.queue.Depth()), nil
}

func (r *Router) handleStatus(ctx context.Context, cmd *Command) (string, error) {
	if cmd.SessionID != "" {
		sess, err := r.machine.Get(ctx, cmd.SessionID)
		if err != nil {
			return "", fmt.Errorf("session %s: %w", cmd.SessionID, err)
		}
		return formatSession(sess), nil
	}

	var b strings.Builder
	active := r.machine.ActiveSessions()
	fmt.Fprintf(&b, "Queue depth: %d, active sessions: %d\n", r.queue.Depth(), len(active))
	for _, sess := range active {
		fmt.Fprintf(&b, "  %s  %-10s sprint-%d on %s\n", sess.ID, sess.State, sess.Sprint, sess.Project)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) handleResume(ctx context.Context, cmd *Command) (string, error) {
	sess, err := r.machine.Resume(ctx, cmd.SessionID)
	if err != nil {
		return "", fmt.Errorf("cannot resume %s: %w", cmd.SessionID, err)
	}
	return fmt.Sprintf("Session %s resumed (sprint-%d on %s)", sess.ID, sess.Sprint, sess.Project), nil
}

func (r *Router) handleAbort(ctx context.Context, cmd *Command) (string, error) {
	// A QUEUED session is also removed from the pending list so it can
	// never reach STARTING.
	r.queue.Remove(cmd.SessionID)

	sess, err := r.machine.Abort(ctx, cmd.SessionID)
	if err != nil {
		return "", fmt.Errorf("cannot abort %s: %w", cmd.SessionID, err)
	}
	return fmt.Sprintf("Session %s aborted", sess.ID), nil
}

func (r *Router) handleProjects() string {
	projects := r.registry.List()
	if len(projects) == 0 {
		return "No projects registered"
	}

	var b strings.Builder
	b.WriteString("Projects:\n")
	for _, p := range projects {
		status := "enabled"
		if !p.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&b, "  %-20s %s  %s\n", p.ID, status, p.RepoURL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) handleHistory(ctx context.Context, cmd *Command) (string, error) {
	if _, err := r.registry.Get(cmd.Project); err != nil {
		return "", NewCommandError(session.CodeProjectNotFound, cmd.Project)
	}

	sessions, err := r.store.List(ctx, cmd.Project, 20)
	if err != nil {
		return "", fmt.Errorf("failed to load history: %w", err)
	}
	if len(sessions) == 0 {
		return fmt.Sprintf("No sessions recorded for %s", cmd.Project), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "History for %s:\n", cmd.Project)
	for _, sess := range sessions {
		fmt.Fprintf(&b, "  %s  %-10s sprint-%-3d %s\n",
			sess.ID, sess.State, sess.Sprint, sess.TriggeredAt.Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) handleLogs(cmd *Command) string {
	entries := logx.SessionEntries(cmd.SessionID)
	if len(entries) == 0 {
		return fmt.Sprintf("No recent log entries for %s", cmd.SessionID)
	}

	// Cap the reply at the most recent entries; chat messages are small.
	const maxLines = 30
	if len(entries) > maxLines {
		entries = entries[len(entries)-maxLines:]
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp, e.Level, e.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSession(sess *session.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", sess.ID)
	fmt.Fprintf(&b, "  state:     %s\n", sess.State)
	fmt.Fprintf(&b, "  project:   %s (sprint-%d, branch %s)\n", sess.Project, sess.Sprint, sess.Branch)
	fmt.Fprintf(&b, "  triggered: %s by %s\n", sess.TriggeredAt.Format(time.RFC3339), sess.TriggeredBy)
	if sess.StartedAt != nil {
		fmt.Fprintf(&b, "  started:   %s\n", sess.StartedAt.Format(time.RFC3339))
	}
	if sess.State == session.StatePaused {
		fmt.Fprintf(&b, "  paused:    %s\n", sess.PauseReason)
	}
	if sess.PRURL != "" {
		fmt.Fprintf(&b, "  pr:        %s\n", sess.PRURL)
	}
	if sess.Error != "" {
		fmt.Fprintf(&b, "  error:     %s\n", sess.Error)
	}
	m := sess.Metrics
	fmt.Fprintf(&b, "  metrics:   %d files, +%d/-%d lines, %d/%d tests, %s",
		m.FilesChanged, m.LinesAdded, m.LinesRemoved, m.TestsPassed, m.TestsRun, m.Duration.Round(time.Second))
	return b.String()
}
