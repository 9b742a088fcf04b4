package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"legba/pkg/session"
)

// SessionStore persists session records in SQLite. It implements
// session.Store: one upsert per state transition keeps each transition
// atomic with respect to the stored record.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a store on an initialized database.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Save writes the full session record in a single statement.
func (s *SessionStore) Save(ctx context.Context, sess *session.Session) error {
	metricsJSON, err := json.Marshal(sess.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, project, sprint, branch, state,
			chat_platform, chat_channel_id, chat_message_id, chat_user_id,
			triggered_by, triggered_at, started_at, completed_at, paused_at,
			pause_reason, pr_url, error, metrics_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			paused_at = excluded.paused_at,
			pause_reason = excluded.pause_reason,
			pr_url = excluded.pr_url,
			error = excluded.error,
			metrics_json = excluded.metrics_json,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, sess.ID, sess.Project, sess.Sprint, sess.Branch, string(sess.State),
		sess.ChatContext.Platform, sess.ChatContext.ChannelID,
		sess.ChatContext.MessageID, sess.ChatContext.UserID,
		sess.TriggeredBy, formatTime(&sess.TriggeredAt),
		formatTimePtr(sess.StartedAt), formatTimePtr(sess.CompletedAt), formatTimePtr(sess.PausedAt),
		nullString(sess.PauseReason), nullString(sess.PRURL), nullString(sess.Error),
		string(metricsJSON))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// Get returns a session by ID, or session.ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil, err
	}
	return sess, nil
}

// List returns sessions newest first, optionally filtered by project.
func (s *SessionStore) List(ctx context.Context, project string, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := sessionSelect
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	query += ` ORDER BY triggered_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// ActiveSessions returns all non-terminal sessions, used to rebuild
// in-memory state after a restart.
func (s *SessionStore) ActiveSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		sessionSelect+` WHERE state NOT IN ('COMPLETED','FAILED','ABORTED') ORDER BY triggered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active sessions: %w", err)
	}
	return sessions, nil
}

const sessionSelect = `
	SELECT id, project, sprint, branch, state,
		   chat_platform, chat_channel_id, chat_message_id, chat_user_id,
		   triggered_by, triggered_at, started_at, completed_at, paused_at,
		   pause_reason, pr_url, error, metrics_json
	FROM sessions`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var sess session.Session
	var state string
	var triggeredAt string
	var startedAt, completedAt, pausedAt sql.NullString
	var pauseReason, prURL, errMsg sql.NullString
	var metricsJSON string

	err := row.Scan(&sess.ID, &sess.Project, &sess.Sprint, &sess.Branch, &state,
		&sess.ChatContext.Platform, &sess.ChatContext.ChannelID,
		&sess.ChatContext.MessageID, &sess.ChatContext.UserID,
		&sess.TriggeredBy, &triggeredAt, &startedAt, &completedAt, &pausedAt,
		&pauseReason, &prURL, &errMsg, &metricsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	sess.State = session.State(state)
	if t, err := parseTime(triggeredAt); err == nil {
		sess.TriggeredAt = t
	}
	sess.StartedAt = parseTimePtr(startedAt)
	sess.CompletedAt = parseTimePtr(completedAt)
	sess.PausedAt = parseTimePtr(pausedAt)
	sess.PauseReason = pauseReason.String
	sess.PRURL = prURL.String
	sess.Error = errMsg.String

	if err := json.Unmarshal([]byte(metricsJSON), &sess.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metrics for %s: %w", sess.ID, err)
	}
	return &sess, nil
}

func formatTime(t *time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
