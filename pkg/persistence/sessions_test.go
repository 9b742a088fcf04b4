package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legba/pkg/session"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitializeDatabase(filepath.Join(t.TempDir(), "legba.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleSession(id string, state session.State, triggeredAt time.Time) *session.Session {
	return &session.Session{
		ID:      id,
		Project: "payments-api",
		Sprint:  5,
		Branch:  "main",
		State:   state,
		ChatContext: session.ChatContext{
			Platform:  "slack",
			ChannelID: "C123",
			MessageID: "M456",
			UserID:    "U789",
		},
		TriggeredBy: "U789",
		TriggeredAt: triggeredAt,
		Metrics:     session.Metrics{FilesChanged: 3, LinesAdded: 120, TestsRun: 8, TestsPassed: 8},
	}
}

func TestInitializeDatabaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legba.db")

	db, err := InitializeDatabase(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = InitializeDatabase(path)
	require.NoError(t, err)
	defer db.Close()

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestSaveAndGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(openTestDB(t))

	triggered := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	sess := sampleSession("s1", session.StateRunning, triggered)
	started := triggered.Add(2 * time.Second)
	sess.StartedAt = &started

	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, session.StateRunning, got.State)
	assert.Equal(t, "payments-api", got.Project)
	assert.Equal(t, 5, got.Sprint)
	assert.Equal(t, sess.ChatContext, got.ChatContext)
	assert.True(t, got.TriggeredAt.Equal(triggered))
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, sess.Metrics, got.Metrics)
}

// TestSaveIsUpsert verifies one row per session, rewritten on every
// transition.
func TestSaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSessionStore(db)

	sess := sampleSession("s1", session.StateQueued, time.Now().UTC())
	require.NoError(t, store.Save(ctx, sess))

	sess.State = session.StateCompleted
	sess.PRURL = "https://github.com/acme/payments-api/pull/42"
	done := time.Now().UTC()
	sess.CompletedAt = &done
	require.NoError(t, store.Save(ctx, sess))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	assert.Equal(t, 1, count)

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, got.State)
	assert.Equal(t, "https://github.com/acme/payments-api/pull/42", got.PRURL)
	require.NotNil(t, got.CompletedAt)
}

func TestGetMissingSession(t *testing.T) {
	store := NewSessionStore(openTestDB(t))
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSaveRejectsUnknownState(t *testing.T) {
	store := NewSessionStore(openTestDB(t))
	sess := sampleSession("s1", session.State("EXPLODED"), time.Now().UTC())
	err := store.Save(context.Background(), sess)
	require.Error(t, err, "the state CHECK constraint must reject unknown states")
}

func TestListNewestFirstFilteredByProject(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(openTestDB(t))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		sess := sampleSession(id, session.StateCompleted, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Save(ctx, sess))
	}
	other := sampleSession("w1", session.StateCompleted, base.Add(10*time.Minute))
	other.Project = "web"
	require.NoError(t, store.Save(ctx, other))

	got, err := store.List(ctx, "payments-api", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s3", got[0].ID)
	assert.Equal(t, "s2", got[1].ID)

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestActiveSessions(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(openTestDB(t))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	states := map[string]session.State{
		"s1": session.StateQueued,
		"s2": session.StateRunning,
		"s3": session.StatePaused,
		"s4": session.StateCompleted,
		"s5": session.StateFailed,
		"s6": session.StateAborted,
	}
	i := 0
	for id, state := range states {
		require.NoError(t, store.Save(ctx, sampleSession(id, state, base.Add(time.Duration(i)*time.Second))))
		i++
	}

	active, err := store.ActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, sess := range active {
		assert.False(t, sess.State.IsTerminal(), "%s is terminal and must not be returned", sess.ID)
	}
}
