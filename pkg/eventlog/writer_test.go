package eventlog

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	err = w.Write(Event{
		Type:      TypeSessionCreated,
		SessionID: "s1",
		Project:   "payments-api",
		ToState:   "QUEUED",
	})
	require.NoError(t, err)

	err = w.Write(Event{
		Type:      TypeTransition,
		SessionID: "s1",
		Project:   "payments-api",
		FromState: "QUEUED",
		ToState:   "STARTING",
	})
	require.NoError(t, err)

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0], "events-"+time.Now().Format("2006-01-02"))

	events, err := ReadEvents(files[0])
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, TypeSessionCreated, events[0].Type)
	assert.Equal(t, "s1", events[0].SessionID)
	assert.False(t, events[0].Timestamp.IsZero(), "timestamp is stamped on write")

	assert.Equal(t, TypeTransition, events[1].Type)
	assert.Equal(t, "QUEUED", events[1].FromState)
	assert.Equal(t, "STARTING", events[1].ToState)
}

func TestWriterCreatesLogDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/logs"
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteAfterCloseReopens(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// The writer reopens today's file on the next write.
	require.NoError(t, w.Write(Event{Type: TypeStartup}))
	require.NoError(t, w.Close())

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	events, err := ReadEvents(files[0])
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReadEventsRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/events-2026-03-01.jsonl"
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o644))

	_, err := ReadEvents(path)
	require.Error(t, err)
}

func TestManyEventsRoundtrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, w.Write(Event{
			Type:      TypeTransition,
			SessionID: fmt.Sprintf("s%d", i),
		}))
	}

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	events, err := ReadEvents(files[0])
	require.NoError(t, err)
	assert.Len(t, events, 50)
}
