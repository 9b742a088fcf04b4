package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"legba/pkg/registry"
	"legba/pkg/session"
)

func collect(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for event stream to close, got %d events", len(out))
		}
	}
}

func TestScriptedPlaysBackInOrder(t *testing.T) {
	script := []Event{
		{Phase: PhaseStarted},
		{Phase: PhaseCloned},
		{Phase: PhaseProgress, Delta: session.MetricsDelta{TestsRun: 1}},
		{Phase: PhaseCompleted},
	}
	s := NewScripted(script, 0)
	require.NoError(t, s.Start(context.Background(), registry.Project{ID: "api"}, 1, "main"))

	got := collect(t, s.Events(), time.Second)
	require.Len(t, got, 4)
	for i := range script {
		assert.Equal(t, script[i].Phase, got[i].Phase)
	}
}

func TestScriptedCancelStopsPlayback(t *testing.T) {
	script := make([]Event, 100)
	for i := range script {
		script[i] = Event{Phase: PhaseProgress}
	}
	s := NewScripted(script, 10*time.Millisecond)
	require.NoError(t, s.Start(context.Background(), registry.Project{ID: "api"}, 1, "main"))

	<-s.Events()
	s.Cancel()

	got := collect(t, s.Events(), time.Second)
	assert.Less(t, len(got), 100, "cancel must stop the stream early")
}

func TestScriptedFailStart(t *testing.T) {
	s := NewScripted(nil, 0)
	s.FailStart(errors.New("no sandbox capacity"))

	err := s.Start(context.Background(), registry.Project{ID: "api"}, 1, "main")
	require.Error(t, err)

	_, open := <-s.Events()
	assert.False(t, open, "stream must be closed after a failed start")
}

func TestScriptedFactoryRegistry(t *testing.T) {
	special := NewScripted([]Event{{Phase: PhaseFailed}}, 0)
	f := NewScriptedFactory(func() *Scripted {
		return NewScripted([]Event{{Phase: PhaseCompleted}}, 0)
	})
	f.Register("s1", special)

	assert.Same(t, special, f.New("s1"))
	assert.NotSame(t, special, f.New("s2"))
}

func TestProcessEmitsParsedEvents(t *testing.T) {
	p := NewProcess("s1", []string{"/bin/sh", "-c",
		`echo '{"phase":"started"}'; echo '{"phase":"completed"}'`})
	require.NoError(t, p.Start(context.Background(), registry.Project{ID: "api"}, 1, "main"))

	got := collect(t, p.Events(), 5*time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, PhaseStarted, got[0].Phase)
	assert.Equal(t, PhaseCompleted, got[1].Phase)
}

func TestProcessSkipsGarbageLines(t *testing.T) {
	p := NewProcess("s1", []string{"/bin/sh", "-c",
		`echo 'not json'; echo '{"phase":"progress","issueSignature":"npm flake","delta":{"testsRun":2}}'; echo '{"phase":"completed"}'`})
	require.NoError(t, p.Start(context.Background(), registry.Project{ID: "api"}, 1, "main"))

	got := collect(t, p.Events(), 5*time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, "npm flake", got[0].IssueSignature)
	assert.Equal(t, 2, got[0].Delta.TestsRun)
}

// TestProcessSynthesizesFailureOnBadExit verifies a runner dying without a
// terminal event reports a failure.
func TestProcessSynthesizesFailureOnBadExit(t *testing.T) {
	p := NewProcess("s1", []string{"/bin/sh", "-c",
		`echo '{"phase":"started"}'; exit 3`})
	require.NoError(t, p.Start(context.Background(), registry.Project{ID: "api"}, 1, "main"))

	got := collect(t, p.Events(), 5*time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, PhaseStarted, got[0].Phase)
	assert.Equal(t, PhaseFailed, got[1].Phase)
	assert.Contains(t, got[1].Err, "runner exited")
}

func TestProcessRejectsEmptyCommand(t *testing.T) {
	p := NewProcess("s1", nil)
	err := p.Start(context.Background(), registry.Project{ID: "api"}, 1, "main")
	require.Error(t, err)
}
