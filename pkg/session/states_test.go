package session

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateAborted}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []State{StateQueued, StateStarting, StateCloning, StateRunning, StatePaused, StateCompleting}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, StateRunning.IsValid())
	assert.False(t, State("EXPLODED").IsValid())
	assert.False(t, State("").IsValid())
}

func TestCanTransitionAllowedEdges(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateQueued, StateStarting},
		{StateQueued, StateAborted},
		{StateStarting, StateCloning},
		{StateCloning, StateRunning},
		{StateRunning, StatePaused},
		{StateRunning, StateCompleting},
		{StatePaused, StateRunning},
		{StatePaused, StateFailed},
		{StateCompleting, StateCompleted},
		{StateCompleting, StateFailed},
	}
	for _, tc := range allowed {
		assert.True(t, ValidTransitions.CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}
}

func TestCanTransitionFailsClosed(t *testing.T) {
	denied := []struct{ from, to State }{
		{StateQueued, StateRunning},
		{StateQueued, StateFailed},
		{StateStarting, StateRunning},
		{StateRunning, StateCompleted},
		{StateCompleting, StateAborted},
		{StateCompleted, StateRunning},
		{StateFailed, StateQueued},
		{StateAborted, StateAborted},
		{State("BOGUS"), StateRunning},
		{StateRunning, State("BOGUS")},
	}
	for _, tc := range denied {
		assert.False(t, ValidTransitions.CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

// TestRandomWalkReachesTerminal verifies every random walk through the
// transition table reaches a terminal state and stops there.
func TestRandomWalkReachesTerminal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		state := StateQueued
		// PAUSED <-> RUNNING can cycle, so bound the walk.
		for steps := 0; !state.IsTerminal() && steps < 100; steps++ {
			next := ValidTransitions[state]
			require.NotEmpty(t, next, "non-terminal state %s has no outgoing transitions", state)
			assert.True(t, state.IsValid())
			state = next[rng.Intn(len(next))]
		}
		if state.IsTerminal() {
			assert.Empty(t, ValidTransitions[state], "terminal state %s must have no outgoing transitions", state)
		}
	}
}
