package autodetect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	m := newStateMachine()
	require.Equal(t, StateCreated, m.current())

	for _, next := range []ProcessState{StateReady, StateAlive, StateFlushPending, StateAlive, StateClosing, StateClosed} {
		require.NoError(t, m.to(next))
	}
	require.True(t, m.current().Terminal())
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	m := newStateMachine()
	require.Error(t, m.to(StateAlive), "created cannot go straight to alive")
	require.Error(t, m.to(StateClosed))
	require.Equal(t, StateCreated, m.current())
}

func TestStateMachineKillFromAnywhere(t *testing.T) {
	for _, from := range []ProcessState{StateCreated, StateReady, StateAlive, StateFlushPending, StateClosing} {
		m := &stateMachine{s: from}
		require.True(t, m.tryTo(StateKilling), "killing must be reachable from %s", from)
		require.NoError(t, m.to(StateKilled))
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, terminal := range []ProcessState{StateClosed, StateKilled} {
		m := &stateMachine{s: terminal}
		for next := StateCreated; next <= StateKilled; next++ {
			require.False(t, m.tryTo(next))
		}
	}
}

func TestWritableStates(t *testing.T) {
	writable := map[ProcessState]bool{
		StateReady:        true,
		StateAlive:        true,
		StateFlushPending: true,
	}
	for s := StateCreated; s <= StateKilled; s++ {
		require.Equal(t, writable[s], s.Writable(), "state %s", s)
	}
}
