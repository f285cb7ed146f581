package collector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateInitial, StateConnecting},
		{StateInitial, StateStopped},
		{StateConnecting, StateConnected},
		{StateConnecting, StateReconnecting},
		{StateConnected, StateSubscribing},
		{StateSubscribing, StateRunning},
		{StateRunning, StateReconnecting},
		{StateRunning, StateStopping},
		{StateReconnecting, StateConnecting},
		{StateReconnecting, StateFallback},
		{StateFallback, StateConnecting},
		{StateStopping, StateStopped},
		{StateError, StateConnecting},
		{StateError, StateStopped},
	}
	for _, tc := range legal {
		require.True(t, canTransition(tc.from, tc.to), "%s -> %s must be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to State }{
		{StateInitial, StateRunning},
		{StateConnecting, StateRunning},
		{StateConnected, StateRunning},
		{StateRunning, StateConnecting},
		{StateRunning, StateFallback},
		{StateFallback, StateRunning},
		{StateFallback, StateReconnecting},
		{StateStopped, StateConnecting},
		{StateStopped, StateStopping},
		{StateStopping, StateRunning},
	}
	for _, tc := range illegal {
		require.False(t, canTransition(tc.from, tc.to), "%s -> %s must be illegal", tc.from, tc.to)
	}
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	m := newMachine()

	prev, err := m.transition(StateConnecting)
	require.NoError(t, err)
	require.Equal(t, StateInitial, prev)

	_, err = m.transition(StateRunning)
	require.ErrorIs(t, err, ErrInvalidState)

	// The failed transition must not move the machine.
	cur, _ := m.current()
	require.Equal(t, StateConnecting, cur)
}

func TestStoppedIsTerminal(t *testing.T) {
	m := newMachine()
	_, err := m.transition(StateStopped)
	require.NoError(t, err)

	for s := StateInitial; s <= StateError; s++ {
		_, err := m.transition(s)
		require.ErrorIs(t, err, ErrInvalidState, "STOPPED -> %s must be rejected", s)
	}
}
