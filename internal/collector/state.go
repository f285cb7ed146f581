package collector

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the collector lifecycle position. STOPPED is terminal.
type State int

const (
	StateInitial State = iota
	StateConnecting
	StateConnected
	StateSubscribing
	StateRunning
	StateReconnecting
	StateFallback
	StateStopping
	StateStopped
	StateError
)

var stateNames = map[State]string{
	StateInitial:      "INITIAL",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateSubscribing:  "SUBSCRIBING",
	StateRunning:      "RUNNING",
	StateReconnecting: "RECONNECTING",
	StateFallback:     "FALLBACK",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrInvalidState rejects a transition outside the legal table.
var ErrInvalidState = errors.New("invalid state transition")

// legalTransitions is the complete transition table. Anything absent
// fails with ErrInvalidState.
var legalTransitions = map[State][]State{
	StateInitial:      {StateConnecting, StateStopped},
	StateConnecting:   {StateConnected, StateReconnecting, StateError, StateStopping},
	StateConnected:    {StateSubscribing, StateReconnecting, StateError, StateStopping},
	StateSubscribing:  {StateRunning, StateReconnecting, StateError, StateStopping},
	StateRunning:      {StateReconnecting, StateError, StateStopping},
	StateReconnecting: {StateConnecting, StateFallback, StateError, StateStopping},
	StateFallback:     {StateConnecting, StateError, StateStopping},
	StateStopping:     {StateStopped, StateError},
	StateError:        {StateConnecting, StateStopped},
	StateStopped:      {},
}

func canTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine guards the current state. Transitions are atomic; callers
// observe prev/next pairs that always respect the table.
type machine struct {
	mu    sync.Mutex
	state State
	since time.Time
}

func newMachine() *machine {
	return &machine{state: StateInitial, since: time.Now()}
}

// transition moves to the target state, returning the previous one.
func (m *machine) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		return m.state, fmt.Errorf("%w: %s -> %s", ErrInvalidState, m.state, to)
	}
	prev := m.state
	m.state = to
	m.since = time.Now()
	return prev, nil
}

// current returns the state and when it was entered.
func (m *machine) current() (State, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.since
}

func (m *machine) is(s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == s
}
