package monitoring

import (
	"sync"
	"time"
)

// ComponentState is the last transition recorded for one component.
type ComponentState struct {
	State  string    `json:"state"`
	Since  time.Time `json:"since"`
	Reason string    `json:"reason,omitempty"`
}

// StateTracker keeps the current state of every component for health
// reporting. Components publish their transitions to the event bus for
// observers; the tracker is the queryable view.
type StateTracker interface {
	Set(component, state, reason string)
	Get(component string) (ComponentState, bool)
	Snapshot() map[string]ComponentState
}

// MemoryTracker is the default in-memory StateTracker.
type MemoryTracker struct {
	mu     sync.RWMutex
	states map[string]ComponentState
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{states: make(map[string]ComponentState)}
}

func (t *MemoryTracker) Set(component, state, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[component] = ComponentState{State: state, Since: time.Now(), Reason: reason}
}

func (t *MemoryTracker) Get(component string) (ComponentState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[component]
	return s, ok
}

// Snapshot returns a copy of every tracked component state.
func (t *MemoryTracker) Snapshot() map[string]ComponentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ComponentState, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}
