// Package alert derives UP/DOWN state from probe outcomes with failure hysteresis.
package alert

import (
	"sync"

	"pulse/internal/models"
)

// DefaultFailuresBeforeAlert is the consecutive-failure count that marks a monitor DOWN.
const DefaultFailuresBeforeAlert = 2

// Transition is the notification-worthy edge produced by an observation.
type Transition int

const (
	None Transition = iota
	WentDown
	Recovered
)

func (t Transition) String() string {
	switch t {
	case WentDown:
		return "went_down"
	case Recovered:
		return "recovered"
	default:
		return "none"
	}
}

// Snapshot is a copy of one monitor's alert state.
type Snapshot struct {
	State                models.AlertState `json:"state"`
	ConsecutiveFailures  int               `json:"consecutive_failures"`
	ConsecutiveSuccesses int               `json:"consecutive_successes"`
}

// Tracker holds per-monitor alert state in memory. It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	states    map[int64]*Snapshot
}

// NewTracker returns a Tracker that alerts after threshold consecutive failures.
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = DefaultFailuresBeforeAlert
	}
	return &Tracker{threshold: threshold, states: make(map[int64]*Snapshot)}
}

// Observe folds one probe result into the monitor's state and reports the
// transition, if any, that should be notified.
func (t *Tracker) Observe(monitorID int64, success bool) Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[monitorID]
	if !ok {
		s = &Snapshot{State: models.StateUnknown}
		t.states[monitorID] = s
	}

	if success {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		prev := s.State
		s.State = models.StateUp
		if prev == models.StateDown {
			return Recovered
		}
		return None
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= t.threshold && s.State != models.StateDown {
		s.State = models.StateDown
		return WentDown
	}
	return None
}

// State returns the current snapshot for a monitor. Unseen monitors are UNKNOWN.
func (t *Tracker) State(monitorID int64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[monitorID]; ok {
		return *s
	}
	return Snapshot{State: models.StateUnknown}
}

// Forget drops a monitor's state, e.g. after it is deleted.
func (t *Tracker) Forget(monitorID int64) {
	t.mu.Lock()
	delete(t.states, monitorID)
	t.mu.Unlock()
}

// Counts tallies monitors per state.
func (t *Tracker) Counts() map[models.AlertState]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.AlertState]int, 3)
	for _, s := range t.states {
		out[s.State]++
	}
	return out
}
