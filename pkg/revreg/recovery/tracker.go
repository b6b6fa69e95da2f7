package recovery

import "sync"

// State is the recovery state of one profile.
type State string

// Tracker states. A profile the tracker has never seen is Untracked.
const (
	Untracked  State = ""
	InProgress State = "IN_PROGRESS"
	Recovered  State = "RECOVERED"
)

// Tracker records, per profile, whether recovery has run.
type Tracker struct {
	mu     sync.Mutex
	states map[string]State
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]State)}
}

// State returns the state of profile.
func (t *Tracker) State(profile string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[profile]
}

// Begin moves an untracked profile to InProgress. It returns false if the
// profile is already in progress or recovered.
func (t *Tracker) Begin(profile string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[profile] != Untracked {
		return false
	}
	t.states[profile] = InProgress
	return true
}

// MarkRecovered records that profile needs no further recovery.
func (t *Tracker) MarkRecovered(profile string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[profile] = Recovered
}

// Reset forgets profile, so the next request tries again.
func (t *Tracker) Reset(profile string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, profile)
}
