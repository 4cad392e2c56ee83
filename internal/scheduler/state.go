package scheduler

import (
	"sync"
	"time"
)

// State is the stage a group's run is in.
type State string

// Group run states.
const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateExtracting State = "extracting"
	StateMatching   State = "matching"
	StateFailed     State = "failed"
)

// GroupStatus is a snapshot of a group's run state.
type GroupStatus struct {
	GroupID    int64      `json:"group_id"`
	State      State      `json:"state"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// groupRecord holds the run state of one group. run serializes runs of the
// group, mu guards the fields.
type groupRecord struct {
	run sync.Mutex

	mu         sync.Mutex
	state      State
	lastErr    string
	startedAt  time.Time
	finishedAt time.Time
}

func (r *groupRecord) begin(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateFetching
	r.lastErr = ""
	r.startedAt = at
}

func (r *groupRecord) enter(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *groupRecord) finish(at time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishedAt = at
	if err != nil {
		r.state = StateFailed
		r.lastErr = err.Error()
		return
	}
	r.state = StateIdle
}

func (r *groupRecord) snapshot(groupID int64) GroupStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := GroupStatus{GroupID: groupID, State: r.state, LastError: r.lastErr}
	if st.State == "" {
		st.State = StateIdle
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		st.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		st.FinishedAt = &t
	}
	return st
}
