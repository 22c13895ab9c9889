// Package distributor is the leader-only follower registry and liveness
// tracker: it farms jobs out to followers, watches their health, and
// reconciles state after a leader restart.
package distributor

import (
	"fmt"
	"sync"
)

// Follower is one entry in the FollowerRegistry.
type Follower struct {
	ID            string
	URL           string
	Busy          bool
	Dead          bool
	CurrentJobID  *int64
	deadStreak    int
}

// Snapshot is a read-only copy of a Follower for callers outside the
// registry (status endpoints, the EventBus followers:status event).
type Snapshot struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Busy         bool   `json:"busy"`
	Dead         bool   `json:"dead"`
	CurrentJobID *int64 `json:"currentJob,omitempty"`
}

// FollowerRegistry is the in-memory, leader-only follower set. It is
// mutated only through its transactional operations — callers never see or
// hold a pointer to the underlying slice.
type FollowerRegistry struct {
	mu        sync.Mutex
	followers []*Follower
	byID      map[string]*Follower
	jobToFollower map[int64]string
}

// NewFollowerRegistry builds a registry from a stable, ordered list of
// follower base URLs, assigning each the id "follower-<index>".
func NewFollowerRegistry(urls []string) *FollowerRegistry {
	r := &FollowerRegistry{
		byID:          make(map[string]*Follower),
		jobToFollower: make(map[int64]string),
	}
	for i, u := range urls {
		f := &Follower{ID: fmt.Sprintf("follower-%d", i), URL: u}
		r.followers = append(r.followers, f)
		r.byID[f.ID] = f
	}
	return r
}

// AcquireFirstAvailable returns the earliest follower (list order) that is
// neither busy nor dead, atomically marking it busy and recording the
// job→follower mapping.
func (r *FollowerRegistry) AcquireFirstAvailable(jobID int64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.followers {
		if !f.Busy && !f.Dead {
			f.Busy = true
			id := jobID
			f.CurrentJobID = &id
			r.jobToFollower[jobID] = f.ID
			return toSnapshot(f), true
		}
	}
	return Snapshot{}, false
}

// Release clears a follower's busy flag and job assignment.
func (r *FollowerRegistry) Release(jobID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.jobToFollower[jobID]
	if !ok {
		return
	}
	delete(r.jobToFollower, jobID)
	if f, ok := r.byID[id]; ok {
		f.Busy = false
		f.CurrentJobID = nil
	}
}

// MarkDead marks a follower dead, incrementing its consecutive-failure
// streak; callers decide the threshold for any further action.
func (r *FollowerRegistry) MarkDead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.byID[id]; ok {
		f.Dead = true
		f.deadStreak++
	}
}

// MarkAlive clears a follower's dead flag and resets its failure streak.
func (r *FollowerRegistry) MarkAlive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.byID[id]; ok {
		f.Dead = false
		f.deadStreak = 0
	}
}

// SetBusy reconciles a follower's busy flag and job mapping, used by sync
// to mirror what the follower itself reports.
func (r *FollowerRegistry) SetBusy(id string, jobID int64, busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byID[id]
	if !ok {
		return
	}
	f.Busy = busy
	if busy {
		j := jobID
		f.CurrentJobID = &j
		r.jobToFollower[jobID] = id
	} else {
		if f.CurrentJobID != nil {
			delete(r.jobToFollower, *f.CurrentJobID)
		}
		f.CurrentJobID = nil
	}
}

// FollowerForJob returns the follower id a job is currently assigned to.
func (r *FollowerRegistry) FollowerForJob(jobID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.jobToFollower[jobID]
	return id, ok
}

// Get returns a snapshot of one follower by id.
func (r *FollowerRegistry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.byID[id]
	if !ok {
		return Snapshot{}, false
	}
	return toSnapshot(f), true
}

// Snapshot returns a read-only copy of every follower, in list order.
func (r *FollowerRegistry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.followers))
	for _, f := range r.followers {
		out = append(out, toSnapshot(f))
	}
	return out
}

// DeadIDs returns the ids currently marked dead.
func (r *FollowerRegistry) DeadIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, f := range r.followers {
		if f.Dead {
			out = append(out, f.ID)
		}
	}
	return out
}

func toSnapshot(f *Follower) Snapshot {
	var job *int64
	if f.CurrentJobID != nil {
		j := *f.CurrentJobID
		job = &j
	}
	return Snapshot{ID: f.ID, URL: f.URL, Busy: f.Busy, Dead: f.Dead, CurrentJobID: job}
}
