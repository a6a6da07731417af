package webmonitor

import (
	"context"
	"sort"
	"sync"

	"github.com/dj-oyu/birdwatch/internal/inference"
	"github.com/dj-oyu/birdwatch/internal/job"
)

const defaultJobCapacity = 50

// JobRunner submits and follows video jobs. job.Orchestrator implements it.
type JobRunner interface {
	Submit(ctx context.Context, req inference.VideoRequest) (job.Job, error)
	Await(ctx context.Context, j job.Job) (job.Job, error)
}

// JobTracker keeps the latest snapshot of recent jobs. Its Observe method
// is meant to be the orchestrator's observer.
type JobTracker struct {
	mu       sync.RWMutex
	jobs     map[string]job.Job
	order    []string // submission order, oldest first
	capacity int
}

// NewJobTracker remembers up to capacity jobs, evicting the oldest
// settled ones first.
func NewJobTracker(capacity int) *JobTracker {
	if capacity <= 0 {
		capacity = defaultJobCapacity
	}
	return &JobTracker{jobs: make(map[string]job.Job), capacity: capacity}
}

// Observe records a job snapshot. Snapshots without an ID (failed
// submissions) are ignored.
func (t *JobTracker) Observe(j job.Job) {
	if j.ID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.jobs[j.ID]; !ok {
		t.order = append(t.order, j.ID)
	}
	t.jobs[j.ID] = j
	t.evictLocked()
}

func (t *JobTracker) evictLocked() {
	for len(t.order) > t.capacity {
		victim := -1
		for i, id := range t.order {
			if t.jobs[id].Settled() {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(t.jobs, t.order[victim])
		t.order = append(t.order[:victim], t.order[victim+1:]...)
	}
}

// Get returns the latest snapshot of id.
func (t *JobTracker) Get(id string) (job.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

// List returns all tracked jobs, newest submission first.
func (t *JobTracker) List() []job.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]job.Job, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, t.jobs[t.order[i]])
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].SubmittedAt.After(out[b].SubmittedAt)
	})
	return out
}

// Active counts jobs that are still being polled.
func (t *JobTracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, j := range t.jobs {
		if !j.Settled() {
			n++
		}
	}
	return n
}
