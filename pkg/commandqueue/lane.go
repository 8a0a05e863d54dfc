package commandqueue

import (
	"context"
	"sync"
	"time"
)

// job is one enqueued task and the channel its caller waits on.
type job struct {
	id       string
	name     string
	task     Task
	ctx      context.Context
	queuedAt time.Time
	done     chan outcome
}

type outcome struct {
	value interface{}
	err   error
}

func (j *job) finish(value interface{}, err error) {
	j.done <- outcome{value: value, err: err}
}

// lane is a FIFO of jobs served by at most limit workers.
type lane struct {
	mu       sync.Mutex
	name     string
	limit    int
	pending  []*job
	running  int
	lastUsed time.Time
	// pinned lanes survive PruneIdle.
	pinned bool
}

func newLane(name string) *lane {
	return &lane{name: name, limit: 1, lastUsed: time.Now()}
}

func (l *lane) push(j *job) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, j)
	l.lastUsed = j.queuedAt
	return len(l.pending)
}

// remove withdraws a job that has not started. It reports false when the job
// was already taken by a worker.
func (l *lane) remove(j *job) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, p := range l.pending {
		if p == j {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return true, len(l.pending)
		}
	}
	return false, len(l.pending)
}

// take pops as many jobs as free worker slots allow.
func (l *lane) take() []*job {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ready []*job
	for l.running < l.limit && len(l.pending) > 0 {
		ready = append(ready, l.pending[0])
		l.pending = l.pending[1:]
		l.running++
	}
	return ready
}

// release frees a worker slot and returns the remaining depth.
func (l *lane) release() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running--
	l.lastUsed = time.Now()
	return len(l.pending)
}

// reject fails every pending job with err.
func (l *lane) reject(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, j := range l.pending {
		j.finish(nil, err)
	}
	l.pending = nil
}

func (l *lane) setLimit(n int) (old int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old = l.limit
	l.limit = n
	l.pinned = true
	return old
}

func (l *lane) idle(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return !l.pinned && l.running == 0 && len(l.pending) == 0 && !l.lastUsed.After(cutoff)
}

func (l *lane) snapshot() LaneStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LaneStats{
		Lane:        l.name,
		Queued:      len(l.pending),
		Running:     l.running,
		Concurrency: l.limit,
		LastUsed:    l.lastUsed,
	}
}
