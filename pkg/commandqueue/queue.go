package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// LaneMain is the default general-purpose lane.
	LaneMain = "main"
	// LaneHousekeeping runs scheduled maintenance jobs one at a time.
	LaneHousekeeping = "housekeeping"

	sessionLanePrefix = "session-"
)

// ErrQueueClosed is returned for tasks enqueued after, or still waiting at,
// Close.
var ErrQueueClosed = errors.New("command queue closed")

// SessionLane returns the lane that serializes turns of one session.
func SessionLane(sessionID string) string {
	return sessionLanePrefix + sessionID
}

// Task is the unit of work run on a lane.
type Task func(ctx context.Context) (interface{}, error)

// Options annotates an enqueued task.
type Options struct {
	// Name labels the task in logs and spans. Defaults to the lane name.
	Name string
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Lane        string    `json:"lane"`
	Queued      int       `json:"queued"`
	Running     int       `json:"running"`
	Concurrency int       `json:"concurrency"`
	LastUsed    time.Time `json:"lastUsed"`
}

// CommandQueue runs tasks on named lanes. Lanes are created on first use
// with a single worker.
type CommandQueue struct {
	mu     sync.RWMutex
	lanes  map[string]*lane
	closed bool
	seq    atomic.Uint64

	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a queue with the main and housekeeping lanes pinned.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
	cq.SetConcurrency(LaneMain, 1)
	cq.SetConcurrency(LaneHousekeeping, 1)
	return cq
}

// Enqueue runs task on lane and waits for it without a deadline.
func (cq *CommandQueue) Enqueue(lane string, task Task, opts *Options) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, opts)
}

// EnqueueWithContext adds a task to the lane and blocks until it completes or
// ctx is done. When ctx ends first a still-queued task is withdrawn, a running
// task sees its context cancelled, and the lane keeps serving later tasks.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, laneName string, task Task, opts *Options) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := laneName
	if opts != nil && opts.Name != "" {
		name = opts.Name
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerQueue, "commandqueue.enqueue",
		attribute.String("lane", laneName),
		attribute.String("task", name),
	)
	defer span.End()

	j := &job{
		id:       fmt.Sprintf("%s-%d", laneName, cq.seq.Add(1)),
		name:     name,
		task:     task,
		ctx:      ctx,
		queuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}

	l, depth, err := cq.admit(laneName, j)
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("lane", laneName).
		Str("task_id", j.id).
		Logger()
	logger.Debug().Str("task", name).Int("depth", depth).Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneName, depth)

	cq.dispatch(l)

	select {
	case out := <-j.done:
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		return out.value, out.err
	case <-ctx.Done():
		withdrawn, remaining := l.remove(j)
		if withdrawn {
			observability.SetQueueSize(laneName, remaining)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			observability.RecordQueueWaitTimeout(laneName)
		}
		logger.Warn().
			Bool("withdrawn", withdrawn).
			Dur("waited", time.Since(j.queuedAt)).
			Msg("Stopped waiting for task")

		err := fmt.Errorf("lane %s: %w", laneName, ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

// admit appends j to its lane, creating the lane when needed. Holding the
// queue lock keeps PruneIdle and Close from racing the append.
func (cq *CommandQueue) admit(name string, j *job) (*lane, int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, 0, ErrQueueClosed
	}
	l, ok := cq.lanes[name]
	if !ok {
		l = newLane(name)
		cq.lanes[name] = l
		log.Debug().Str("lane", name).Msg("Lane created")
	}
	return l, l.push(j), nil
}

func (cq *CommandQueue) dispatch(l *lane) {
	for _, j := range l.take() {
		cq.workers.Add(1)
		go cq.execute(l, j)
	}
}

func (cq *CommandQueue) execute(l *lane, j *job) {
	defer cq.workers.Done()

	ctx, span := tracing.StartSpan(j.ctx, tracing.TracerQueue, "commandqueue.execute",
		attribute.String("lane", l.name),
		attribute.String("task_id", j.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("lane", l.name).
		Str("task_id", j.id).
		Logger()

	logger.Debug().Str("task", j.name).Dur("wait", time.Since(j.queuedAt)).Msg("Task started")

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	start := time.Now()
	value, err := runGuarded(runCtx, j.task)
	elapsed := time.Since(start)
	stop()
	cancel()

	depth := l.release()
	j.finish(value, err)

	event := logger.Debug().Str("task", j.name).Dur("duration", elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		event.Err(err).Msg("Task failed")
	} else {
		event.Msg("Task completed")
	}
	observability.RecordQueueCompletion(l.name, elapsed, err == nil, depth)

	cq.dispatch(l)
}

// runGuarded turns a panic into an error so the worker slot is released.
func runGuarded(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

func (cq *CommandQueue) lookup(name string) *lane {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	return cq.lanes[name]
}

// GetQueueSize returns the number of tasks waiting on a lane.
func (cq *CommandQueue) GetQueueSize(name string) int {
	if l := cq.lookup(name); l != nil {
		return l.snapshot().Queued
	}
	return 0
}

// GetRunningCount returns the number of tasks executing on a lane.
func (cq *CommandQueue) GetRunningCount(name string) int {
	if l := cq.lookup(name); l != nil {
		return l.snapshot().Running
	}
	return 0
}

// Stats returns every lane, sorted by name.
func (cq *CommandQueue) Stats() []LaneStats {
	cq.mu.RLock()
	out := make([]LaneStats, 0, len(cq.lanes))
	for _, l := range cq.lanes {
		out = append(out, l.snapshot())
	}
	cq.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].Lane < out[k].Lane })
	return out
}

// LaneCount returns the number of known lanes.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	return len(cq.lanes)
}

// SetConcurrency sets how many tasks a lane runs at once and pins the lane
// so PruneIdle keeps it.
func (cq *CommandQueue) SetConcurrency(name string, n int) {
	if n < 1 {
		n = 1
	}

	cq.mu.Lock()
	l, ok := cq.lanes[name]
	if !ok {
		l = newLane(name)
		cq.lanes[name] = l
	}
	cq.mu.Unlock()

	old := l.setLimit(n)
	log.Debug().Str("lane", name).Int("from", old).Int("to", n).Msg("Lane concurrency set")

	if n > old {
		cq.dispatch(l)
	}
}

// PruneIdle drops unpinned lanes that have had no work for at least idle and
// returns how many were removed. Session lanes are created per session and
// would otherwise accumulate.
func (cq *CommandQueue) PruneIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	cq.mu.Lock()
	defer cq.mu.Unlock()

	removed := 0
	for name, l := range cq.lanes {
		if l.idle(cutoff) {
			delete(cq.lanes, name)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(cq.lanes)).Msg("Pruned idle lanes")
	}
	return removed
}

// WaitForActive polls until no lane has a running task or timeout passes.
// It reports whether the queue drained.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := 0
		for _, s := range cq.Stats() {
			busy += s.Running
		}
		if busy == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Int("running", busy).Dur("timeout", timeout).Msg("Tasks still running at shutdown")
			return false
		}
		<-ticker.C
	}
}

// Close rejects queued tasks, cancels running ones and waits for them to
// return. It is safe to call more than once.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	for _, l := range cq.lanes {
		l.reject(ErrQueueClosed)
	}
	cq.mu.Unlock()

	cq.cancel()
	cq.workers.Wait()
	return nil
}
