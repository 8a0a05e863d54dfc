package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(v interface{}) Task {
	return func(ctx context.Context) (interface{}, error) { return v, nil }
}

// blockOn starts a task on lane that holds its worker until release closes.
func blockOn(t *testing.T, cq *CommandQueue, lane string) (release func(), finished <-chan struct{}) {
	t.Helper()

	gate := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cq.Enqueue(lane, func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.GetRunningCount(lane) == 1 }, time.Second, 5*time.Millisecond)

	return func() { close(gate) }, done
}

func TestSessionLane(t *testing.T) {
	assert.Equal(t, "session-abc", SessionLane("abc"))
}

func TestNewPinsDefaultLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	stats := cq.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, LaneHousekeeping, stats[0].Lane)
	assert.Equal(t, LaneMain, stats[1].Lane)
	assert.Equal(t, 0, cq.PruneIdle(0))
}

func TestEnqueueReturnsTaskResult(t *testing.T) {
	cq := New()
	defer cq.Close()

	result, err := cq.Enqueue(SessionLane("s1"), value("2 tables"), &Options{Name: "turn"})
	require.NoError(t, err)
	assert.Equal(t, "2 tables", result)

	failure := errors.New("ORA-00942: table or view does not exist")
	_, err = cq.Enqueue(SessionLane("s1"), func(ctx context.Context) (interface{}, error) {
		return nil, failure
	}, nil)
	assert.Same(t, failure, err)
}

func TestSameLaneRunsInOrderOneAtATime(t *testing.T) {
	cq := New()
	defer cq.Close()

	release, _ := blockOn(t, cq, SessionLane("s1"))

	var (
		mu          sync.Mutex
		order       []int
		inFlight    atomic.Int32
		maxInFlight atomic.Int32
		wg          sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(SessionLane("s1"), func(ctx context.Context) (interface{}, error) {
				n := inFlight.Add(1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				inFlight.Add(-1)
				return nil, nil
			}, nil)
		}()
		// queue positions follow enqueue order
		require.Eventually(t, func() bool { return cq.GetQueueSize(SessionLane("s1")) == i+1 }, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestDifferentLanesRunConcurrently(t *testing.T) {
	cq := New()
	defer cq.Close()

	release, done := blockOn(t, cq, SessionLane("slow"))
	defer func() {
		release()
		<-done
	}()

	result, err := cq.Enqueue(SessionLane("fast"), value("ok"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestSetConcurrencyWidensLane(t *testing.T) {
	cq := New()
	defer cq.Close()
	cq.SetConcurrency("database", 3)

	var started sync.WaitGroup
	started.Add(3)
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue("database", func(ctx context.Context) (interface{}, error) {
				started.Done()
				<-gate
				return nil, nil
			}, nil)
		}()
	}

	started.Wait()
	assert.Equal(t, 3, cq.GetRunningCount("database"))
	close(gate)
	wg.Wait()
}

func TestQueuedTaskWithdrawnWhenCallerGivesUp(t *testing.T) {
	cq := New()
	defer cq.Close()

	release, done := blockOn(t, cq, "outlook")

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := cq.EnqueueWithContext(ctx, "outlook", func(ctx context.Context) (interface{}, error) {
		ran.Store(true)
		return nil, nil
	}, nil)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "lane outlook")
	assert.Equal(t, 0, cq.GetQueueSize("outlook"))

	release()
	<-done
	require.Eventually(t, func() bool { return cq.GetRunningCount("outlook") == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load(), "withdrawn task must not run")
}

func TestRunningTaskCancelledAndLaneSurvives(t *testing.T) {
	cq := New()
	defer cq.Close()
	cq.SetConcurrency("outlook", 1)

	observed := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := cq.EnqueueWithContext(ctx, "outlook", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case taskErr := <-observed:
		assert.Error(t, taskErr)
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}

	result, err := cq.Enqueue("outlook", value("next"), nil)
	require.NoError(t, err)
	assert.Equal(t, "next", result)
}

func TestPanicReleasesLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Enqueue("splunk", func(ctx context.Context) (interface{}, error) {
		panic("nil session key")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task panicked: nil session key")

	result, err := cq.Enqueue("splunk", value(1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result)
}

func TestPruneIdle(t *testing.T) {
	cq := New()
	defer cq.Close()
	cq.SetConcurrency("outlook", 1)

	for _, s := range []string{"a", "b"} {
		_, err := cq.Enqueue(SessionLane(s), value(nil), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, cq.LaneCount())
	assert.Equal(t, 0, cq.PruneIdle(time.Hour))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, cq.PruneIdle(10*time.Millisecond))
	assert.Equal(t, 3, cq.LaneCount())

	// a pruned lane is recreated on demand
	result, err := cq.Enqueue(SessionLane("a"), value("again"), nil)
	require.NoError(t, err)
	assert.Equal(t, "again", result)
}

func TestPruneIdleKeepsBusyLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	release, done := blockOn(t, cq, SessionLane("busy"))

	assert.Equal(t, 0, cq.PruneIdle(0))
	release()
	<-done
}

func TestWaitForActive(t *testing.T) {
	cq := New()
	defer cq.Close()

	assert.True(t, cq.WaitForActive(10*time.Millisecond))

	release, done := blockOn(t, cq, LaneHousekeeping)
	assert.False(t, cq.WaitForActive(60*time.Millisecond))

	release()
	assert.True(t, cq.WaitForActive(time.Second))
	<-done
}

func TestCloseRejectsAndCancels(t *testing.T) {
	cq := New()

	cancelled := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(LaneMain, func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}, nil)
	}()
	require.Eventually(t, func() bool { return cq.GetRunningCount(LaneMain) == 1 }, time.Second, 5*time.Millisecond)

	waiting := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(LaneMain, value(nil), nil)
		waiting <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize(LaneMain) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, cq.Close())
	require.NoError(t, cq.Close())

	assert.ErrorIs(t, <-waiting, ErrQueueClosed)
	<-cancelled

	_, err := cq.Enqueue(LaneMain, value(nil), nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestStatsSortedByLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	for i := 3; i > 0; i-- {
		_, err := cq.Enqueue(SessionLane(fmt.Sprint(i)), value(nil), nil)
		require.NoError(t, err)
	}

	var lanes []string
	for _, s := range cq.Stats() {
		lanes = append(lanes, s.Lane)
		assert.Zero(t, s.Running)
		assert.Equal(t, 1, s.Concurrency)
	}
	assert.Equal(t, []string{"housekeeping", "main", "session-1", "session-2", "session-3"}, lanes)
}
