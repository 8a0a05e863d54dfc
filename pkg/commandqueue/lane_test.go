package commandqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(id string) *job {
	return &job{id: id, ctx: context.Background(), queuedAt: time.Now(), done: make(chan outcome, 1)}
}

func ids(jobs []*job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.id
	}
	return out
}

func TestLaneTakeRespectsLimit(t *testing.T) {
	l := newLane("outlook")
	for _, id := range []string{"a", "b", "c"} {
		l.push(newJob(id))
	}

	assert.Equal(t, []string{"a"}, ids(l.take()))
	assert.Empty(t, l.take(), "single worker lane is busy")

	assert.Equal(t, 2, l.release())
	assert.Equal(t, []string{"b"}, ids(l.take()))

	l.setLimit(3)
	assert.Equal(t, []string{"c"}, ids(l.take()))
	assert.Equal(t, 2, l.snapshot().Running)
}

func TestLaneRemove(t *testing.T) {
	l := newLane(SessionLane("s1"))
	a, b := newJob("a"), newJob("b")
	l.push(a)
	l.push(b)

	ok, remaining := l.remove(b)
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	l.take()
	ok, _ = l.remove(a)
	assert.False(t, ok, "a started running and cannot be withdrawn")
}

func TestLaneReject(t *testing.T) {
	l := newLane("main")
	a := newJob("a")
	l.push(a)

	l.reject(ErrQueueClosed)

	out := <-a.done
	assert.True(t, errors.Is(out.err, ErrQueueClosed))
	assert.Zero(t, l.snapshot().Queued)
}

func TestLaneIdle(t *testing.T) {
	l := newLane(SessionLane("s1"))
	future := time.Now().Add(time.Minute)

	assert.True(t, l.idle(future))

	l.push(newJob("a"))
	assert.False(t, l.idle(future), "queued work")

	l.take()
	assert.False(t, l.idle(future), "running work")

	l.release()
	assert.True(t, l.idle(future))
	assert.False(t, l.idle(time.Now().Add(-time.Minute)), "used after the cutoff")

	l.setLimit(1)
	require.Equal(t, 1, l.snapshot().Concurrency)
	assert.False(t, l.idle(future), "pinned")
}
