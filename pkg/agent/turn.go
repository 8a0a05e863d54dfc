package agent

import (
	"errors"
	"sync"

	"github.com/harun/datalens/pkg/memory"
	"github.com/harun/datalens/pkg/stream"
)

// ErrSinkClosed is returned by a turn's sink once Run has returned.
var ErrSinkClosed = errors.New("event sink closed")

// turnBuffer holds the history a turn sends to the model. Messages produced
// since the last commit live only here until commit writes them to memory.
type turnBuffer struct {
	cache     *memory.Cache
	sessionID string

	history []Message
	pending []Message
}

func newTurnBuffer(cache *memory.Cache, sessionID string, window int) *turnBuffer {
	return &turnBuffer{
		cache:     cache,
		sessionID: sessionID,
		history:   SanitizeHistory(cache.Get(sessionID, window)),
	}
}

func (t *turnBuffer) add(msgs ...Message) {
	t.pending = append(t.pending, msgs...)
}

func (t *turnBuffer) messages() []Message {
	out := make([]Message, 0, len(t.history)+len(t.pending))
	out = append(out, t.history...)
	return append(out, t.pending...)
}

func (t *turnBuffer) commit() {
	if len(t.pending) == 0 {
		return
	}
	t.cache.Append(t.sessionID, t.pending...)
	t.history = append(t.history, t.pending...)
	t.pending = nil
}

// guardedSink drops writes once closed so a turn that outlives Run (its
// caller stopped waiting) cannot reach the client.
type guardedSink struct {
	mu     sync.Mutex
	sink   EventSink
	closed bool
}

func (g *guardedSink) Emit(ev stream.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrSinkClosed
	}
	if err := g.sink.Emit(ev); err != nil {
		g.closed = true
		return err
	}
	return nil
}

// closeWith emits a final event unless already closed, then closes.
func (g *guardedSink) closeWith(ev stream.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		_ = g.sink.Emit(ev)
	}
	g.closed = true
}

func (g *guardedSink) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
