package memory

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds cache limits and hooks.
type Config struct {
	MaxMessages int
	MaxSessions int
	TTL         time.Duration

	// Gauge tracks active sessions; prometheus.Gauge satisfies it.
	Gauge     Gauge
	Listeners []EvictionListener
	Logger    zerolog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultConfig returns 20 messages, 1000 sessions, 30 minutes.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 20,
		MaxSessions: 1000,
		TTL:         30 * time.Minute,
	}
}

type entry struct {
	key string

	// lastAccess is guarded by Cache.mu.
	lastAccess time.Time

	mu       sync.Mutex
	messages []Message
}

type eviction struct {
	key   string
	cause EvictionCause
}

// Cache is a bounded LRU of session histories with idle expiry.
type Cache struct {
	cfg Config

	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List // front is most recently accessed
	created   int64
	evictions map[EvictionCause]int
	listeners []EvictionListener
}

// New creates a cache. Non-positive limits fall back to DefaultConfig.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		cfg:       cfg,
		entries:   make(map[string]*list.Element),
		lru:       list.New(),
		evictions: make(map[EvictionCause]int),
	}
	c.listeners = append(c.listeners, cfg.Listeners...)
	return c
}

// AddListener registers an eviction listener.
func (c *Cache) AddListener(l EvictionListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Get returns the last min(lastN, stored) messages in insertion order. A
// non-positive lastN returns none. Absent or expired sessions yield an empty
// slice.
func (c *Cache) Get(sessionID string, lastN int) []Message {
	e, evicted := c.lookup(sessionID, false)
	c.notify(evicted)
	if e == nil {
		return []Message{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if lastN <= 0 {
		return []Message{}
	}
	start := 0
	if len(e.messages) > lastN {
		start = len(e.messages) - lastN
	}
	out := make([]Message, 0, len(e.messages)-start)
	for _, m := range e.messages[start:] {
		out = append(out, m.Clone())
	}
	return out
}

// Append adds messages to a session, creating it on first use, and trims it
// to MaxMessages.
func (c *Cache) Append(sessionID string, msgs ...Message) {
	now := c.cfg.Now()
	c.Update(sessionID, func(history []Message) []Message {
		for _, m := range msgs {
			m = m.Clone()
			if m.CreatedAt.IsZero() {
				m.CreatedAt = now
			}
			history = append(history, m)
		}
		return history
	})
}

// Update applies fn to the session's history as one atomic step and stores the
// trimmed result. fn must not call back into the cache for the same session.
func (c *Cache) Update(sessionID string, fn func([]Message) []Message) {
	e, evicted := c.lookup(sessionID, true)
	c.notify(evicted)

	e.mu.Lock()
	defer e.mu.Unlock()

	current := make([]Message, len(e.messages))
	copy(current, e.messages)

	next := fn(current)
	if over := len(next) - c.cfg.MaxMessages; over > 0 {
		next = append([]Message(nil), next[over:]...)
	}
	e.messages = next
}

// Clear removes one session.
func (c *Cache) Clear(sessionID string) bool {
	c.mu.Lock()
	el, ok := c.entries[sessionID]
	var evicted []eviction
	if ok {
		evicted = append(evicted, c.removeLocked(el, EvictionExplicit))
	}
	c.mu.Unlock()

	c.notify(evicted)
	return ok
}

// ClearAll removes every session and resets counters.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	var evicted []eviction
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		evicted = append(evicted, c.removeLocked(el, EvictionExplicit))
		el = next
	}
	c.created = 0
	c.evictions = make(map[EvictionCause]int)
	if c.cfg.Gauge != nil {
		c.cfg.Gauge.Set(0)
	}
	c.mu.Unlock()

	c.notify(evicted)
	c.cfg.Logger.Info().Int("sessions", len(evicted)).Msg("Cleared all sessions")
}

// Sweep removes every expired session and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.cfg.Now()

	c.mu.Lock()
	var evicted []eviction
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if !c.expired(e, now) {
			// Entries in front are more recent.
			break
		}
		evicted = append(evicted, c.removeLocked(el, EvictionExpired))
		el = prev
	}
	c.mu.Unlock()

	c.notify(evicted)
	return len(evicted)
}

// Len returns the number of cached sessions, including ones that expired but
// have not been swept yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev := make(map[EvictionCause]int, len(c.evictions))
	for k, v := range c.evictions {
		ev[k] = v
	}
	return Stats{
		Active:      len(c.entries),
		MaxSessions: c.cfg.MaxSessions,
		MaxMessages: c.cfg.MaxMessages,
		Created:     c.created,
		Evictions:   ev,
	}
}

// MaxSessions returns the configured ceiling.
func (c *Cache) MaxSessions() int {
	return c.cfg.MaxSessions
}

// lookup finds the entry, dropping it if expired, and refreshes its access
// time. With create set, a missing entry is created, evicting the least
// recently used entries if the cache is full.
func (c *Cache) lookup(sessionID string, create bool) (*entry, []eviction) {
	now := c.cfg.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []eviction

	if el, ok := c.entries[sessionID]; ok {
		e := el.Value.(*entry)
		if !c.expired(e, now) {
			e.lastAccess = now
			c.lru.MoveToFront(el)
			return e, nil
		}
		evicted = append(evicted, c.removeLocked(el, EvictionExpired))
	}

	if !create {
		return nil, evicted
	}

	if len(c.entries) >= c.cfg.MaxSessions {
		c.cfg.Logger.Warn().
			Int("max_sessions", c.cfg.MaxSessions).
			Msg("Maximum sessions reached, evicting least recently used")
	}
	for len(c.entries) >= c.cfg.MaxSessions {
		evicted = append(evicted, c.removeLocked(c.lru.Back(), EvictionCapacity))
	}

	e := &entry{key: sessionID, lastAccess: now}
	c.entries[sessionID] = c.lru.PushFront(e)
	c.created++
	if c.cfg.Gauge != nil {
		c.cfg.Gauge.Inc()
	}
	c.cfg.Logger.Debug().Str("session_id", sessionID).Int("active", len(c.entries)).Msg("Session created")

	return e, evicted
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.lastAccess) > c.cfg.TTL
}

// removeLocked unlinks an entry; the map check in callers guarantees each
// entry is removed, and the gauge decremented, at most once.
func (c *Cache) removeLocked(el *list.Element, cause EvictionCause) eviction {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
	c.evictions[cause]++
	if c.cfg.Gauge != nil {
		c.cfg.Gauge.Dec()
	}
	return eviction{key: e.key, cause: cause}
}

// notify runs listeners outside the cache lock so they may call back in.
func (c *Cache) notify(evicted []eviction) {
	if len(evicted) == 0 {
		return
	}

	c.mu.Lock()
	listeners := append([]EvictionListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, ev := range evicted {
		c.cfg.Logger.Debug().
			Str("session_id", ev.key).
			Str("cause", string(ev.cause)).
			Msg("Session evicted")
		for _, l := range listeners {
			l.OnEvict(ev.key, ev.cause)
		}
	}
}
