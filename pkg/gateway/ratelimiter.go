package gateway

import (
	"sync"
	"time"
)

const (
	reasonConcurrent = "too many concurrent requests"
	reasonRateLimit  = "rate limit exceeded"
)

// ClientRateLimiter implements sliding window rate limiting per client. A
// non-positive requestsPerMinute disables the window check.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	lastSeen           time.Time
	now                func() time.Time
}

// NewClientRateLimiter creates a rate limiter with custom limits
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return newClientRateLimiter(requestsPerMinute, maxConcurrent, time.Now)
}

func newClientRateLimiter(requestsPerMinute, maxConcurrent int, now func() time.Time) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		requests:          make([]time.Time, 0),
		lastSeen:          now(),
		now:               now,
	}
}

// CheckRequestAllowed checks if a request is allowed under rate limits
func (r *ClientRateLimiter) CheckRequestAllowed() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(r.now())
}

// Acquire admits a request and records its start in one step. The returned
// release must be called when the request ends; it is nil when the request
// was rejected with reason.
func (r *ClientRateLimiter) Acquire() (release func(), reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastSeen = now
	if ok, reason := r.checkLocked(now); !ok {
		return nil, reason
	}
	r.requests = append(r.requests, now)
	r.concurrentRequests++

	var once sync.Once
	return func() { once.Do(r.RecordRequestEnd) }, ""
}

func (r *ClientRateLimiter) checkLocked(now time.Time) (bool, string) {
	if r.maxConcurrent > 0 && r.concurrentRequests >= r.maxConcurrent {
		return false, reasonConcurrent
	}
	r.pruneLocked(now)
	if r.requestsPerMinute > 0 && len(r.requests) >= r.requestsPerMinute {
		return false, reasonRateLimit
	}
	return true, ""
}

// pruneLocked drops requests that left the one-minute window.
func (r *ClientRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	r.requests = r.requests[i:]
}

// RecordRequestStart records the start of a request
func (r *ClientRateLimiter) RecordRequestStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, r.now())
	r.concurrentRequests++
}

// RecordRequestEnd records the end of a request
func (r *ClientRateLimiter) RecordRequestEnd() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	return len(r.requests), r.concurrentRequests
}

func (r *ClientRateLimiter) idleSince(now time.Time, idle time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests == 0 && now.Sub(r.lastSeen) > idle
}

// RateLimiters keeps one ClientRateLimiter per client key.
type RateLimiters struct {
	mu                sync.Mutex
	limiters          map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
	now               func() time.Time
}

// NewRateLimiters creates a per-client limiter set.
func NewRateLimiters(requestsPerMinute, maxConcurrent int) *RateLimiters {
	return &RateLimiters{
		limiters:          make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// For returns the limiter of key, creating it on first use.
func (l *RateLimiters) For(key string) *ClientRateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		limiter = newClientRateLimiter(l.requestsPerMinute, l.maxConcurrent, l.now)
		l.limiters[key] = limiter
	}
	return limiter
}

// Prune drops limiters of clients without requests for longer than idle.
func (l *RateLimiters) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, limiter := range l.limiters {
		if limiter.idleSince(now, idle) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *RateLimiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
