package chatserver

import (
	"sync"
	"time"
)

// Default per-client limits.
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10
)

// Rejection reasons returned by Allow.
const (
	reasonConcurrent = "too many concurrent requests"
	reasonRate       = "rate limit exceeded"
)

// RateLimiter implements sliding window rate limiting for one client.
type RateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	lastSeen           time.Time
}

// NewRateLimiter creates a limiter with the default limits.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewRateLimiterWithLimits creates a limiter with custom limits.
func NewRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		lastSeen:          time.Now(),
	}
}

// Acquire admits a request and counts it, or returns the rejection reason.
// Every admitted request must be paired with Release.
func (r *RateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.lastSeen = now

	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonConcurrent
	}

	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false, reasonRate
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++
	return true, ""
}

// Release marks the end of an admitted request.
func (r *RateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// Stats returns requests in the current window and in-flight requests.
func (r *RateLimiter) Stats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.requests), r.concurrentRequests
}

func (r *RateLimiter) idleSince(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests == 0 && r.lastSeen.Before(cutoff)
}

// prune drops requests older than one minute. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.requests = valid
}

// limiterSet hands out one RateLimiter per client address.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rpm      int
	inFlight int
}

func newLimiterSet(rpm, inFlight int) *limiterSet {
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	if inFlight <= 0 {
		inFlight = DefaultMaxConcurrent
	}
	return &limiterSet{limiters: make(map[string]*RateLimiter), rpm: rpm, inFlight: inFlight}
}

func (s *limiterSet) get(addr string) *RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[addr]
	if !ok {
		l = NewRateLimiterWithLimits(s.rpm, s.inFlight)
		s.limiters[addr] = l
	}
	return l
}

// sweep forgets limiters idle for longer than the window.
func (s *limiterSet) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-2 * time.Minute)
	removed := 0
	for addr, l := range s.limiters {
		if l.idleSince(cutoff) {
			delete(s.limiters, addr)
			removed++
		}
	}
	return removed
}
