package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 60
	defaultMaxConcurrent     = 10
)

// IntakeLimiter bounds objective intake with a sliding one-minute window
// and a concurrency cap. Objectives are the only expensive surface;
// queries and streams are bounded by the event log itself.
type IntakeLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
}

// NewIntakeLimiter creates a limiter; non-positive limits take defaults.
func NewIntakeLimiter(requestsPerMinute, maxConcurrent int) *IntakeLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &IntakeLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

// Acquire admits one objective or reports why it cannot. Every Acquire
// that returns true must be paired with Release.
func (l *IntakeLimiter) Acquire() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.maxConcurrent {
		return false, "too many concurrent objectives"
	}

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := l.requests[:0]
	for _, t := range l.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.requests = kept

	if len(l.requests) >= l.requestsPerMinute {
		return false, "rate limit exceeded"
	}

	l.requests = append(l.requests, now)
	l.inFlight++
	return true, ""
}

// Release completes one admitted objective.
func (l *IntakeLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}
