// Package ratelimit provides the per-pool token-bucket rate limiter.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate with the reconfigure-atomically and
// zero-means-unlimited semantics the router's pools need. TryAcquire is
// always non-blocking.
type Limiter struct {
	mu            sync.RWMutex
	limiter       *rate.Limiter
	ratePerMinute *int
}

// New creates a Limiter sized to ratePerMinute tokens, refilled uniformly
// across the minute. A nil or non-positive rate means unlimited.
func New(ratePerMinute *int) *Limiter {
	l := &Limiter{}
	l.set(ratePerMinute)
	return l
}

func (l *Limiter) set(ratePerMinute *int) {
	if ratePerMinute == nil || *ratePerMinute <= 0 {
		l.limiter = nil
		l.ratePerMinute = nil
		return
	}
	r := *ratePerMinute
	// Burst equals the full per-minute allotment so a freshly (re)configured
	// limiter does not itself impose an artificial startup throttle beyond
	// the configured rate.
	perSecond := rate.Limit(float64(r) / 60.0)
	l.limiter = rate.NewLimiter(perSecond, r)
	l.ratePerMinute = &r
}

// TryAcquire is a non-blocking token acquisition. Returns true if a token
// was available (or the limiter is unlimited), false if the caller must
// back off.
func (l *Limiter) TryAcquire() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}

// Tokens reports the number of tokens currently available without
// consuming one. Always positive for an unlimited limiter.
func (l *Limiter) Tokens() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.limiter == nil {
		return 1
	}
	return l.limiter.Tokens()
}

// Reconfigure atomically replaces the rate. In-flight acquisitions made
// before the swap are unaffected; they have already returned.
func (l *Limiter) Reconfigure(ratePerMinute *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set(ratePerMinute)
}

// RatePerMinute returns the currently configured rate, or nil if unlimited.
func (l *Limiter) RatePerMinute() *int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ratePerMinute == nil {
		return nil
	}
	r := *l.ratePerMinute
	return &r
}
