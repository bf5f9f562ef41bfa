// Package breaker provides the per-pool circuit breaker around the
// Mediator's HTTP call. One instance is constructed per pool — never
// shared across pools, so a misbehaving target for one pool cannot
// suppress another (see spec design note in SPEC_FULL.md §9).
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/router/internal/common/metrics"
)

// ErrCallNotPermitted is returned by Execute when the breaker is open (or
// half-open and out of probe slots). The Mediator translates this into
// Nack{60,"circuit open"}.
var ErrCallNotPermitted = errors.New("circuit breaker: call not permitted")

const (
	failureRatioThreshold = 0.5
	minimumCallsToTrip    = 5
	windowSize            = 10
	openDuration          = 30 * time.Second
	halfOpenProbes        = 3
)

// Breaker wraps a gobreaker.CircuitBreaker with the spec's exact parameters:
// 50% failure ratio over a 10-call sliding window, minimum 5 calls before
// evaluation, 30s open duration, 3 probes in half-open.
//
// gobreaker's own Counts are cumulative since the last state transition, not
// a fixed-size window — a pool that has run cleanly for hours and then hits
// a burst of failures would have that burst diluted against its entire
// history. window gives ReadyToTrip a true last-N-calls view independent of
// gobreaker's internal counters, which still drive the open/half-open/closed
// state machine itself.
type Breaker struct {
	poolCode string
	cb       *gobreaker.CircuitBreaker

	mu      sync.Mutex
	window  [windowSize]bool // true = that call failed
	filled  int              // number of valid entries (caps at windowSize)
	next    int              // ring cursor
}

// New constructs a Breaker scoped to one pool.
func New(poolCode string) *Breaker {
	b := &Breaker{poolCode: poolCode}

	settings := gobreaker.Settings{
		Name:        poolCode,
		MaxRequests: halfOpenProbes,
		Interval:    0, // gobreaker's own Counts reset only on state transition
		Timeout:     openDuration,
		ReadyToTrip: func(gobreaker.Counts) bool {
			ratio, n := b.windowFailureRatio()
			if n < minimumCallsToTrip {
				return false
			}
			return ratio >= failureRatioThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("pool circuit breaker state change", "pool", poolCode, "from", from.String(), "to", to.String())
			metrics.MediatorCircuitBreakerState.WithLabelValues(poolCode).Set(stateValue(to))
			if to == gobreaker.StateOpen {
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(poolCode).Inc()
			}
			// A state transition ends one evaluation period and starts the
			// next, so the window (like gobreaker's own Counts) starts over.
			b.resetWindow()
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func (b *Breaker) recordResult(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window[b.next] = failed
	b.next = (b.next + 1) % windowSize
	if b.filled < windowSize {
		b.filled++
	}
}

func (b *Breaker) resetWindow() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filled = 0
	b.next = 0
}

// windowFailureRatio returns the failure ratio over the last n calls
// (n <= windowSize) recorded so far in the current evaluation period.
func (b *Breaker) windowFailureRatio() (ratio float64, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n = b.filled
	if n == 0 {
		return 0, 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(n), n
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return float64(metrics.CircuitBreakerOpen)
	case gobreaker.StateHalfOpen:
		return float64(metrics.CircuitBreakerHalfOpen)
	default:
		return float64(metrics.CircuitBreakerClosed)
	}
}

// Execute runs fn through the breaker. If the breaker rejects the call
// (open, or half-open with no probe slots), it returns ErrCallNotPermitted
// without invoking fn. The caller reports the outcome via fn's own return
// value — a non-nil error counts as a breaker failure, nil as a success.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callErr := fn()
		b.recordResult(callErr != nil)
		return nil, callErr
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCallNotPermitted
	}
	return err
}

// State returns the current breaker state for diagnostics.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
