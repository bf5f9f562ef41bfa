package breaker

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
)

var errProbe = errors.New("probe failure")

func TestBreakerStaysClosedBelowMinimumCalls(t *testing.T) {
	b := New("pool-a")

	for i := 0; i < minimumCallsToTrip-1; i++ {
		_ = b.Execute(func() error { return errProbe })
	}

	if b.State() != gobreaker.StateClosed {
		t.Fatalf("expected breaker to stay closed below the minimum call count, got %v", b.State())
	}
}

func TestBreakerTripsOnFailureBurstWithinWindow(t *testing.T) {
	b := New("pool-b")

	for i := 0; i < minimumCallsToTrip; i++ {
		_ = b.Execute(func() error { return errProbe })
	}

	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker to trip after %d consecutive failures, got %v", minimumCallsToTrip, b.State())
	}
}

// TestBreakerWindowIsNotDilutedByPriorSuccesses is the scenario the window
// exists for: a long run of clean calls must not dilute a subsequent burst
// of failures against the pool's entire history. A naive implementation
// built on gobreaker's cumulative Counts (reset only on state transition)
// would see 5 failures out of 25 total calls — a 20% ratio, well under the
// 50% threshold — and never trip.
func TestBreakerWindowIsNotDilutedByPriorSuccesses(t *testing.T) {
	b := New("pool-c")

	for i := 0; i < 20; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("unexpected error on success call %d: %v", i, err)
		}
	}
	if b.State() != gobreaker.StateClosed {
		t.Fatalf("expected breaker to remain closed after successes, got %v", b.State())
	}

	for i := 0; i < minimumCallsToTrip; i++ {
		_ = b.Execute(func() error { return errProbe })
	}

	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected the last-%d-call window to trip on a 50%% failure burst regardless of prior history, got %v", windowSize, b.State())
	}
}

func TestBreakerRejectsFastWhileOpen(t *testing.T) {
	b := New("pool-d")

	for i := 0; i < minimumCallsToTrip; i++ {
		_ = b.Execute(func() error { return errProbe })
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected breaker to be open, got %v", b.State())
	}

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})

	if !errors.Is(err, ErrCallNotPermitted) {
		t.Fatalf("expected ErrCallNotPermitted while open, got %v", err)
	}
	if called {
		t.Error("fn must not be invoked while the breaker is open")
	}
}

func TestBreakerStaysClosedOnMixedResultsBelowThreshold(t *testing.T) {
	b := New("pool-e")

	results := []error{nil, nil, nil, errProbe, nil, nil, nil, errProbe, nil, nil}
	for _, r := range results {
		err := r
		_ = b.Execute(func() error { return err })
	}

	if b.State() != gobreaker.StateClosed {
		t.Fatalf("expected breaker to stay closed at a 20%% failure ratio, got %v", b.State())
	}
}
