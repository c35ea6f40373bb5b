package fabric

import (
	"errors"
	"testing"
	"time"

	"github.com/glancehq/glance/internal/types"
)

// fakeClock lets tests advance breaker time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("test", threshold, reset)
	cb.now = clock.now
	return cb, clock
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	fail := errors.New("fail")

	for i := 0; i < 2; i++ {
		if err := cb.Do(func() error { return fail }); !errors.Is(err, fail) {
			t.Fatalf("expected operation error, got %v", err)
		}
	}
	if cb.State().IsOpen {
		t.Error("breaker should stay closed below threshold")
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	fail := errors.New("fail")

	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return fail })
	}
	if !cb.State().IsOpen {
		t.Fatal("breaker should be open at threshold")
	}

	// Open breaker fails fast without invoking the operation.
	called := false
	err := cb.Do(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, types.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("operation must not run while breaker is open")
	}
}

func TestBreakerReattemptsAfterResetWindow(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	fail := errors.New("fail")

	_ = cb.Do(func() error { return fail })
	_ = cb.Do(func() error { return fail })
	if !cb.State().IsOpen {
		t.Fatal("breaker should be open")
	}

	clock.advance(61 * time.Second)
	if cb.State().IsOpen {
		t.Fatal("breaker should allow a new attempt after the reset window")
	}

	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected attempt to run, got %v", err)
	}
	state := cb.State()
	if state.Failures != 0 {
		t.Errorf("success should reset failures, got %d", state.Failures)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	fail := errors.New("fail")

	_ = cb.Do(func() error { return fail })
	_ = cb.Do(func() error { return fail })
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	// The counter is back at zero; two more failures stay under threshold.
	_ = cb.Do(func() error { return fail })
	_ = cb.Do(func() error { return fail })
	if cb.State().IsOpen {
		t.Error("breaker should not open, counter was reset by success")
	}
}
