package fabric

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glancehq/glance/internal/types"
)

// CircuitBreaker short-circuits operations once a failure threshold is
// crossed. There is no separate half-open state: once the reset window
// elapses the next call is attempted and a success resets the counter.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	threshold   int
	resetAfter  time.Duration
	failures    int
	lastFailure time.Time

	// now is swappable for tests
	now func() time.Time
}

// BreakerState is a point-in-time snapshot of breaker state.
type BreakerState struct {
	IsOpen        bool      `json:"isOpen"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and re-attempts after resetAfter has elapsed.
func NewCircuitBreaker(name string, threshold int, resetAfter time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:       name,
		threshold:  threshold,
		resetAfter: resetAfter,
		now:        time.Now,
	}
}

// Do executes op unless the breaker is open, in which case it fails fast
// with ErrCircuitOpen without invoking op.
func (cb *CircuitBreaker) Do(op func() error) error {
	cb.mu.Lock()
	if cb.isOpenLocked() {
		cb.mu.Unlock()
		log.Debug().Str("breaker", cb.name).Msg("Circuit open, failing fast")
		return types.ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := op()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.failures == cb.threshold {
			log.Warn().
				Str("breaker", cb.name).
				Int("failures", cb.failures).
				Dur("reset_after", cb.resetAfter).
				Msg("Circuit breaker opened")
		}
		return err
	}

	if cb.failures > 0 {
		log.Info().
			Str("breaker", cb.name).
			Int("failures", cb.failures).
			Msg("Circuit breaker reset after success")
	}
	cb.failures = 0
	return nil
}

// isOpenLocked reports open state; caller holds cb.mu.
// The reset window elapsing makes the breaker eligible for a new attempt.
func (cb *CircuitBreaker) isOpenLocked() bool {
	return cb.failures >= cb.threshold && cb.now().Sub(cb.lastFailure) <= cb.resetAfter
}

// State returns a snapshot of the breaker.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerState{
		IsOpen:        cb.isOpenLocked(),
		Failures:      cb.failures,
		LastFailureAt: cb.lastFailure,
	}
}
