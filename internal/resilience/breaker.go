package resilience

import (
	"sync"
	"time"
)

// BreakerState is the reported state of a CircuitBreaker.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

const (
	// defaultFailureThreshold is the consecutive-failure count that opens
	// the circuit.
	defaultFailureThreshold = 3
	// defaultCooldown is how long the circuit stays open before allowing
	// one half-open probe.
	defaultCooldown = 60 * time.Second
)

// CircuitBreaker is a consecutive-failure state machine protecting a flaky
// dependency. Closed passes all calls; three consecutive failures open it;
// after the cooldown one probe is let through in half-open; a success
// closes it again. The breaker only reports — callers decide what an open
// circuit means for their dispatch.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the default threshold (3)
// and cooldown (60s).
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: defaultFailureThreshold,
		cooldown:  defaultCooldown,
		now:       time.Now,
	}
}

// RecordFailure counts one failure. Reaching the threshold opens the
// circuit; in half-open a single failure re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// RecordSuccess resets the failure counter and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = StateClosed
}

// IsOpen reports whether calls should currently be blocked. Once the
// cooldown has elapsed since the circuit opened it returns false exactly
// once, transitioning to half-open so a single probe can go through.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return false
	}
	if cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = StateHalfOpen
		return false
	}
	return true
}

// State returns the current reported state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset force-closes the breaker and clears the failure counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = StateClosed
}
