package notify

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects deliveries.
var ErrCircuitOpen = errors.New("notify: circuit breaker is open")

// BreakerState is the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every delivery through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probes through until enough succeed.
	BreakerHalfOpen
	// BreakerOpen rejects deliveries until the timeout passes.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after a run of consecutive failures and probes the
// endpoint again once the open timeout has elapsed. It is safe for
// concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	now      func() time.Time
	onChange func(BreakerState)
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments fall
// back to 5 failures, 2 successes and 30s. onChange, if set, is called with
// every new state while the breaker lock is held; it must not call back
// into the breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration, onChange func(BreakerState)) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
		onChange:         onChange,
	}
}

// Allow returns ErrCircuitOpen if the delivery should be skipped.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()
	if cb.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a delivered notification.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a failed delivery.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.open()
		}
	case BreakerHalfOpen:
		// A failed probe reopens immediately.
		cb.open()
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// must be called with cb.mu held.
func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.setState(BreakerOpen)
}

// must be called with cb.mu held.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.timeout {
		cb.successes = 0
		cb.setState(BreakerHalfOpen)
	}
}

// must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onChange != nil {
		cb.onChange(s)
	}
}
