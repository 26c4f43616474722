package couchkit

import (
	"context"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreaker guards a single cluster endpoint. The FailoverManager
// keeps one per endpoint so an unhealthy node is excluded from selection
// without affecting its peers.
//
// States:
//   - Closed: endpoint healthy, requests pass through
//   - Open: endpoint failing, excluded until the recovery timeout elapses
//   - Half-Open: probing whether the endpoint recovered
type CircuitBreaker struct {
	mu               sync.RWMutex
	failureThreshold int
	recoveryTimeout  time.Duration
	failures         int
	lastFailTime     time.Time
	state            string
	onStateChange    func(from, to string)
}

// NewCircuitBreaker creates a circuit breaker.
//
// Parameters:
//   - failureThreshold: consecutive failures before the circuit opens
//   - recoveryTimeout: time before an open circuit allows a half-open probe
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            CircuitClosed,
	}
}

// WithStateChangeCallback adds a callback for state transitions.
// Useful for metrics and logging.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Allow reports whether a request may go to this endpoint. An open circuit
// whose recovery timeout has elapsed transitions to half-open and lets one
// probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.recoveryTimeout {
			cb.setState(CircuitHalfOpen)
			return true
		}
		return false
	default: // half-open, closed
		return true
	}
}

// RecordFailure counts a failed request against the endpoint,
// opening the circuit once the threshold is reached
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Probe failed, back to open
		cb.setState(CircuitOpen)
		return
	}
	if cb.failures >= cb.failureThreshold && cb.state != CircuitOpen {
		cb.setState(CircuitOpen)
	}
}

// RecordSuccess counts a successful request, closing a half-open circuit
// and clearing the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitClosed)
	}
	cb.failures = 0
}

// Execute runs fn if the circuit allows it, recording the outcome.
// Returns ErrServiceUnavailable without calling fn when the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.Allow() {
		return WithContext(ErrServiceUnavailable, map[string]interface{}{
			"reason": "circuit breaker is open",
			"state":  cb.State(),
		})
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// setState transitions to a new state and triggers callback.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(oldState, newState)
	}
}

// State returns current circuit breaker state (closed, open, or half-open)
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(CircuitClosed)
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}
