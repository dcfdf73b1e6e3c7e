package admission

import (
	"sync"
	"time"

	"github.com/kernelforge/kernelforge/observability"
)

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitHalfOpen                     // testing recovery
	CircuitOpen                         // rejecting new requests
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker sheds load when the queue or the worker pool saturates.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.Mutex

	queueThreshold      int
	saturationThreshold float64
	cooldownPeriod      time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:               CircuitClosed,
		queueThreshold:      queueThreshold,
		saturationThreshold: 0.95,
		cooldownPeriod:      30 * time.Second,
		testLimit:           5,
	}
}

// ShouldAdmit decides whether a new request may enter the queue.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int, workerSaturation float64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.setState(CircuitHalfOpen)
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if queueDepth < cb.queueThreshold/2 && workerSaturation < cb.saturationThreshold {
			cb.setState(CircuitClosed)
			return true
		}
		return false
	}

	if queueDepth > cb.queueThreshold || workerSaturation > cb.saturationThreshold {
		cb.setState(CircuitOpen)
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess closes a half-open circuit once enough test traffic passed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.setState(CircuitClosed)
	}
}

// RecordFailure re-opens a half-open circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitOpen)
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setState transitions and refreshes the state gauge. Caller holds cb.mu.
func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	for _, st := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if st == s {
			v = 1.0
		}
		observability.CircuitState.WithLabelValues(st.String()).Set(v)
	}
}
