package redislock

import (
	"sync"
	"time"
)

const (
	stateClosed = "closed"
	stateOpen   = "open"
)

// circuitBreaker trips after failureThreshold consecutive Redis
// failures and stops sending traffic to Redis (falling back to local
// locking, when enabled) until resetTimeout has passed.
type circuitBreaker struct {
	mu               sync.Mutex
	failureCount     int
	failureThreshold int
	resetTimeout     time.Duration
	lastFailure      time.Time
	state            string
}

func newCircuitBreaker(failureThreshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            stateClosed,
	}
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.failureThreshold {
		cb.state = stateOpen
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = stateClosed
}

func (cb *circuitBreaker) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen && time.Since(cb.lastFailure) > cb.resetTimeout {
		cb.state = stateClosed
		cb.failureCount = 0
	}
	return cb.state == stateOpen
}
