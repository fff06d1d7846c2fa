package robust

import (
	"sync"
	"time"
)

// BreakerState mirrors the teacher's per-resource CircuitBreaker
// states, but spec §4.6 scopes the breaker to the whole Robust Layer
// rather than one per peer/resource.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const defaultFailureThreshold = 5
const defaultHalfOpenSuccessThreshold = 3
const defaultRecoveryTimeout = 60 * time.Second

// circuitBreaker is the single process-wide breaker guarding
// robust_send (spec §4.6).
type circuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time

	failureThreshold         int
	halfOpenSuccessThreshold int
	recoveryTimeout          time.Duration
}

func newCircuitBreaker(now func() time.Time) *circuitBreaker {
	return &circuitBreaker{
		now:                      now,
		failureThreshold:         defaultFailureThreshold,
		halfOpenSuccessThreshold: defaultHalfOpenSuccessThreshold,
		recoveryTimeout:          defaultRecoveryTimeout,
	}
}

// configure overrides the breaker's thresholds; a non-positive value
// leaves the corresponding field unchanged.
func (b *circuitBreaker) configure(failureThreshold, halfOpenSuccessThreshold int, recoveryTimeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if failureThreshold > 0 {
		b.failureThreshold = failureThreshold
	}
	if halfOpenSuccessThreshold > 0 {
		b.halfOpenSuccessThreshold = halfOpenSuccessThreshold
	}
	if recoveryTimeout > 0 {
		b.recoveryTimeout = recoveryTimeout
	}
}

// allow transitions open -> half_open once the recovery timeout has
// elapsed and reports whether an attempt may proceed.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) > b.recoveryTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		b.failures = 0
	}
	return b.state != BreakerOpen
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.halfOpenSuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
		}
	}
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = BreakerOpen
			b.lastFailure = b.now()
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.lastFailure = b.now()
	}
}

func (b *circuitBreaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
