package upstream

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current disposition.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker wraps a fallible call with fail-fast behavior.
// Closed -> Open after failureThreshold consecutive failures;
// Open -> HalfOpen once recoveryTimeout has elapsed; HalfOpen -> Closed
// on one success, back to Open on one failure. While Open every call
// fails immediately with CIRCUIT_BREAKER_OPEN.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	openedAt         time.Time
	probing          bool
	failureThreshold int
	recoveryTimeout  time.Duration
	onStateChange    func(BreakerState)
}

// NewCircuitBreaker defaults to threshold 5, recovery 30s.
// onStateChange may be nil; it is invoked outside the lock-free hot
// path but while holding the breaker lock, so keep it cheap.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, onStateChange func(BreakerState)) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *CircuitBreaker) setStateLocked(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	if cb.onStateChange != nil {
		cb.onStateChange(s)
	}
}

// allow decides whether a call may proceed. In Open it admits exactly
// one probe after the recovery timeout; the probing flag keeps
// concurrent callers from racing through the half-open window.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(cb.openedAt) >= cb.recoveryTimeout {
			cb.setStateLocked(BreakerHalfOpen)
			cb.probing = true
			return nil
		}
		return newError(CodeCircuitOpen, "upstream circuit breaker is open", nil)
	case BreakerHalfOpen:
		if cb.probing {
			return newError(CodeCircuitOpen, "recovery probe already in flight", nil)
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.probing = false
		cb.setStateLocked(BreakerClosed)
		return
	}

	cb.probing = false
	cb.failures++
	if cb.state == BreakerHalfOpen || cb.failures >= cb.failureThreshold {
		cb.openedAt = time.Now()
		cb.setStateLocked(BreakerOpen)
	}
}

// Execute runs fn under the breaker's state machine.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current state for health reporting.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && time.Since(cb.openedAt) >= cb.recoveryTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}
