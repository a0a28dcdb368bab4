package resolver

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

var breakerStateNames = [...]string{"closed", "open", "half-open"}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// ErrBreakerOpen refuses a call while the internal API is considered down.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after failureThreshold consecutive failures and
// refuses calls for the cool-down. It then admits up to successThreshold
// probe calls: that many successes close it again, any failure reopens it.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	coolDown         time.Duration
	now              func() time.Time

	mu       sync.Mutex
	state    BreakerState
	streak   int // consecutive failures when closed, successes when half-open
	probes   int // probe calls admitted in the current half-open period
	openedAt time.Time
	onChange func(BreakerState)
}

// NewCircuitBreaker creates a closed breaker. Non-positive arguments fall
// back to 5 failures, 2 successes and a 30s cool-down.
func NewCircuitBreaker(failureThreshold, successThreshold int, coolDown time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: max(failureThreshold, 0),
		successThreshold: max(successThreshold, 0),
		coolDown:         coolDown,
		now:              time.Now,
	}
	if cb.failureThreshold == 0 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold == 0 {
		cb.successThreshold = 2
	}
	if cb.coolDown <= 0 {
		cb.coolDown = 30 * time.Second
	}
	return cb
}

// OnStateChange sets fn to be told of every transition. fn runs under the
// breaker's lock and must not call back into it.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Allow reports whether a call may go ahead.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if cb.probes >= cb.successThreshold {
			return ErrBreakerOpen
		}
		cb.probes++
	}
	return nil
}

// Release hands back a probe slot taken by Allow for a call that ended
// without reaching the internal API, such as a cancelled request.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.current() == BreakerHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// RecordSuccess reports a call that reached a healthy internal API.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerClosed:
		cb.streak = 0
	case BreakerHalfOpen:
		if cb.streak++; cb.streak >= cb.successThreshold {
			cb.moveTo(BreakerClosed)
		}
	}
}

// RecordFailure reports a call that failed in transport or with a 5xx.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current() {
	case BreakerClosed:
		if cb.streak++; cb.streak >= cb.failureThreshold {
			cb.moveTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.moveTo(BreakerOpen)
	}
}

// State returns the breaker's position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current()
}

// current moves an open breaker whose cool-down has elapsed to half-open.
// Callers hold cb.mu.
func (cb *CircuitBreaker) current() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.coolDown {
		cb.moveTo(BreakerHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) moveTo(s BreakerState) {
	cb.state, cb.streak, cb.probes = s, 0, 0
	if s == BreakerOpen {
		cb.openedAt = cb.now()
	}
	if cb.onChange != nil {
		cb.onChange(s)
	}
}
