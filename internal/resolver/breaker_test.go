package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppedBreaker returns a breaker driven by a manual clock.
func steppedBreaker(failures, successes int, coolDown time.Duration) (*CircuitBreaker, func(time.Duration)) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(failures, successes, coolDown)
	cb.now = func() time.Time { return at }
	return cb, func(d time.Duration) { at = at.Add(d) }
}

func TestCircuitBreaker_tripsOnConsecutiveFailures(t *testing.T) {
	cb, _ := steppedBreaker(3, 2, time.Minute)
	require.Equal(t, BreakerClosed, cb.State())
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State(), "a success breaks the streak")

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)
}

func TestCircuitBreaker_recoversThroughProbes(t *testing.T) {
	cb, advance := steppedBreaker(1, 2, time.Minute)
	cb.RecordFailure()

	advance(30 * time.Second)
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen, "still cooling down")

	advance(31 * time.Second)
	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen, "only successThreshold probes are admitted")
	assert.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_failedProbeReopens(t *testing.T) {
	cb, advance := steppedBreaker(1, 2, time.Minute)
	cb.RecordFailure()
	advance(2 * time.Minute)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)
}

func TestCircuitBreaker_notifiesTransitions(t *testing.T) {
	cb, advance := steppedBreaker(1, 1, time.Second)
	var seen []BreakerState
	cb.OnStateChange(func(s BreakerState) { seen = append(seen, s) })

	cb.RecordFailure()
	advance(2 * time.Second)
	_ = cb.Allow()
	cb.RecordSuccess()

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, seen)
}

func TestNewCircuitBreaker_defaults(t *testing.T) {
	cb := NewCircuitBreaker(0, -1, 0)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 2, cb.successThreshold)
	assert.Equal(t, 30*time.Second, cb.coolDown)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
	assert.Equal(t, "unknown", BreakerState(-1).String())
}

func TestCircuitBreaker_releaseReturnsProbeSlot(t *testing.T) {
	cb, advance := steppedBreaker(1, 1, time.Minute)
	cb.RecordFailure()
	advance(2 * time.Minute)

	require.NoError(t, cb.Allow())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)

	cb.Release()
	require.NoError(t, cb.Allow(), "a released slot is admitted again")
	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
}
