package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_StateTransitions(t *testing.T) {
	breaker := NewBreaker("10.0.0.2:8080", 3, 100*time.Millisecond)
	assert.Equal(t, StateClosed, breaker.State())

	breaker.RecordFailure()
	breaker.RecordFailure()
	assert.Equal(t, StateClosed, breaker.State(), "two failures keep the breaker closed")

	breaker.RecordFailure()
	assert.Equal(t, StateOpen, breaker.State())
	assert.False(t, breaker.Allow())

	time.Sleep(150 * time.Millisecond)

	assert.True(t, breaker.Allow(), "first request after cooldown is the probe")
	assert.Equal(t, StateHalfOpen, breaker.State())
	assert.False(t, breaker.Allow(), "only one probe while half-open")

	breaker.RecordSuccess()
	assert.Equal(t, StateClosed, breaker.State())
	assert.True(t, breaker.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	breaker := NewBreaker("peer", 1, 50*time.Millisecond)
	breaker.RecordFailure()
	assert.Equal(t, StateOpen, breaker.State())

	time.Sleep(80 * time.Millisecond)
	assert.True(t, breaker.Allow())

	breaker.RecordFailure()
	assert.Equal(t, StateOpen, breaker.State())
	assert.False(t, breaker.Allow())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	breaker := NewBreaker("peer", 2, time.Second)
	breaker.RecordFailure()
	breaker.RecordSuccess()
	breaker.RecordFailure()
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_OnStateChange(t *testing.T) {
	breaker := NewBreaker("peer", 1, 20*time.Millisecond)

	var transitions []string
	breaker.OnStateChange(func(name string, from, to State) {
		assert.Equal(t, "peer", name)
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	breaker.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	breaker.Allow()
	breaker.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
