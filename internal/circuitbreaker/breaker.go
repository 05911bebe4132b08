package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker opens after maxFailures consecutive failures and lets one probe
// through once cooldown has elapsed.
type Breaker struct {
	name        string
	maxFailures int64
	cooldown    time.Duration
	onChange    func(name string, from, to State)

	mu          sync.Mutex
	state       int32 // State (atomic)
	failures    int64 // consecutive failures (atomic)
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a new circuit breaker
func NewBreaker(name string, maxFailures int64, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       int32(StateClosed),
	}
}

// OnStateChange registers a hook called after every transition
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.onChange = fn
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a request may proceed
func (b *Breaker) Allow() bool {
	switch State(atomic.LoadInt32(&b.state)) {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.Lock()
		defer b.mu.Unlock()
		if time.Since(b.lastFailure) < b.cooldown {
			return false
		}
		if !atomic.CompareAndSwapInt32(&b.state, int32(StateOpen), int32(StateHalfOpen)) {
			return false
		}
		b.probing = true
		b.notify(StateOpen, StateHalfOpen)
		return true
	case StateHalfOpen:
		// Only the probe admitted on the open -> half-open edge goes through
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	atomic.StoreInt64(&b.failures, 0)
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
	b.transition(StateHalfOpen, StateClosed)
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	failures := atomic.AddInt64(&b.failures, 1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.probing = false
	b.mu.Unlock()

	if b.transition(StateHalfOpen, StateOpen) {
		return
	}
	if failures >= b.maxFailures {
		b.transition(StateClosed, StateOpen)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *Breaker) transition(from, to State) bool {
	if !atomic.CompareAndSwapInt32(&b.state, int32(from), int32(to)) {
		return false
	}
	b.notify(from, to)
	return true
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
