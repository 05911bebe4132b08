package ratelimit

import (
	"sync/atomic"
)

// Limiter caps the number of concurrent WebSocket connections.
// The cap can be changed at runtime; lowering it never evicts
// connections that were already admitted.
type Limiter struct {
	max     atomic.Int64
	current atomic.Int64
}

// NewLimiter creates a new connection limiter
func NewLimiter(maxConns int64) *Limiter {
	l := &Limiter{}
	l.max.Store(maxConns)
	return l
}

// Allow reserves a slot, reporting false when the limiter is full
func (l *Limiter) Allow() bool {
	for {
		current := l.current.Load()
		if current >= l.max.Load() {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a slot reserved by Allow
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// SetMax changes the cap
func (l *Limiter) SetMax(maxConns int64) {
	l.max.Store(maxConns)
}

// Current returns the number of reserved slots
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the cap
func (l *Limiter) Max() int64 {
	return l.max.Load()
}
