package ratelimit

import (
	"sync"
	"time"
)

const (
	rateWindow      = time.Second
	cleanupInterval = 5 * time.Minute
)

// IPLimiter limits concurrent connections and the connect rate per client IP
type IPLimiter struct {
	mu            sync.Mutex
	maxConnsPerIP int
	ratePerSecond int
	clients       map[string]*ipState
	lastCleanup   time.Time
	now           func() time.Time
}

type ipState struct {
	conns  int
	recent []time.Time // connect attempts admitted within rateWindow
}

// NewIPLimiter creates a new per-IP limiter
func NewIPLimiter(maxConnsPerIP, ratePerSecond int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		ratePerSecond: ratePerSecond,
		clients:       make(map[string]*ipState),
		lastCleanup:   time.Now(),
		now:           time.Now,
	}
}

// SetLimits changes both limits
func (l *IPLimiter) SetLimits(maxConnsPerIP, ratePerSecond int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxConnsPerIP = maxConnsPerIP
	l.ratePerSecond = ratePerSecond
}

// Allow admits a connection from ip, reporting which limit refused it otherwise
func (l *IPLimiter) Allow(ip string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}

	st, ok := l.clients[ip]
	if !ok {
		st = &ipState{}
		l.clients[ip] = st
	}

	if st.conns >= l.maxConnsPerIP {
		return false, "ip_limit"
	}

	st.recent = trimBefore(st.recent, now.Add(-rateWindow))
	if len(st.recent) >= l.ratePerSecond {
		return false, "rate_limit"
	}

	st.recent = append(st.recent, now)
	st.conns++
	return true, ""
}

// Release releases a connection admitted for ip
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.clients[ip]; ok && st.conns > 0 {
		st.conns--
	}
}

// Stats returns the open connections and recent connect attempts for ip
func (l *IPLimiter) Stats(ip string) (conns int, recent int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[ip]
	if !ok {
		return 0, 0
	}
	return st.conns, len(trimBefore(st.recent, l.now().Add(-rateWindow)))
}

func (l *IPLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rateWindow)
	for ip, st := range l.clients {
		st.recent = trimBefore(st.recent, cutoff)
		if st.conns == 0 && len(st.recent) == 0 {
			delete(l.clients, ip)
		}
	}
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	valid := 0
	for _, t := range ts {
		if t.After(cutoff) {
			ts[valid] = t
			valid++
		}
	}
	return ts[:valid]
}
