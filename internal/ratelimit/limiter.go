package ratelimit

import (
	"sync/atomic"
)

// Limiter caps the number of concurrent client connections.
// The cap can be changed while connections are live; a lower cap only affects
// new admissions.
type Limiter struct {
	max     atomic.Int64
	current atomic.Int64
}

// NewLimiter creates a limiter admitting at most maxConns connections
func NewLimiter(maxConns int64) *Limiter {
	l := &Limiter{}
	l.max.Store(maxConns)
	return l
}

// Allow reserves a slot, reporting false when the cap is reached
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

// Release returns a slot taken by Allow
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// Current returns the number of held slots
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the cap
func (l *Limiter) Max() int64 {
	return l.max.Load()
}

// SetMax changes the cap and returns the previous one
func (l *Limiter) SetMax(maxConns int64) int64 {
	return l.max.Swap(maxConns)
}
