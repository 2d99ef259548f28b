package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/benbjohnson/clock"
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

// Breaker implements circuit breaker pattern
type Breaker struct {
	name        string
	maxFailures int64
	timeout     time.Duration
	clock       clock.Clock
	mu          sync.RWMutex
	state       int32 // State (atomic)
	failures    int64 // Failure count (atomic)
	lastFailure time.Time
}

// Option configures a Breaker
type Option func(*Breaker)

// WithClock sets the clock used for the open timeout
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		b.clock = c
	}
}

// WithName exports the breaker state under the given backend label
func WithName(name string) Option {
	return func(b *Breaker) {
		b.name = name
	}
}

// NewBreaker creates a new circuit breaker
func NewBreaker(maxFailures int64, timeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		clock:       clock.New(),
		state:       int32(StateClosed),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.export(StateClosed)
	return b
}

// Allow checks if the circuit breaker allows the request
func (b *Breaker) Allow() bool {
	state := State(atomic.LoadInt32(&b.state))

	switch state {
	case StateClosed:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailure
		b.mu.RUnlock()
		if b.clock.Since(lastFailure) >= b.timeout {
			// Try to transition to half-open
			if atomic.CompareAndSwapInt32(&b.state, int32(StateOpen), int32(StateHalfOpen)) {
				atomic.StoreInt64(&b.failures, 0)
				b.export(StateHalfOpen)
				return true
			}
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	atomic.StoreInt64(&b.failures, 0)
	if atomic.CompareAndSwapInt32(&b.state, int32(StateHalfOpen), int32(StateClosed)) {
		b.export(StateClosed)
	}
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	failures := atomic.AddInt64(&b.failures, 1)
	b.mu.Lock()
	b.lastFailure = b.clock.Now()
	b.mu.Unlock()

	if failures >= b.maxFailures {
		// Transition to open
		atomic.StoreInt32(&b.state, int32(StateOpen))
		b.export(StateOpen)
	}
}

// Trip opens the breaker immediately, regardless of the failure count
func (b *Breaker) Trip() {
	b.mu.Lock()
	b.lastFailure = b.clock.Now()
	b.mu.Unlock()
	atomic.StoreInt64(&b.failures, b.maxFailures)
	atomic.StoreInt32(&b.state, int32(StateOpen))
	b.export(StateOpen)
}

// State returns the current state
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *Breaker) export(s State) {
	if b.name != "" {
		metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(s))
	}
}
