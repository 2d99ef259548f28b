package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jellydator/ttlcache/v3"
)

// trackerTTL is how long an idle IP keeps its rate history
const trackerTTL = 5 * time.Minute

// IPLimiter limits connections per IP address
type IPLimiter struct {
	maxConnsPerIP int
	rateLimit     int // connections per second per IP
	clock         clock.Clock

	mu      sync.Mutex
	ipConns map[string]int64 // IP -> current connection count

	// IP -> rate tracker; entries for quiet IPs expire on their own
	ipRates *ttlcache.Cache[string, *rateTracker]
}

type rateTracker struct {
	mu          sync.Mutex
	connections []time.Time // Timestamps of recent connections
	window      time.Duration
}

// IPOption configures an IPLimiter
type IPOption func(*IPLimiter)

// WithIPClock sets the clock used for the rate window
func WithIPClock(c clock.Clock) IPOption {
	return func(l *IPLimiter) {
		l.clock = c
	}
}

// NewIPLimiter creates a new IP-based rate limiter. Stop releases its expiry goroutine.
func NewIPLimiter(maxConnsPerIP, rateLimit int, opts ...IPOption) *IPLimiter {
	l := &IPLimiter{
		maxConnsPerIP: maxConnsPerIP,
		rateLimit:     rateLimit,
		clock:         clock.New(),
		ipConns:       make(map[string]int64),
		ipRates: ttlcache.New(
			ttlcache.WithTTL[string, *rateTracker](trackerTTL),
		),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.ipRates.Start()
	return l
}

// Allow checks if a connection from IP is allowed
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Check connection count limit
	current := l.ipConns[ip]
	if current >= int64(l.maxConnsPerIP) {
		return false
	}

	// Check rate limit
	rate := l.getOrCreateRateTracker(ip)
	rate.mu.Lock()
	defer rate.mu.Unlock()

	now := l.clock.Now()
	// Remove old entries outside the window
	cutoff := now.Add(-rate.window)
	valid := 0
	for _, ts := range rate.connections {
		if ts.After(cutoff) {
			rate.connections[valid] = ts
			valid++
		}
	}
	rate.connections = rate.connections[:valid]

	// Check if rate limit exceeded
	if len(rate.connections) >= l.rateLimit {
		return false
	}

	// Allow connection
	rate.connections = append(rate.connections, now)
	l.ipConns[ip]++
	return true
}

// Release releases a connection slot for an IP
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count, ok := l.ipConns[ip]; ok && count > 0 {
		l.ipConns[ip] = count - 1
		if l.ipConns[ip] == 0 {
			delete(l.ipConns, ip)
		}
	}
}

// getOrCreateRateTracker gets or creates a rate tracker for an IP; callers hold l.mu
func (l *IPLimiter) getOrCreateRateTracker(ip string) *rateTracker {
	if item := l.ipRates.Get(ip); item != nil {
		return item.Value()
	}
	rate := &rateTracker{
		connections: make([]time.Time, 0, l.rateLimit),
		window:      time.Second,
	}
	l.ipRates.Set(ip, rate, ttlcache.DefaultTTL)
	return rate
}

// GetStats returns statistics for an IP
func (l *IPLimiter) GetStats(ip string) (connCount int64, rateCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	connCount = l.ipConns[ip]
	if item := l.ipRates.Get(ip, ttlcache.WithDisableTouchOnHit[string, *rateTracker]()); item != nil {
		rate := item.Value()
		rate.mu.Lock()
		rateCount = len(rate.connections)
		rate.mu.Unlock()
	}
	return
}

// Stop stops the tracker expiry goroutine
func (l *IPLimiter) Stop() {
	l.ipRates.Stop()
}
