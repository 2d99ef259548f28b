// Package backend keeps one multiplexed connection per backend node address and
// demultiplexes inbound internal-format frames to a Handler.
package backend

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/circuitbreaker"
	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/SkynetNext/edge-gateway/internal/retry"
	"github.com/benbjohnson/clock"
)

var (
	// ErrBackendUnavailable is returned when the node was declared unreachable
	// (or the pool is closed) and no new connection may be attempted yet
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendNotReady is returned when a frame was dropped because the
	// connection is not ready to take it
	ErrBackendNotReady = errors.New("backend not ready")
)

// Handler receives inbound frames with a non-zero session id.
// It runs on the connection's read goroutine; blocking in it pauses reads from that node.
type Handler interface {
	HandlePacket(address string, pkt *protocol.GatewayPacket)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(address string, pkt *protocol.GatewayPacket)

// HandlePacket calls f(address, pkt)
func (f HandlerFunc) HandlePacket(address string, pkt *protocol.GatewayPacket) {
	f(address, pkt)
}

// Dialer opens backend connections
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures a Pool
type Option func(*Pool)

// WithOnUnreachable sets the callback run after a node exhausted its reconnect budget
func WithOnUnreachable(fn func(address string)) Option {
	return func(p *Pool) {
		p.onUnreachable = fn
	}
}

// WithMaxFrameSize bounds inbound frames
func WithMaxFrameSize(n int) Option {
	return func(p *Pool) {
		p.maxFrameSize = n
	}
}

// WithClock sets the clock used for backoff timers and breaker cooldowns
func WithClock(c clock.Clock) Option {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithDialer replaces the TCP dialer
func WithDialer(d Dialer) Option {
	return func(p *Pool) {
		p.dialer = d
	}
}

// Pool manages backend connections keyed by address
type Pool struct {
	// Use sync.Map instead of map + RWMutex: reads dominate and keys are
	// touched by many goroutines independently.
	conns    sync.Map // address -> *Conn
	breakers sync.Map // address -> *circuitbreaker.Breaker

	handler       Handler
	onUnreachable func(address string)
	dialer        Dialer
	clock         clock.Clock

	dialTimeout            time.Duration
	writeTimeout           time.Duration
	backoff                retry.Backoff
	heartbeatInterval      time.Duration
	heartbeatMsgID         uint32
	queueWhileReconnecting bool
	queueSize              int
	lowWatermark           int
	highWatermark          int
	breakerCooldown        time.Duration
	maxFrameSize           int
	maxPending             int // byte cap for a writer and for frames queued while dialing

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders owner goroutine starts against Close so wg.Add never races wg.Wait
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewPool creates a backend pool. Connections are dialed lazily on first Send.
func NewPool(cfg config.BackendConfig, handler Handler, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		handler: handler,
		dialer:  &net.Dialer{},
		clock:   clock.New(),

		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		backoff: retry.Backoff{
			Base:        cfg.ReconnectBaseDelay,
			Max:         cfg.MaxBackoff,
			MaxAttempts: cfg.MaxReconnectAttempts,
		},
		heartbeatInterval:      cfg.HeartbeatInterval,
		heartbeatMsgID:         cfg.HeartbeatMsgID,
		queueWhileReconnecting: cfg.UnavailablePolicy == config.PolicyQueue,
		queueSize:              cfg.QueueSize,
		lowWatermark:           cfg.LowWatermark,
		highWatermark:          cfg.HighWatermark,
		breakerCooldown:        cfg.BreakerCooldown,
		maxFrameSize:           protocol.DefaultMaxFrameSize,

		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.maxPending = pendingCap(p.highWatermark, p.maxFrameSize)
	return p
}

// pendingCap is 4x the high watermark, raised so one largest frame always fits.
// 0 disables the cap along with watermark tracking.
func pendingCap(highWatermark, maxFrameSize int) int {
	if highWatermark <= 0 {
		return 0
	}
	limit := 4 * highWatermark
	if floor := protocol.MaxWireSize(maxFrameSize); limit < floor {
		limit = floor
	}
	return limit
}

// Send encodes pkt in internal format and queues it for address.
// The first Send to an address starts its connection; it never blocks on the network.
func (p *Pool) Send(address string, pkt *protocol.GatewayPacket) error {
	c, err := p.getConn(address)
	if err != nil {
		return err
	}
	if err := c.send(pkt); err != nil {
		return err
	}
	metrics.FramesProcessed.WithLabelValues("to_backend").Inc()
	return nil
}

func (p *Pool) getConn(address string) (*Conn, error) {
	// Fast path: connection already exists
	if v, ok := p.conns.Load(address); ok {
		return v.(*Conn), nil
	}
	if p.closed.Load() {
		return nil, ErrBackendUnavailable
	}
	if !p.breaker(address).Allow() {
		metrics.DroppedSends.WithLabelValues("breaker_open").Inc()
		return nil, ErrBackendUnavailable
	}

	// Slow path: only the LoadOrStore winner starts the owning goroutine,
	// so an address is never dialed twice concurrently
	c := newConn(p, address)
	actual, loaded := p.conns.LoadOrStore(address, c)
	if loaded {
		return actual.(*Conn), nil
	}
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.conns.CompareAndDelete(address, c)
		return nil, ErrBackendUnavailable
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go c.run()
	return c, nil
}

func (p *Pool) breaker(address string) *circuitbreaker.Breaker {
	if v, ok := p.breakers.Load(address); ok {
		return v.(*circuitbreaker.Breaker)
	}
	b := circuitbreaker.NewBreaker(1, p.breakerCooldown,
		circuitbreaker.WithClock(p.clock),
		circuitbreaker.WithName(address),
	)
	v, _ := p.breakers.LoadOrStore(address, b)
	return v.(*circuitbreaker.Breaker)
}

// WaitWritable blocks while frames for address would only pile up: the connected
// writer is above its high watermark, or frames queued during a dial exceed it.
// It returns immediately when address has no connection.
func (p *Pool) WaitWritable(ctx context.Context, address string) error {
	v, ok := p.conns.Load(address)
	if !ok {
		return nil
	}
	return v.(*Conn).waitWritable(ctx)
}

// State returns the state of the connection to address and whether one exists
func (p *Pool) State(address string) (State, bool) {
	v, ok := p.conns.Load(address)
	if !ok {
		return StateClosed, false
	}
	return v.(*Conn).State(), true
}

// States returns a snapshot of every known connection's state
func (p *Pool) States() map[string]State {
	states := make(map[string]State)
	p.conns.Range(func(k, v any) bool {
		states[k.(string)] = v.(*Conn).State()
		return true
	})
	return states
}

// Close stops all connections and waits for their owning goroutines to exit
func (p *Pool) Close() error {
	p.mu.Lock()
	first := p.closed.CompareAndSwap(false, true)
	p.mu.Unlock()
	if !first {
		return nil
	}
	p.cancel()
	p.conns.Range(func(k, v any) bool {
		v.(*Conn).shutdown(StateClosed)
		p.conns.Delete(k)
		metrics.BackendState.DeleteLabelValues(k.(string))
		return true
	})
	p.wg.Wait()
	return nil
}
