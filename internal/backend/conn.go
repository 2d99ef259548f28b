package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/buffer"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/SkynetNext/edge-gateway/internal/tracing"
	"github.com/SkynetNext/edge-gateway/internal/transport"
	"github.com/eapache/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// State is the lifecycle state of a backend connection
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateUnreachable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateUnreachable:
		return "unreachable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const readBufferSize = 64 * 1024

// Conn is the single multiplexed connection to one backend address.
// All dialing, reading and teardown happen on the goroutine running run;
// other goroutines only enqueue frames.
type Conn struct {
	pool    *Pool
	address string

	mu      sync.Mutex
	state   State
	nc      net.Conn
	w       *transport.Conn
	pending *queue.Queue // encoded frames waiting for a connection

	// pendingBytes is bounded by pool.maxPending. pendingRoom is closed while
	// the queue is below the high watermark, open while pendingFull.
	pendingBytes int
	pendingFull  bool
	pendingRoom  chan struct{}

	heartbeatSeq atomic.Uint32
	framesIn     atomic.Int64
}

func newConn(p *Pool, address string) *Conn {
	room := make(chan struct{})
	close(room)
	c := &Conn{
		pool:        p,
		address:     address,
		state:       StateConnecting,
		pending:     queue.New(),
		pendingRoom: room,
	}
	metrics.BackendState.WithLabelValues(address).Set(float64(StateConnecting))
	return c
}

// Address returns the backend address
func (c *Conn) Address() string {
	return c.address
}

// State returns the current connection state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setStateLocked(s State) {
	c.state = s
	metrics.BackendState.WithLabelValues(c.address).Set(float64(s))
}

// send encodes pkt and hands it to the writer or the pending queue
func (c *Conn) send(pkt *protocol.GatewayPacket) error {
	frame := protocol.EncodePooledInternal(pkt)

	c.mu.Lock()
	switch c.state {
	case StateConnected:
		w := c.w
		c.mu.Unlock()
		if err := w.Write(frame); err != nil {
			buffer.Put(frame)
			if errors.Is(err, transport.ErrWriteBufferFull) {
				metrics.DroppedSends.WithLabelValues("buffer_full").Inc()
			} else {
				metrics.DroppedSends.WithLabelValues("write_failed").Inc()
			}
			return ErrBackendNotReady
		}
		return nil

	case StateConnecting:
		// The first dial is in flight; queue so a login frame is not lost
		return c.enqueueLocked(frame, "queue_full")

	case StateReconnecting:
		if c.pool.queueWhileReconnecting {
			return c.enqueueLocked(frame, "queue_full")
		}
		c.mu.Unlock()
		buffer.Put(frame)
		metrics.DroppedSends.WithLabelValues("reconnecting").Inc()
		return ErrBackendNotReady

	default:
		c.mu.Unlock()
		buffer.Put(frame)
		metrics.DroppedSends.WithLabelValues("unavailable").Inc()
		return ErrBackendUnavailable
	}
}

// enqueueLocked queues frame and releases c.mu
func (c *Conn) enqueueLocked(frame []byte, reason string) error {
	limit := c.pool.maxPending
	if c.pending.Length() >= c.pool.queueSize || (limit > 0 && c.pendingBytes+len(frame) > limit) {
		c.mu.Unlock()
		buffer.Put(frame)
		metrics.DroppedSends.WithLabelValues(reason).Inc()
		return ErrBackendNotReady
	}
	c.pending.Add(frame)
	c.pendingBytes += len(frame)
	high := c.pool.highWatermark
	if !c.pendingFull && ((high > 0 && c.pendingBytes > high) || c.pending.Length() >= c.pool.queueSize) {
		c.pendingFull = true
		c.pendingRoom = make(chan struct{})
	}
	c.mu.Unlock()
	return nil
}

// resetPendingLocked empties the byte count and wakes waiters; the queue must already be drained
func (c *Conn) resetPendingLocked() {
	c.pendingBytes = 0
	if c.pendingFull {
		c.pendingFull = false
		close(c.pendingRoom)
	}
}

// waitWritable blocks while new frames would only pile up: the writer is above
// its high watermark, or the queue filled during a dial is.
func (c *Conn) waitWritable(ctx context.Context) error {
	paused := false
	pause := func() {
		if !paused {
			paused = true
			metrics.BackpressurePauses.WithLabelValues("client_to_backend").Inc()
		}
	}
	for {
		c.mu.Lock()
		state, w, full, room := c.state, c.w, c.pendingFull, c.pendingRoom
		c.mu.Unlock()

		switch {
		case state == StateConnected && w != nil:
			if w.Writable() {
				return nil
			}
			pause()
			if err := w.WaitWritable(ctx); err != nil && ctx.Err() != nil {
				return err
			}
			// A writer that closed while we waited is handled by the next Send
			return nil

		case full:
			pause()
			select {
			case <-room:
				// attach flushed the queue into a writer that may itself be full
			case <-c.pool.ctx.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			return nil
		}
	}
}

// run owns the connection for its whole life: dial, read, redial with backoff,
// and finally declare the node unreachable.
func (c *Conn) run() {
	defer c.pool.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in backend connection owner",
				zap.String("address", c.address),
				zap.Any("panic", r),
			)
			c.shutdown(StateClosed)
			c.pool.conns.CompareAndDelete(c.address, c)
		}
	}()

	backoff := c.pool.backoff
	failures := 0 // consecutive failed dials
	waits := 0
	var delay time.Duration

	for {
		if delay > 0 {
			timer := c.pool.clock.Timer(delay)
			select {
			case <-timer.C:
			case <-c.pool.ctx.Done():
				timer.Stop()
				c.shutdown(StateClosed)
				return
			}
		}
		if c.pool.ctx.Err() != nil {
			c.shutdown(StateClosed)
			return
		}

		nc, err := c.dial(failures)
		if err != nil {
			if c.pool.ctx.Err() != nil {
				c.shutdown(StateClosed)
				return
			}
			failures++
			if backoff.Exhausted(failures) {
				c.declareUnreachable(err)
				return
			}
			delay = backoff.Delay(waits)
			waits++
			logger.Warn("backend dial failed, retrying",
				zap.String("address", c.address),
				zap.Int("attempt", failures),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			continue
		}
		failures, waits = 0, 0

		if !c.attach(nc) {
			_ = nc.Close()
			return
		}
		c.pool.breaker(c.address).RecordSuccess()
		logger.Info("backend connected", zap.String("address", c.address))

		err = c.readLoop(nc)

		c.mu.Lock()
		w := c.w
		c.w, c.nc = nil, nil
		closing := c.state == StateClosed
		if !closing {
			c.setStateLocked(StateReconnecting)
		}
		c.mu.Unlock()
		if w != nil {
			_ = w.Close()
		}
		if closing || c.pool.ctx.Err() != nil {
			return
		}

		if errors.Is(err, io.EOF) {
			logger.Info("backend closed connection, reconnecting", zap.String("address", c.address))
		} else {
			logger.Warn("backend connection lost, reconnecting",
				zap.String("address", c.address),
				zap.Error(err),
			)
		}
		delay = backoff.Delay(0)
		waits = 1
	}
}

func (c *Conn) dial(attempt int) (net.Conn, error) {
	ctx, span := tracing.StartSpan(c.pool.ctx, "gateway.backend_connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend.address", c.address),
		attribute.Int("attempt", attempt+1),
	)

	if attempt > 0 || c.State() == StateReconnecting {
		metrics.BackendReconnects.WithLabelValues(c.address).Inc()
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.pool.dialTimeout)
	defer cancel()
	nc, err := c.pool.dialer.DialContext(dialCtx, "tcp", c.address)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "connected")
	return nc, nil
}

// attach installs a writer for nc and flushes frames queued while disconnected.
// It returns false if the connection was closed meanwhile.
func (c *Conn) attach(nc net.Conn) bool {
	w := transport.New(nc, transport.Options{
		WriteTimeout:  c.pool.writeTimeout,
		LowWatermark:  c.pool.lowWatermark,
		HighWatermark: c.pool.highWatermark,
		MaxPending:    c.pool.maxPending,
		IdleWrite:     c.pool.heartbeatInterval,
		OnIdleWrite:   c.heartbeat,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		_ = w.Close()
		return false
	}
	// The queue is capped at the writer's MaxPending, so the flush fits
	for c.pending.Length() > 0 {
		frame := c.pending.Remove().([]byte)
		if err := w.Write(frame); err != nil {
			buffer.Put(frame)
			metrics.DroppedSends.WithLabelValues("buffer_full").Inc()
		}
	}
	c.resetPendingLocked()
	c.nc, c.w = nc, w
	c.setStateLocked(StateConnected)
	return true
}

// heartbeat runs on the writer goroutine after a period without writes
func (c *Conn) heartbeat(w *transport.Conn) {
	frame := protocol.EncodePooledInternal(&protocol.GatewayPacket{
		SessionID: 0,
		MsgID:     c.pool.heartbeatMsgID,
		Seq:       c.heartbeatSeq.Add(1),
	})
	if err := w.Write(frame); err != nil {
		buffer.Put(frame)
		logger.Debug("backend heartbeat not written",
			zap.String("address", c.address),
			zap.Error(err),
		)
	}
}

// readLoop decodes frames until the connection fails and hands them to the pool handler
func (c *Conn) readLoop(nc net.Conn) error {
	r := bufio.NewReaderSize(nc, readBufferSize)
	for {
		pkt, err := protocol.ReadInternal(r, c.pool.maxFrameSize)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				metrics.ProtocolErrors.WithLabelValues("backend").Inc()
				logger.Error("malformed frame from backend, dropping connection",
					zap.String("address", c.address),
					zap.Error(err),
				)
			}
			return err
		}
		c.framesIn.Add(1)

		if pkt.SessionID == 0 {
			// node heartbeat
			logger.Debug("backend heartbeat",
				zap.String("address", c.address),
				zap.Uint32("msg_id", pkt.MsgID),
				zap.Uint32("seq", pkt.Seq),
			)
			continue
		}
		c.dispatch(pkt)
	}
}

func (c *Conn) dispatch(pkt *protocol.GatewayPacket) {
	// A panicking handler must not take the shared backend stream down with it
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in packet handler, continuing to receive packets",
				zap.String("address", c.address),
				zap.Any("panic", r),
				zap.Uint32("session_id", pkt.SessionID),
				zap.Uint32("msg_id", pkt.MsgID),
			)
		}
	}()
	c.pool.handler.HandlePacket(c.address, pkt)
}

// declareUnreachable gives up on the node after the retry budget is spent
func (c *Conn) declareUnreachable(cause error) {
	dropped := c.shutdown(StateUnreachable)

	// Trip before removing so a Send racing with the removal sees the open breaker
	c.pool.breaker(c.address).Trip()
	c.pool.conns.CompareAndDelete(c.address, c)
	metrics.BackendUnreachable.WithLabelValues(c.address).Inc()

	logger.Error("backend unreachable",
		zap.String("address", c.address),
		zap.Int("attempts", c.pool.backoff.MaxAttempts),
		zap.Int("dropped_frames", dropped),
		zap.Error(cause),
	)

	if fn := c.pool.onUnreachable; fn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in unreachable callback",
						zap.String("address", c.address),
						zap.Any("panic", r),
					)
				}
			}()
			fn(c.address)
		}()
	}
}

// shutdown moves the connection to a terminal state, closes the socket and
// drops queued frames. It returns the number of dropped frames.
func (c *Conn) shutdown(final State) int {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateUnreachable {
		c.mu.Unlock()
		return 0
	}
	c.setStateLocked(final)
	nc, w := c.nc, c.w
	dropped := c.pending.Length()
	for c.pending.Length() > 0 {
		buffer.Put(c.pending.Remove().([]byte))
	}
	c.resetPendingLocked()
	c.mu.Unlock()

	if dropped > 0 {
		metrics.DroppedSends.WithLabelValues(final.String()).Add(float64(dropped))
	}
	if w != nil {
		_ = w.Close()
	}
	if nc != nil {
		_ = nc.Close()
	}
	return dropped
}
