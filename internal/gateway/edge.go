package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/backend"
	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/middleware"
	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/SkynetNext/edge-gateway/internal/session"
	"github.com/SkynetNext/edge-gateway/internal/tracing"
	"github.com/SkynetNext/edge-gateway/internal/transport"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ErrUnboundMessage is returned when an unbound session sends a message id outside
// the handshake set
var ErrUnboundMessage = errors.New("message not allowed before zone bind")

// errDraining closes a connection accepted while shutdown was already sweeping sessions
var errDraining = errors.New("gateway draining")

const clientReadBufferSize = 16 * 1024

// edgeSettings is the per-frame view of the configuration, swapped atomically on reload
type edgeSettings struct {
	readIdleTimeout time.Duration
	writeTimeout    time.Duration
	maxFrameSize    int
	lowWatermark    int
	highWatermark   int
	handshakeZone   string
	handshakeMsgIDs map[uint32]struct{}
}

func newEdgeSettings(cfg *config.Config) *edgeSettings {
	ids := make(map[uint32]struct{}, len(cfg.Routing.Handshake.MsgIDs))
	for _, id := range cfg.Routing.Handshake.MsgIDs {
		ids[id] = struct{}{}
	}
	return &edgeSettings{
		readIdleTimeout: cfg.Session.ReadIdleTimeout,
		writeTimeout:    cfg.Session.WriteTimeout,
		maxFrameSize:    cfg.Session.MaxFrameSize,
		lowWatermark:    cfg.Session.LowWatermark,
		highWatermark:   cfg.Session.HighWatermark,
		handshakeZone:   cfg.Routing.Handshake.Zone,
		handshakeMsgIDs: ids,
	}
}

// clientConn is the session side of a client socket; it counts frames for the access log
type clientConn struct {
	*transport.Conn
	framesOut atomic.Int64
}

func (c *clientConn) Write(frame []byte) error {
	if err := c.Conn.Write(frame); err != nil {
		return err
	}
	c.framesOut.Add(1)
	return nil
}

// connStats accumulates per-connection counters for the access log
type connStats struct {
	framesIn int64
	bytesIn  int64
	zone     string
	node     string
}

// handleConnection handles a client connection for its whole life
func (g *Gateway) handleConnection(ctx context.Context, nc net.Conn) {
	startTime := time.Now()
	connID := uuid.NewString()
	remoteAddr := nc.RemoteAddr().String()

	// Extract IP address from remote address
	ip := extractIP(remoteAddr)

	// IP-based rate limiting: check if connection from this IP is allowed
	ipLimiter := g.ipLimiter.Load()
	if !ipLimiter.Allow(ip) {
		g.reject(ctx, nc, connID, remoteAddr, startTime, "ip_limit", "IP rate limit exceeded")
		return
	}
	defer ipLimiter.Release(ip)

	// Global limit: check if connection is allowed
	if !g.rateLimiter.Allow() {
		logger.Warn("connection limit exceeded",
			zap.String("remote_addr", remoteAddr),
			zap.Int64("max_connections", g.rateLimiter.Max()),
			zap.Int64("current_connections", g.rateLimiter.Current()),
		)
		g.reject(ctx, nc, connID, remoteAddr, startTime, "max_connections", "connection limit exceeded")
		return
	}
	defer g.rateLimiter.Release()

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	settings := g.settings.Load()
	client := &clientConn{Conn: transport.New(nc, transport.Options{
		WriteTimeout:  settings.writeTimeout,
		LowWatermark:  settings.lowWatermark,
		HighWatermark: settings.highWatermark,
	})}
	sess := g.sessions.Create(client, remoteAddr)

	// Create span for distributed tracing
	ctx, span := tracing.StartSpan(ctx, "gateway.session")
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.DebugWithTrace(ctx, "new connection",
		zap.String("conn_id", connID),
		zap.String("remote_addr", remoteAddr),
		zap.Uint32("session_id", sess.ID),
	)

	stats := &connStats{}
	var err error
	if g.draining.Load() {
		// Shutdown may have swept the table before Create; this session was not in it
		err = errDraining
	} else {
		err = g.serveGuarded(ctx, sess, nc, stats)
	}

	// Remove before close so the demux stops delivering to this session
	g.sessions.Remove(sess.ID)
	_ = sess.Close()

	status := "closed"
	var errMsg string
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, transport.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, errDraining):
		// clean close by either side
	case errors.Is(err, os.ErrDeadlineExceeded):
		status = "timeout"
		metrics.IdleClosed.Inc()
	default:
		status = "error"
		errMsg = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "session failed")
	}
	span.SetAttributes(tracing.SessionAttributes(sess.ID, stats.zone, stats.node)...)

	duration := time.Since(startTime)
	logger.DebugWithTrace(ctx, "session closed",
		zap.String("conn_id", connID),
		zap.Uint32("session_id", sess.ID),
		zap.String("status", status),
		zap.Duration("duration", duration),
		zap.Error(err),
	)
	middleware.LogAccess(ctx, &middleware.AccessLogEntry{
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		SessionID:  sess.ID,
		Zone:       stats.zone,
		Node:       stats.node,
		DurationMs: duration.Milliseconds(),
		Status:     status,
		FramesIn:   stats.framesIn,
		FramesOut:  client.framesOut.Load(),
		BytesIn:    stats.bytesIn,
		BytesOut:   client.BytesOut(),
		Error:      errMsg,
	})
}

func (g *Gateway) reject(ctx context.Context, nc net.Conn, connID, remoteAddr string, startTime time.Time, reason, msg string) {
	_ = nc.Close()
	metrics.RateLimitRejected.Inc()
	metrics.IncConnectionRejected(reason)
	logger.DebugWithTrace(ctx, "connection rejected",
		zap.String("remote_addr", remoteAddr),
		zap.String("reason", reason),
	)
	middleware.LogAccess(ctx, &middleware.AccessLogEntry{
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		DurationMs: time.Since(startTime).Milliseconds(),
		Status:     "rejected",
		Error:      msg,
	})
}

// serveGuarded turns a panic in the read path into a session error so only this
// client is affected
func (g *Gateway) serveGuarded(ctx context.Context, sess *session.Session, nc net.Conn, stats *connStats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorWithTrace(ctx, "panic in session read loop",
				zap.Any("panic", r),
				zap.Uint32("session_id", sess.ID),
			)
			err = fmt.Errorf("session read loop panic: %v", r)
		}
	}()
	return g.serveSession(ctx, sess, nc, stats)
}

// serveSession reads edge frames until the connection fails, the read deadline
// expires, or a frame cannot be routed
func (g *Gateway) serveSession(ctx context.Context, sess *session.Session, nc net.Conn, stats *connStats) error {
	r := bufio.NewReaderSize(nc, clientReadBufferSize)
	for {
		settings := g.settings.Load()
		if settings.readIdleTimeout > 0 {
			if err := nc.SetReadDeadline(time.Now().Add(settings.readIdleTimeout)); err != nil {
				return err
			}
		}

		pkt, err := protocol.ReadEdge(r, settings.maxFrameSize)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				metrics.ProtocolErrors.WithLabelValues("edge").Inc()
				logger.WarnWithTrace(ctx, "malformed frame from client, closing connection",
					zap.Uint32("session_id", sess.ID),
					zap.Error(err),
				)
			}
			return err
		}
		sess.Touch()
		stats.framesIn++
		stats.bytesIn += int64(protocol.EdgeFrameSize(pkt))
		metrics.FramesProcessed.WithLabelValues("from_client").Inc()

		if err := g.forward(ctx, sess, pkt, settings, stats); err != nil {
			return err
		}
	}
}

// forward routes one client frame to the node serving the session's zone
func (g *Gateway) forward(ctx context.Context, sess *session.Session, pkt *protocol.GatewayPacket, settings *edgeSettings, stats *connStats) error {
	start := time.Now()

	zone, bound := sess.Zone()
	if !bound {
		if _, ok := settings.handshakeMsgIDs[pkt.MsgID]; !ok {
			metrics.ProtocolErrors.WithLabelValues("edge").Inc()
			logger.WarnWithTrace(ctx, "unbound session sent non-handshake message",
				zap.Uint32("session_id", sess.ID),
				zap.Uint32("msg_id", pkt.MsgID),
			)
			return fmt.Errorf("%w: msgId %#x", ErrUnboundMessage, pkt.MsgID)
		}
		zone = settings.handshakeZone
	}

	node, pinned := sess.Route(zone)
	if pinned && !g.router.Has(zone, node) {
		// The node left the zone; pick again from the current table
		sess.Unpin(node)
		pinned = false
		logger.DebugWithTrace(ctx, "pinned node removed from zone, re-routing",
			zap.Uint32("session_id", sess.ID),
			zap.String("zone", zone),
			zap.String("node", node),
		)
	}
	if !pinned {
		addr, err := g.router.ResolveKey(zone, uint64(sess.ID))
		if err != nil {
			metrics.RoutingErrors.WithLabelValues("unroutable_zone").Inc()
			logger.WarnWithTrace(ctx, "routing failed",
				zap.Uint32("session_id", sess.ID),
				zap.String("zone", zone),
				zap.Error(err),
			)
			return err
		}
		node = addr.String()
		sess.Pin(zone, node)
	}
	stats.zone, stats.node = zone, node

	// Client reads pause while the node's writer is above its high watermark
	if err := g.pool.WaitWritable(ctx, node); err != nil {
		return err
	}

	pkt.SessionID = sess.ID
	err := g.pool.Send(node, pkt)
	switch {
	case err == nil:
		metrics.ForwardLatency.WithLabelValues(zone).Observe(time.Since(start).Seconds())
		return nil
	case errors.Is(err, backend.ErrBackendNotReady):
		// Dropped by policy and counted by the pool; the session stays up
		return nil
	case errors.Is(err, backend.ErrBackendUnavailable):
		sess.Unpin(node)
		metrics.RoutingErrors.WithLabelValues("backend_unavailable").Inc()
		logger.WarnWithTrace(ctx, "backend unavailable, closing session",
			zap.Uint32("session_id", sess.ID),
			zap.String("zone", zone),
			zap.String("node", node),
		)
		return err
	default:
		return err
	}
}

// extractIP extracts the IP address from "host:port" format
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
