package gateway

import (
	"context"
	"errors"

	"github.com/SkynetNext/edge-gateway/internal/buffer"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/SkynetNext/edge-gateway/internal/session"
	"github.com/SkynetNext/edge-gateway/internal/transport"
	"go.uber.org/zap"
)

// HandlePacket delivers an inbound node frame to its session. It runs on the
// node's read goroutine, so it never blocks longer than session.write_timeout.
func (g *Gateway) HandlePacket(address string, pkt *protocol.GatewayPacket) {
	if handle, ok := g.controls[pkt.MsgID]; ok {
		handle(address, pkt)
		return
	}

	sess, ok := g.sessions.Lookup(pkt.SessionID)
	if !ok {
		// Session closed while the node was replying
		metrics.DemuxDropped.WithLabelValues("session_not_found").Inc()
		return
	}

	frame := protocol.EncodePooledEdge(&protocol.GatewayPacket{
		MsgID: pkt.MsgID,
		Seq:   pkt.Seq,
		Body:  pkt.Body,
	})
	if err := sess.Send(frame); err != nil {
		buffer.Put(frame)
		if errors.Is(err, transport.ErrWriteBufferFull) {
			metrics.DemuxDropped.WithLabelValues("client_buffer_full").Inc()
			g.closeSlowClient(sess, address)
			return
		}
		metrics.DemuxDropped.WithLabelValues("client_closed").Inc()
		return
	}
	metrics.FramesProcessed.WithLabelValues("to_client").Inc()

	if sess.Writable() {
		return
	}

	// Pause this node's reads until the client drains, bounded so one slow client
	// cannot stall every other session behind the same node
	metrics.BackpressurePauses.WithLabelValues("backend_to_client").Inc()
	timeout := g.settings.Load().writeTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := sess.WaitWritable(ctx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		g.closeSlowClient(sess, address)
	}
}

func (g *Gateway) closeSlowClient(sess *session.Session, address string) {
	logger.Warn("client too slow, closing session",
		zap.Uint32("session_id", sess.ID),
		zap.String("remote_addr", sess.RemoteAddr),
		zap.String("node", address),
	)
	g.closeSession(sess.ID)
}

// closeSession removes a session and then closes its client connection
func (g *Gateway) closeSession(id uint32) bool {
	sess, ok := g.sessions.Remove(id)
	if !ok {
		return false
	}
	_ = sess.Close()
	return true
}
