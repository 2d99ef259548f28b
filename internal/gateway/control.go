package gateway

import (
	"errors"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/SkynetNext/edge-gateway/internal/session"
	"go.uber.org/zap"
)

// controlHandler handles a node-to-gateway control frame. Control frames are
// consumed by the gateway and never forwarded to clients.
type controlHandler func(address string, pkt *protocol.GatewayPacket)

// buildControlTable registers control handlers by message id. The table is fixed
// for the life of the gateway; reloads do not change control ids.
func (g *Gateway) buildControlTable(cfg config.ControlConfig) map[uint32]controlHandler {
	return map[uint32]controlHandler{
		cfg.BindZoneMsgID: g.handleBindZone,
		cfg.KickMsgID:     g.handleKick,
	}
}

// handleBindZone binds the session to the zone named by the frame body
func (g *Gateway) handleBindZone(address string, pkt *protocol.GatewayPacket) {
	zone := string(pkt.Body)
	if zone == "" {
		metrics.ProtocolErrors.WithLabelValues("control").Inc()
		logger.Warn("bind zone control frame without zone",
			zap.String("node", address),
			zap.Uint32("session_id", pkt.SessionID),
		)
		return
	}
	if err := g.BindZone(pkt.SessionID, zone); errors.Is(err, session.ErrSessionNotFound) {
		metrics.DemuxDropped.WithLabelValues("session_not_found").Inc()
		logger.Debug("bind zone for unknown session",
			zap.String("node", address),
			zap.Uint32("session_id", pkt.SessionID),
			zap.String("zone", zone),
		)
	}
}

// handleKick closes the session on the node's request
func (g *Gateway) handleKick(address string, pkt *protocol.GatewayPacket) {
	if !g.closeSession(pkt.SessionID) {
		metrics.DemuxDropped.WithLabelValues("session_not_found").Inc()
		return
	}
	logger.Info("session kicked by node",
		zap.String("node", address),
		zap.Uint32("session_id", pkt.SessionID),
	)
}

// BindZone binds a live session to a routing zone. Later client frames are routed
// to zone; binding the current zone again is a no-op.
func (g *Gateway) BindZone(sessionID uint32, zone string) error {
	if err := g.sessions.BindZone(sessionID, zone); err != nil {
		return err
	}
	logger.Debug("session bound to zone",
		zap.Uint32("session_id", sessionID),
		zap.String("zone", zone),
	)
	return nil
}
