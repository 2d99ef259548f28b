package gateway

import (
	"fmt"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/ratelimit"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"go.uber.org/zap"
)

// UpdateConfig updates the gateway configuration (hot reload).
// Limits, session timeouts, the handshake policy and the static zone table apply
// immediately; listener, strategy, backend and control settings need a restart.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	// Validate new configuration
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	zones, err := newConfig.Routing.ZoneTable()
	if err != nil {
		return err
	}

	g.configMu.Lock()
	defer g.configMu.Unlock()
	old := g.config

	// Resize in place so live connections stay counted
	if newConfig.Server.MaxConnections != old.Server.MaxConnections {
		g.rateLimiter.SetMax(int64(newConfig.Server.MaxConnections))
		logger.Info("connection limiter updated",
			zap.Int("old_max", old.Server.MaxConnections),
			zap.Int("new_max", newConfig.Server.MaxConnections),
		)
	}

	// Update IP limiter if security settings changed
	if newConfig.Security != old.Security {
		prev := g.ipLimiter.Swap(ratelimit.NewIPLimiter(
			newConfig.Security.MaxConnectionsPerIP,
			newConfig.Security.ConnectionRateLimit,
			ratelimit.WithIPClock(g.clock),
		))
		// Live connections still release their slot on prev
		prev.Stop()
		logger.Info("IP limiter updated",
			zap.Int("old_max_per_ip", old.Security.MaxConnectionsPerIP),
			zap.Int("new_max_per_ip", newConfig.Security.MaxConnectionsPerIP),
			zap.Int("old_rate_limit", old.Security.ConnectionRateLimit),
			zap.Int("new_rate_limit", newConfig.Security.ConnectionRateLimit),
		)
	}

	g.settings.Store(newEdgeSettings(newConfig))
	g.applyStaticZones(zones)

	if newConfig.Routing.Strategy != old.Routing.Strategy ||
		newConfig.Routing.Control != old.Routing.Control ||
		newConfig.Server.ListenAddr != old.Server.ListenAddr ||
		newConfig.Backend != old.Backend {
		logger.Warn("configuration changes to listener, strategy, control ids or backend settings take effect after restart")
	}

	// Update configuration
	g.config = newConfig

	logger.Info("configuration updated successfully")
	return nil
}

// applyStaticZones replaces the router entries of file-configured zones. Zones
// owned by service discovery are left to it. Callers hold configMu.
func (g *Gateway) applyStaticZones(zones map[string][]router.NodeAddress) {
	next := make(map[string]struct{}, len(zones))
	for zone, nodes := range zones {
		next[zone] = struct{}{}
		if g.syncer != nil && g.syncer.Owns(zone) {
			continue
		}
		// Replacing resets the zone's selector, so skip unchanged zones
		if sameNodes(g.router.Nodes(zone), nodes) {
			continue
		}
		g.router.ReplaceZone(zone, nodes)
	}
	for zone := range g.staticZones {
		if _, keep := next[zone]; keep {
			continue
		}
		if g.syncer != nil && g.syncer.Owns(zone) {
			continue
		}
		g.router.RemoveZone(zone)
		logger.Info("static zone removed", zap.String("zone", zone))
	}
	g.staticZones = next
}

func sameNodes(a, b []router.NodeAddress) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetConfig returns the current configuration (thread-safe)
func (g *Gateway) GetConfig() *config.Config {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}
