// Package redis reads the zone table from a Redis hash and follows changes
// published on its notify channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/discovery"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/retry"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const zonesKey = "zones"

// Client is a discovery.Source backed by Redis.
//
// Layout: HSET <prefix>zones <zone> '["host:port#weight", ...]'
// Writers PUBLISH <prefix>zones:notify after changing the hash.
type Client struct {
	rdb             *redis.Client
	prefix          string
	refreshInterval time.Duration
}

var _ discovery.Source = (*Client)(nil)

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:             rdb,
		prefix:          cfg.KeyPrefix,
		refreshInterval: cfg.RefreshInterval,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// Load reads the zone table. A missing hash is an empty table.
func (c *Client) Load(ctx context.Context) (discovery.Snapshot, error) {
	var data map[string]string
	err := retry.Do(ctx, retry.RetryConfig{MaxRetries: 3, RetryDelay: 100 * time.Millisecond}, func() error {
		var err error
		data, err = c.rdb.HGetAll(ctx, c.key(zonesKey)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load zone table: %w", err)
	}
	return ParseZoneHash(data), nil
}

// ParseZoneHash converts hash fields to a snapshot. Malformed zones are skipped
// and logged rather than failing the whole table.
func ParseZoneHash(data map[string]string) discovery.Snapshot {
	snap := make(discovery.Snapshot, len(data))
	zones := make([]string, 0, len(data))
	for zone := range data {
		zones = append(zones, zone)
	}
	sort.Strings(zones)

	for _, zone := range zones {
		var list []string
		if err := json.Unmarshal([]byte(data[zone]), &list); err != nil {
			logger.Warn("invalid zone entry in redis",
				zap.String("zone", zone),
				zap.Error(err))
			continue
		}
		nodes, err := router.ParseNodeAddresses(list)
		if err != nil {
			logger.Warn("invalid node address in redis zone",
				zap.String("zone", zone),
				zap.Error(err))
			continue
		}
		snap[zone] = nodes
	}
	return snap
}

// Watch reloads the table on every notify message and on a refresh tick,
// so a missed publish is picked up within one refresh interval.
func (c *Client) Watch(ctx context.Context, onChange func(discovery.Snapshot)) error {
	pubsub := c.rdb.Subscribe(ctx, c.key(zonesKey)+":notify")
	defer pubsub.Close()

	interval := c.refreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reload := func(trigger string) {
		snap, err := c.Load(ctx)
		if err != nil {
			if ctx.Err() == nil {
				metrics.ConfigRefreshErrors.WithLabelValues("redis").Inc()
				logger.Error("failed to reload zone table from redis",
					zap.String("trigger", trigger),
					zap.Error(err))
			}
			return
		}
		onChange(snap)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis notify subscription closed")
			}
			if msg != nil {
				reload("notify")
			}
		case <-ticker.C:
			reload("refresh")
		}
	}
}

// PublishZone writes a zone's node list and notifies watchers
func (c *Client) PublishZone(ctx context.Context, zone string, nodes []router.NodeAddress) error {
	list := make([]string, 0, len(nodes))
	for _, n := range nodes {
		s := n.String()
		if n.Weight > 0 {
			s = fmt.Sprintf("%s#%d", s, n.Weight)
		}
		list = append(list, s)
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.key(zonesKey), zone, string(data))
	pipe.Publish(ctx, c.key(zonesKey)+":notify", zone)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish zone %s: %w", zone, err)
	}
	return nil
}
