package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/discovery"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseZoneHash(t *testing.T) {
	snap := ParseZoneHash(map[string]string{
		"zoneA": `["10.0.0.1:7001","10.0.0.2:7001#3"]`,
		"zoneB": `not json`,
		"zoneC": `["nohost"]`,
		"zoneD": `[]`,
	})

	require.Contains(t, snap, "zoneA")
	assert.Equal(t, []router.NodeAddress{
		{Host: "10.0.0.1", Port: 7001},
		{Host: "10.0.0.2", Port: 7001, Weight: 3},
	}, snap["zoneA"])
	assert.NotContains(t, snap, "zoneB")
	assert.NotContains(t, snap, "zoneC")
	assert.Empty(t, snap["zoneD"])
}

// Needs a reachable Redis; set EDGE_GATEWAY_TEST_REDIS=host:port to run.
func TestClient_PublishAndWatch(t *testing.T) {
	addr := os.Getenv("EDGE_GATEWAY_TEST_REDIS")
	if addr == "" {
		t.Skip("EDGE_GATEWAY_TEST_REDIS not set")
	}

	c := NewClient(&config.RedisConfig{
		Addr:            addr,
		KeyPrefix:       "edge-gateway-test:" + time.Now().Format("150405.000") + ":",
		PoolSize:        2,
		DialTimeout:     time.Second,
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		RefreshInterval: time.Hour,
	})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Ping(ctx))

	snap, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)

	updates := make(chan discovery.Snapshot, 1)
	go func() {
		_ = c.Watch(ctx, func(s discovery.Snapshot) { updates <- s })
	}()
	// give SUBSCRIBE time to register
	time.Sleep(100 * time.Millisecond)

	nodes := []router.NodeAddress{{Host: "127.0.0.1", Port: 7001, Weight: 2}}
	require.NoError(t, c.PublishZone(ctx, "zoneA", nodes))

	select {
	case s := <-updates:
		assert.Equal(t, nodes, s["zoneA"])
	case <-ctx.Done():
		t.Fatal("no update received")
	}
	c.rdb.Del(context.Background(), c.key(zonesKey))
}
