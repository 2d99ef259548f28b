package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/discovery"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	msgLogin    = 1001
	msgLoginAck = 1002
	msgPing     = 3000
	msgPong     = 3001
)

// testNode is a backend node speaking the internal format
type testNode struct {
	ln     net.Listener
	frames chan *protocol.GatewayPacket

	mu    sync.Mutex
	conns []net.Conn
}

func startTestNode(t *testing.T) *testNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := &testNode{ln: ln, frames: make(chan *protocol.GatewayPacket, 256)}
	go n.acceptLoop()
	t.Cleanup(n.kill)
	return n
}

func (n *testNode) acceptLoop() {
	for {
		c, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.mu.Lock()
		n.conns = append(n.conns, c)
		n.mu.Unlock()
		go func() {
			for {
				pkt, err := protocol.ReadInternal(c, protocol.DefaultMaxFrameSize)
				if err != nil {
					return
				}
				if pkt.SessionID != 0 {
					n.frames <- pkt
				}
			}
		}()
	}
}

func (n *testNode) addr() string {
	return n.ln.Addr().String()
}

func (n *testNode) next(t *testing.T) *protocol.GatewayPacket {
	t.Helper()
	select {
	case pkt := <-n.frames:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("node received no frame")
		return nil
	}
}

func (n *testNode) reply(t *testing.T, pkt *protocol.GatewayPacket) {
	t.Helper()
	n.mu.Lock()
	c := n.conns[len(n.conns)-1]
	n.mu.Unlock()
	_, err := c.Write(protocol.EncodeInternal(pkt))
	require.NoError(t, err)
}

func (n *testNode) kill() {
	_ = n.ln.Close()
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		_ = c.Close()
	}
}

func testConfig(t *testing.T, zones map[string][]string) *config.Config {
	t.Helper()
	raw := map[string]any{
		"server": map[string]any{
			"listen_addr":       "127.0.0.1:0",
			"health_check_port": -1,
		},
		"session": map[string]any{
			"read_idle_timeout": "5s",
			"write_timeout":     "500ms",
		},
		"routing": map[string]any{
			"handshake": map[string]any{
				"zone":    "login",
				"msg_ids": []uint32{msgLogin},
			},
			"zones": zones,
		},
		"backend": map[string]any{
			"reconnect_base_delay":   "5ms",
			"max_backoff":            "20ms",
			"max_reconnect_attempts": 2,
			"heartbeat_interval":     "1h",
			"breaker_cooldown":       "1h",
		},
		"security": map[string]any{
			"max_connections_per_ip": 100,
			"connection_rate_limit":  100,
		},
	}
	data, err := yaml.Marshal(raw)
	require.NoError(t, err)
	cfg, err := config.Parse(data)
	require.NoError(t, err)
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

type testClient struct {
	net.Conn
}

func dialGateway(t *testing.T, gw *Gateway) *testClient {
	t.Helper()
	c, err := net.Dial("tcp", gw.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &testClient{Conn: c}
}

func (c *testClient) send(t *testing.T, msgID, seq uint32, body string) {
	t.Helper()
	_, err := c.Write(protocol.EncodeEdge(&protocol.GatewayPacket{MsgID: msgID, Seq: seq, Body: []byte(body)}))
	require.NoError(t, err)
}

func (c *testClient) recv(t *testing.T) *protocol.GatewayPacket {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	pkt, err := protocol.ReadEdge(c, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	return pkt
}

// expectClosed waits for the gateway to close the client connection
func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := protocol.ReadEdge(c, protocol.DefaultMaxFrameSize)
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was not closed by the gateway")
	}
}

// login sends the handshake and has the login node bind the session to zone
func login(t *testing.T, c *testClient, loginNode *testNode, zone string) uint32 {
	t.Helper()
	c.send(t, msgLogin, 1, "user")
	pkt := loginNode.next(t)
	loginNode.reply(t, &protocol.GatewayPacket{
		SessionID: pkt.SessionID,
		MsgID:     config.DefaultBindZoneMsgID,
		Body:      []byte(zone),
	})
	loginNode.reply(t, &protocol.GatewayPacket{SessionID: pkt.SessionID, MsgID: msgLoginAck, Seq: 1})
	ack := c.recv(t)
	require.Equal(t, uint32(msgLoginAck), ack.MsgID)
	return pkt.SessionID
}

func TestGateway_PingPongExactBytes(t *testing.T) {
	node := startTestNode(t)
	gw := startGateway(t, testConfig(t, map[string][]string{"login": {node.addr()}}))

	c := dialGateway(t, gw)
	c.send(t, msgLogin, 7, "ping")

	// The node sees the frame stamped with the session id in internal format
	pkt := node.next(t)
	assert.Equal(t, uint32(1), pkt.SessionID)
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x10, // length = 12 + 4
		0x00, 0x00, 0x00, 0x01, // sessionId
		0x00, 0x00, 0x03, 0xE9, // msgId 1001
		0x00, 0x00, 0x00, 0x07, // seq
		'p', 'i', 'n', 'g',
	}, protocol.EncodeInternal(pkt))

	node.reply(t, &protocol.GatewayPacket{SessionID: pkt.SessionID, MsgID: 2001, Seq: 7, Body: []byte("pong")})

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x0C, // length = 8 + 4
		0x00, 0x00, 0x07, 0xD1, // msgId 2001
		0x00, 0x00, 0x00, 0x07, // seq
		'p', 'o', 'n', 'g',
	}, buf)
}

func TestGateway_UnboundSessionRejectsNonHandshakeMessage(t *testing.T) {
	node := startTestNode(t)
	gw := startGateway(t, testConfig(t, map[string][]string{"login": {node.addr()}}))

	c := dialGateway(t, gw)
	c.send(t, msgPing, 1, "too early")
	c.expectClosed(t)

	assert.Eventually(t, func() bool { return gw.Sessions().Count() == 0 }, time.Second, 10*time.Millisecond)
	select {
	case pkt := <-node.frames:
		t.Fatalf("unexpected frame forwarded: %+v", pkt)
	default:
	}
}

func TestGateway_UnroutableZoneClosesSession(t *testing.T) {
	node := startTestNode(t)
	// no login zone configured
	gw := startGateway(t, testConfig(t, map[string][]string{"zoneA": {node.addr()}}))

	c := dialGateway(t, gw)
	c.send(t, msgLogin, 1, "user")
	c.expectClosed(t)
}

func TestGateway_BindZoneRoutesToZone(t *testing.T) {
	loginNode := startTestNode(t)
	zoneNode := startTestNode(t)
	gw := startGateway(t, testConfig(t, map[string][]string{
		"login": {loginNode.addr()},
		"zoneB": {zoneNode.addr()},
	}))

	c := dialGateway(t, gw)
	sid := login(t, c, loginNode, "zoneB")

	s, ok := gw.Sessions().Lookup(sid)
	require.True(t, ok)
	zone, bound := s.Zone()
	assert.True(t, bound)
	assert.Equal(t, "zoneB", zone)

	// Bound sessions may send any message id
	c.send(t, msgPing, 2, "hello")
	pkt := zoneNode.next(t)
	assert.Equal(t, sid, pkt.SessionID)
	assert.Equal(t, uint32(msgPing), pkt.MsgID)
	assert.Equal(t, "hello", string(pkt.Body))
	assert.Equal(t, zoneNode.addr(), s.Node())

	zoneNode.reply(t, &protocol.GatewayPacket{SessionID: sid, MsgID: msgPong, Seq: 2, Body: []byte("world")})
	reply := c.recv(t)
	assert.Equal(t, uint32(msgPong), reply.MsgID)
	assert.Equal(t, "world", string(reply.Body))
}

func TestGateway_KickClosesSession(t *testing.T) {
	node := startTestNode(t)
	gw := startGateway(t, testConfig(t, map[string][]string{"login": {node.addr()}}))

	c := dialGateway(t, gw)
	c.send(t, msgLogin, 1, "user")
	pkt := node.next(t)

	node.reply(t, &protocol.GatewayPacket{SessionID: pkt.SessionID, MsgID: config.DefaultKickMsgID})
	c.expectClosed(t)
	_, ok := gw.Sessions().Lookup(pkt.SessionID)
	assert.False(t, ok)
}

func TestGateway_DemuxDropsUnknownSession(t *testing.T) {
	node := startTestNode(t)
	gw := startGateway(t, testConfig(t, map[string][]string{"login": {node.addr()}}))

	c := dialGateway(t, gw)
	c.send(t, msgLogin, 1, "user")
	pkt := node.next(t)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return gw.Sessions().Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	dropped := metrics.DemuxDropped.WithLabelValues("session_not_found")
	before := testutil.ToFloat64(dropped)

	// Late reply for the closed session is dropped without affecting the node stream
	node.reply(t, &protocol.GatewayPacket{SessionID: pkt.SessionID, MsgID: 2001, Body: []byte("late")})
	gw.HandlePacket(node.addr(), &protocol.GatewayPacket{SessionID: 424242, MsgID: 2001})
	require.Eventually(t, func() bool { return testutil.ToFloat64(dropped) >= before+2 }, 2*time.Second, 10*time.Millisecond)

	c2 := dialGateway(t, gw)
	c2.send(t, msgLogin, 2, "again")
	pkt2 := node.next(t)
	assert.NotEqual(t, pkt.SessionID, pkt2.SessionID)
	node.reply(t, &protocol.GatewayPacket{SessionID: pkt2.SessionID, MsgID: 2001, Seq: 2})
	assert.Equal(t, uint32(2), c2.recv(t).Seq)
}

func TestGateway_UnreachableNodeClosesOnlyItsZone(t *testing.T) {
	loginNode := startTestNode(t)
	nodeA := startTestNode(t)
	nodeB := startTestNode(t)
	gw := startGateway(t, testConfig(t, map[string][]string{
		"login": {loginNode.addr()},
		"zoneA": {nodeA.addr()},
		"zoneB": {nodeB.addr()},
	}))

	clientA := dialGateway(t, gw)
	sidA := login(t, clientA, loginNode, "zoneA")
	clientA.send(t, msgPing, 2, "a")
	nodeA.next(t)

	clientB := dialGateway(t, gw)
	sidB := login(t, clientB, loginNode, "zoneB")
	clientB.send(t, msgPing, 2, "b")
	nodeB.next(t)

	nodeA.kill()

	clientA.expectClosed(t)
	_, ok := gw.Sessions().Lookup(sidA)
	assert.False(t, ok)

	// zoneB keeps working
	_, ok = gw.Sessions().Lookup(sidB)
	assert.True(t, ok)
	clientB.send(t, msgPing, 3, "still here")
	pkt := nodeB.next(t)
	assert.Equal(t, sidB, pkt.SessionID)
	assert.Equal(t, "still here", string(pkt.Body))
}

func TestGateway_UpdateConfigReplacesStaticZones(t *testing.T) {
	node := startTestNode(t)
	other := startTestNode(t)
	cfg := testConfig(t, map[string][]string{
		"login": {node.addr()},
		"old":   {node.addr()},
	})
	gw, err := New(cfg)
	require.NoError(t, err)

	next := testConfig(t, map[string][]string{
		"login": {node.addr()},
		"new":   {other.addr() + "#2"},
	})
	next.Server.MaxConnections = 5
	require.NoError(t, gw.UpdateConfig(next))

	assert.Equal(t, []string{"login", "new"}, gw.Router().Zones())
	nodes := gw.Router().Nodes("new")
	require.Len(t, nodes, 1)
	assert.Equal(t, 2, nodes[0].Weight)
	assert.Equal(t, other.addr(), nodes[0].String())
	assert.Equal(t, int64(5), gw.rateLimiter.Max())
	assert.Same(t, next, gw.GetConfig())

	bad := testConfig(t, nil)
	bad.Server.ListenAddr = ""
	assert.Error(t, gw.UpdateConfig(bad))
	assert.Same(t, next, gw.GetConfig())
}

func TestGateway_HealthAndReady(t *testing.T) {
	gw, err := New(testConfig(t, nil))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	gw.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, gw.Shutdown(context.Background()))
	rec = httptest.NewRecorder()
	gw.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_ShutdownClosesClients(t *testing.T) {
	node := startTestNode(t)
	gw, err := New(testConfig(t, map[string][]string{"login": {node.addr()}}))
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))

	c := dialGateway(t, gw)
	c.send(t, msgLogin, 1, "user")
	node.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
	c.expectClosed(t)
	assert.Equal(t, 0, gw.Sessions().Count())
	assert.Empty(t, gw.Backends().States())

	_, err = net.DialTimeout("tcp", gw.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

type staticSource struct {
	snap discovery.Snapshot
}

func (s *staticSource) Load(context.Context) (discovery.Snapshot, error) { return s.snap, nil }

func (s *staticSource) Watch(ctx context.Context, _ func(discovery.Snapshot)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *staticSource) Close() error { return nil }

func TestGateway_DiscoverySuppliesZones(t *testing.T) {
	node := startTestNode(t)
	n, err := router.ParseNodeAddress(node.addr())
	require.NoError(t, err)

	src := &staticSource{snap: discovery.Snapshot{"login": {n}}}
	gw := startGateway(t, testConfig(t, nil), WithDiscoverySource(src))

	require.Eventually(t, func() bool { return len(gw.Router().Nodes("login")) == 1 }, 2*time.Second, 10*time.Millisecond)

	c := dialGateway(t, gw)
	c.send(t, msgLogin, 1, "user")
	pkt := node.next(t)
	assert.Equal(t, uint32(msgLogin), pkt.MsgID)

	// A reload that names the zone statically leaves the discovered nodes alone
	require.NoError(t, gw.UpdateConfig(testConfig(t, map[string][]string{"login": {"127.0.0.1:1"}})))
	assert.Equal(t, []router.NodeAddress{n}, gw.Router().Nodes("login"))
}

func TestGateway_MetricsServer(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Server.HealthCheckPort = 0
	gw := startGateway(t, cfg)

	addr, ok := gw.MetricsAddr().(*net.TCPAddr)
	require.True(t, ok)
	base := fmt.Sprintf("http://127.0.0.1:%d", addr.Port)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "edge_gateway_")

	resp, err = http.Get(base + "/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// countingDialer records backend dials per address
type countingDialer struct {
	net.Dialer
	mu    sync.Mutex
	dials map[string]int
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials[address]++
	d.mu.Unlock()
	return d.Dialer.DialContext(ctx, network, address)
}

func (d *countingDialer) count(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[address]
}

func TestGateway_ConcurrentSessionsShareOneBackendConnection(t *testing.T) {
	node := startTestNode(t)
	dialer := &countingDialer{dials: make(map[string]int)}
	gw := startGateway(t, testConfig(t, map[string][]string{"login": {node.addr()}}), WithBackendDialer(dialer))

	const clients = 20
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := dialGateway(t, gw)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Write(protocol.EncodeEdge(&protocol.GatewayPacket{MsgID: msgLogin, Seq: 1}))
		}()
	}
	wg.Wait()

	seen := make(map[uint32]struct{})
	for i := 0; i < clients; i++ {
		seen[node.next(t).SessionID] = struct{}{}
	}
	assert.Len(t, seen, clients, "every session id is distinct")
	assert.Equal(t, 1, dialer.count(node.addr()))
}

func TestGateway_PinnedNodeRemovedFromZoneReroutes(t *testing.T) {
	first := startTestNode(t)
	second := startTestNode(t)
	gw := startGateway(t, testConfig(t, map[string][]string{"login": {first.addr()}}))

	c := dialGateway(t, gw)
	c.send(t, msgLogin, 1, "user")
	sid := first.next(t).SessionID
	s, ok := gw.Sessions().Lookup(sid)
	require.True(t, ok)
	require.Equal(t, first.addr(), s.Node())

	n2, err := router.ParseNodeAddress(second.addr())
	require.NoError(t, err)
	n1, err := router.ParseNodeAddress(first.addr())
	require.NoError(t, err)
	require.True(t, gw.Router().AddStaticNode("login", n2))
	require.True(t, gw.Router().RemoveStaticNode("login", n1))

	// first is still alive, so only the routing table can move the session
	c.send(t, msgLogin, 2, "again")
	pkt := second.next(t)
	assert.Equal(t, sid, pkt.SessionID)
	assert.Equal(t, uint32(2), pkt.Seq)
	assert.Equal(t, second.addr(), s.Node())
	select {
	case pkt := <-first.frames:
		t.Fatalf("frame sent to removed node: %+v", pkt)
	case <-time.After(100 * time.Millisecond):
	}
}

// stalledNode accepts gateway connections and never reads from them
type stalledNode struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func startStalledNode(t *testing.T) *stalledNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := &stalledNode{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			n.mu.Lock()
			n.conns = append(n.conns, c)
			n.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		n.mu.Lock()
		defer n.mu.Unlock()
		for _, c := range n.conns {
			_ = c.Close()
		}
	})
	return n
}

// backpressureConfig shrinks both directions' watermarks so a few frames fill them
func backpressureConfig(t *testing.T, zones map[string][]string) *config.Config {
	t.Helper()
	cfg := testConfig(t, zones)
	cfg.Session.MaxFrameSize = 64 * 1024
	cfg.Session.LowWatermark = 32 * 1024
	cfg.Session.HighWatermark = 64 * 1024
	cfg.Backend.LowWatermark = 32 * 1024
	cfg.Backend.HighWatermark = 64 * 1024
	cfg.Backend.WriteTimeout = 30 * time.Second
	// keep the janitor away from sessions parked in a pause
	cfg.Session.ReadIdleTimeout = 30 * time.Second
	return cfg
}

func droppedSends() float64 {
	var total float64
	for _, reason := range []string{"buffer_full", "queue_full", "write_failed", "reconnecting"} {
		total += testutil.ToFloat64(metrics.DroppedSends.WithLabelValues(reason))
	}
	return total
}

func TestGateway_StalledNodePausesClientReads(t *testing.T) {
	node := startStalledNode(t)
	gw := startGateway(t, backpressureConfig(t, map[string][]string{"login": {node.ln.Addr().String()}}))

	droppedBefore := droppedSends()
	pausesBefore := testutil.ToFloat64(metrics.BackpressurePauses.WithLabelValues("client_to_backend"))

	const frames = 4096 // 128MiB, far beyond what socket buffers absorb
	frame := protocol.EncodeEdge(&protocol.GatewayPacket{MsgID: msgLogin, Body: make([]byte, 32*1024)})
	c := dialGateway(t, gw)
	var sent atomic.Int64
	go func() {
		for i := 0; i < frames; i++ {
			if _, err := c.Write(frame); err != nil {
				return
			}
			sent.Add(1)
		}
	}()

	// Client writes stall once the gateway stops reading from the client
	last := int64(-1)
	require.Eventually(t, func() bool {
		cur := sent.Load()
		stalled := cur > 0 && cur == last
		last = cur
		return stalled
	}, 20*time.Second, 300*time.Millisecond)
	assert.Less(t, sent.Load(), int64(frames))

	assert.Equal(t, droppedBefore, droppedSends(), "backpressure must pause, not drop")
	assert.Greater(t, testutil.ToFloat64(metrics.BackpressurePauses.WithLabelValues("client_to_backend")), pausesBefore)
	assert.Equal(t, 1, gw.Sessions().Count(), "a paused session stays open")
}

func TestGateway_SlowClientClosedOthersKeepWorking(t *testing.T) {
	node := startTestNode(t)
	gw := startGateway(t, backpressureConfig(t, map[string][]string{"login": {node.addr()}}))

	slow := dialGateway(t, gw)
	slow.send(t, msgLogin, 1, "slow")
	slowID := node.next(t).SessionID

	fast := dialGateway(t, gw)
	fast.send(t, msgLogin, 1, "fast")
	fastID := node.next(t).SessionID

	// The slow client never reads; the flood far exceeds socket buffers plus its watermark
	flood := protocol.EncodeInternal(&protocol.GatewayPacket{SessionID: slowID, MsgID: msgPong, Body: make([]byte, 32*1024)})
	node.mu.Lock()
	nc := node.conns[len(node.conns)-1]
	node.mu.Unlock()
	for i := 0; i < 2048; i++ {
		_, err := nc.Write(flood)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		_, ok := gw.Sessions().Lookup(slowID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "slow client closed after write_timeout")

	// Whatever was buffered drains, then the connection ends without a timeout
	require.NoError(t, slow.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.Copy(io.Discard, slow)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "slow client connection was not closed")
	}

	// Other sessions on the same node are unaffected
	_, ok := gw.Sessions().Lookup(fastID)
	require.True(t, ok)
	node.reply(t, &protocol.GatewayPacket{SessionID: fastID, MsgID: msgPong, Seq: 9, Body: []byte("still here")})
	reply := fast.recv(t)
	assert.Equal(t, uint32(9), reply.Seq)
	assert.Equal(t, "still here", string(reply.Body))

	fast.send(t, msgLogin, 2, "up")
	assert.Equal(t, fastID, node.next(t).SessionID)
}

func TestGateway_ConnectionDuringDrainIsClosed(t *testing.T) {
	gw, err := New(testConfig(t, map[string][]string{"login": {"127.0.0.1:1"}}))
	require.NoError(t, err)
	defer gw.Backends().Close()

	// Shutdown has started and already swept the session table
	gw.draining.Store(true)
	assert.Equal(t, 0, gw.Sessions().CloseAll())

	server, client := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.handleConnection(context.Background(), server)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection accepted during drain was served")
	}
	_, err = client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, gw.Sessions().Count())
}

func TestGateway_ConfigFileChangeIsApplied(t *testing.T) {
	node := startTestNode(t)
	doc := func(maxConnections int) []byte {
		return []byte(fmt.Sprintf(`
server: {listen_addr: "127.0.0.1:0", health_check_port: -1, max_connections: %d}
routing: {zones: {login: [%q]}}
`, maxConnections, node.addr()))
	}
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, doc(100), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	gw := startGateway(t, cfg, WithConfigFile(path, 20*time.Millisecond))
	require.Equal(t, int64(100), gw.rateLimiter.Max())

	tmp := path + ".tmp"
	require.Eventually(t, func() bool {
		_ = os.WriteFile(tmp, doc(7), 0o644)
		_ = os.Rename(tmp, path)
		return gw.rateLimiter.Max() == 7
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 7, gw.GetConfig().Server.MaxConnections)
}
