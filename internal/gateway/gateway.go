package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/backend"
	"github.com/SkynetNext/edge-gateway/internal/config"
	"github.com/SkynetNext/edge-gateway/internal/consul"
	"github.com/SkynetNext/edge-gateway/internal/discovery"
	"github.com/SkynetNext/edge-gateway/internal/logger"
	"github.com/SkynetNext/edge-gateway/internal/metrics"
	"github.com/SkynetNext/edge-gateway/internal/middleware"
	"github.com/SkynetNext/edge-gateway/internal/ratelimit"
	"github.com/SkynetNext/edge-gateway/internal/redis"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"github.com/SkynetNext/edge-gateway/internal/session"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Gateway represents the edge gateway service
type Gateway struct {
	config   *config.Config
	configMu sync.RWMutex // Protects config updates

	configPath     string
	reloadDebounce time.Duration
	clock          clock.Clock

	// Components
	sessions *session.Table
	router   *router.Router
	pool     *backend.Pool
	source   discovery.Source
	syncer   *discovery.Syncer
	controls map[uint32]controlHandler

	// Limits and edge settings change on hot reload; connections release the IP
	// limiter they acquired
	rateLimiter *ratelimit.Limiter
	ipLimiter   atomic.Pointer[ratelimit.IPLimiter]
	settings    atomic.Pointer[edgeSettings]

	// Zones loaded from the config file, replaced on reload
	staticZones map[string]struct{}

	// Network
	listener        net.Listener
	metricsServer   *http.Server
	metricsListener net.Listener
	metricsAddr     net.Addr

	// State
	draining atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	conns    sync.WaitGroup
}

// Option configures a Gateway
type Option func(*gatewayOptions)

type gatewayOptions struct {
	source         discovery.Source
	clock          clock.Clock
	configPath     string
	reloadDebounce time.Duration
	dialer         backend.Dialer
}

// WithDiscoverySource overrides the source selected by discovery.provider
func WithDiscoverySource(src discovery.Source) Option {
	return func(o *gatewayOptions) {
		o.source = src
	}
}

// WithClock sets the clock used by the session janitor and backend timers
func WithClock(c clock.Clock) Option {
	return func(o *gatewayOptions) {
		o.clock = c
	}
}

// WithConfigFile watches path and applies changes once writes settle for debounce
func WithConfigFile(path string, debounce time.Duration) Option {
	return func(o *gatewayOptions) {
		o.configPath = path
		o.reloadDebounce = debounce
	}
}

// WithBackendDialer replaces the dialer used for node connections
func WithBackendDialer(d backend.Dialer) Option {
	return func(o *gatewayOptions) {
		o.dialer = d
	}
}

// New creates a new gateway instance
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := gatewayOptions{clock: clock.New(), reloadDebounce: config.DefaultReloadDebounce}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.Server.Workers > 0 {
		prev := runtime.GOMAXPROCS(cfg.Server.Workers)
		logger.Info("worker concurrency set",
			zap.Int("workers", cfg.Server.Workers),
			zap.Int("previous", prev),
		)
	}

	rtr, err := router.NewRouter(router.RoutingStrategy(cfg.Routing.Strategy))
	if err != nil {
		return nil, err
	}
	zones, err := cfg.Routing.ZoneTable()
	if err != nil {
		return nil, err
	}
	static := make(map[string]struct{}, len(zones))
	for zone, nodes := range zones {
		rtr.ReplaceZone(zone, nodes)
		static[zone] = struct{}{}
	}

	g := &Gateway{
		config:         cfg,
		configPath:     o.configPath,
		reloadDebounce: o.reloadDebounce,
		clock:          o.clock,
		sessions:       session.NewTable(session.WithClock(o.clock)),
		router:         rtr,
		staticZones:    static,
	}

	poolOpts := []backend.Option{
		backend.WithOnUnreachable(g.onNodeUnreachable),
		backend.WithMaxFrameSize(cfg.Session.MaxFrameSize),
		backend.WithClock(o.clock),
	}
	if o.dialer != nil {
		poolOpts = append(poolOpts, backend.WithDialer(o.dialer))
	}
	g.pool = backend.NewPool(cfg.Backend, g, poolOpts...)
	g.controls = g.buildControlTable(cfg.Routing.Control)

	g.rateLimiter = ratelimit.NewLimiter(int64(cfg.Server.MaxConnections))
	g.ipLimiter.Store(ratelimit.NewIPLimiter(
		cfg.Security.MaxConnectionsPerIP,
		cfg.Security.ConnectionRateLimit,
		ratelimit.WithIPClock(o.clock),
	))
	g.settings.Store(newEdgeSettings(cfg))

	g.source = o.source
	if g.source == nil {
		g.source = newSource(&cfg.Discovery)
	}
	if g.source != nil {
		g.syncer = discovery.NewSyncer(g.source, rtr)
	}

	return g, nil
}

func newSource(cfg *config.DiscoveryConfig) discovery.Source {
	switch cfg.Provider {
	case config.ProviderRedis:
		return redis.NewClient(&cfg.Redis)
	case config.ProviderConsul:
		return consul.NewDiscovery(&cfg.Consul)
	default:
		return nil
	}
}

// Start binds the listener and runs the background tasks. It returns once the
// gateway is accepting connections; Shutdown stops it.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return errors.New("gateway already started")
	}
	cfg := g.GetConfig()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	g.listener = ln

	// Batch 100 logs or flush every 5 seconds
	middleware.InitAccessLogger(100, 5*time.Second)

	if cfg.Server.HealthCheckPort >= 0 {
		if err := g.startMetricsServer(cfg.Server.HealthCheckPort); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, g.cancel = context.WithCancel(ctx)
	grp, gctx := errgroup.WithContext(ctx)
	g.group = grp

	grp.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		if g.metricsServer != nil {
			_ = g.metricsServer.Close()
		}
		return nil
	})
	grp.Go(func() error {
		return g.acceptLoop(gctx)
	})
	grp.Go(func() error {
		g.janitor(gctx)
		return nil
	})

	if g.syncer != nil {
		grp.Go(func() error {
			if err := g.syncer.Run(gctx); err != nil && gctx.Err() == nil {
				// Routing keeps its last known table
				logger.Error("service discovery stopped", zap.Error(err))
			}
			return nil
		})
	}

	if g.configPath != "" {
		hot := config.NewHotReloadManager(cfg, g.UpdateConfig)
		grp.Go(func() error {
			if err := hot.WatchConfigFile(gctx, g.configPath, g.reloadDebounce); err != nil && gctx.Err() == nil {
				// The running configuration stays in effect
				logger.Error("config file watch stopped", zap.String("path", g.configPath), zap.Error(err))
			}
			return nil
		})
	}

	if g.metricsServer != nil {
		grp.Go(func() error {
			if err := g.metricsServer.Serve(g.metricsListener); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("gateway started",
		zap.String("listen_addr", ln.Addr().String()),
		zap.String("strategy", string(g.router.Strategy())),
		zap.Strings("zones", g.router.Zones()),
	)
	return nil
}

// Addr returns the listener address, or nil before Start
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// MetricsAddr returns the health/metrics server address, or nil when disabled
func (g *Gateway) MetricsAddr() net.Addr {
	return g.metricsAddr
}

// Wait blocks until the background tasks exit and returns the first task error
func (g *Gateway) Wait() error {
	if g.group == nil {
		return nil
	}
	return g.group.Wait()
}

// Shutdown gracefully shuts down the gateway. Errors from every step are collected.
func (g *Gateway) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	if !g.draining.CompareAndSwap(false, true) {
		return nil
	}
	var errs error

	// 2. Stop accepting new connections
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
		}
	}

	// 3. Close client sessions; their handlers exit on the read error
	closed := g.sessions.CloseAll()
	logger.Info("gateway draining", zap.Int("sessions_closed", closed))
	if err := waitGroup(ctx, &g.conns); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("wait for connections: %w", err))
	}

	// 4. Shutdown metrics server
	if g.metricsServer != nil {
		if err := g.metricsServer.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
	}

	// 5. Stop background tasks and backend connections
	if g.cancel != nil {
		g.cancel()
	}
	errs = multierr.Append(errs, g.pool.Close())

	if g.group != nil {
		done := make(chan error, 1)
		go func() { done <- g.group.Wait() }()
		select {
		case err := <-done:
			errs = multierr.Append(errs, err)
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("wait for background tasks: %w", ctx.Err()))
		}
	}

	if g.source != nil {
		if err := g.source.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close discovery source: %w", err))
		}
	}
	g.ipLimiter.Load().Stop()

	// 6. Shutdown access logger
	middleware.ShutdownAccessLogger()

	logger.Info("gateway stopped")
	return errs
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acceptLoop accepts incoming connections until the listener closes
func (g *Gateway) acceptLoop(ctx context.Context) error {
	var tempDelay time.Duration
	for {
		nc, err := g.listener.Accept()
		if err != nil {
			// Check if listener was closed (normal shutdown)
			if g.draining.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			logger.Warn("accept connection error",
				zap.Duration("retry_in", tempDelay),
				zap.Error(err),
			)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		g.conns.Add(1)
		go func(c net.Conn) {
			defer g.conns.Done()
			g.handleConnection(ctx, c)
		}(nc)
	}
}

// janitor closes sessions whose clients went quiet for longer than the read idle
// timeout. The read deadline covers ordinary connections; this catches sessions
// parked in a backpressure wait.
func (g *Gateway) janitor(ctx context.Context) {
	interval := g.GetConfig().Session.JanitorInterval
	if interval <= 0 {
		return
	}
	ticker := g.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := g.settings.Load().readIdleTimeout
			if n := g.sessions.CloseIdle(idle); n > 0 {
				metrics.IdleClosed.Add(float64(n))
				logger.Info("closed idle sessions",
					zap.Int("count", n),
					zap.Duration("idle_timeout", idle),
				)
			}
		}
	}
}

// onNodeUnreachable closes every session routed to address or bound to a zone
// that lists it. Sessions in other zones are untouched.
func (g *Gateway) onNodeUnreachable(address string) {
	zones := g.router.ZonesFor(address)
	affected := make(map[string]struct{}, len(zones))
	for _, z := range zones {
		affected[z] = struct{}{}
	}

	n := g.sessions.CloseWhere(func(s *session.Session) bool {
		if s.Node() == address {
			return true
		}
		if z, ok := s.Zone(); ok {
			_, hit := affected[z]
			return hit
		}
		return false
	})
	logger.Warn("closed sessions of unreachable node",
		zap.String("address", address),
		zap.Strings("zones", zones),
		zap.Int("sessions_closed", n),
	)
}

// Sessions returns the session table
func (g *Gateway) Sessions() *session.Table {
	return g.sessions
}

// Router returns the node router
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Backends returns the backend pool
func (g *Gateway) Backends() *backend.Pool {
	return g.pool
}

// startMetricsServer binds the metrics and health check HTTP server
func (g *Gateway) startMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.Handle("/metrics", promhttp.Handler()) // Prometheus metrics endpoint

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	g.metricsListener = ln
	g.metricsAddr = ln.Addr()
	g.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("metrics server started",
		zap.String("addr", ln.Addr().String()),
	)
	return nil
}

// healthHandler handles health check requests
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (g *Gateway) readyHandler(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Ready sessions=%d backends=%d", g.sessions.Count(), len(g.pool.States()))
}
