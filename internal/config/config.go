package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/SkynetNext/edge-gateway/internal/protocol"
	"github.com/SkynetNext/edge-gateway/internal/router"
	"gopkg.in/yaml.v3"
)

// Backend unavailable policies
const (
	PolicyDrop  = "drop"
	PolicyQueue = "queue"
)

// Discovery providers
const (
	ProviderNone   = "none"
	ProviderRedis  = "redis"
	ProviderConsul = "consul"
)

// Default control message ids (backend -> gateway, never forwarded to clients)
const (
	DefaultHeartbeatMsgID = 0xFFFF0000
	DefaultBindZoneMsgID  = 0xFFFF0001
	DefaultKickMsgID      = 0xFFFF0002
)

// Config represents gateway configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Client session configuration
	Session SessionConfig `yaml:"session"`

	// Routing configuration
	Routing RoutingConfig `yaml:"routing"`

	// Backend node connection configuration
	Backend BackendConfig `yaml:"backend"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Service discovery configuration
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Listen address for client connections
	ListenAddr string `yaml:"listen_addr"`

	// Health check and metrics port; negative disables the HTTP server
	HealthCheckPort int `yaml:"health_check_port"`

	// Maximum concurrent client connections
	MaxConnections int `yaml:"max_connections"`

	// Worker concurrency (GOMAXPROCS); 0 keeps the runtime default
	Workers int `yaml:"workers"`
}

// SessionConfig represents client connection settings
type SessionConfig struct {
	// Close the connection when no frame arrives for this long
	ReadIdleTimeout time.Duration `yaml:"read_idle_timeout"`

	// Per-write socket deadline; also bounds how long a backend read waits on a slow client
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Maximum frame size in bytes, header included
	MaxFrameSize int `yaml:"max_frame_size"`

	// Outbound buffer watermarks in bytes
	LowWatermark  int `yaml:"low_watermark"`
	HighWatermark int `yaml:"high_watermark"`

	// How often the idle janitor sweeps the session table
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// RoutingConfig represents routing configuration
type RoutingConfig struct {
	// Node selection strategy: static, round_robin, weighted_round_robin, consistent_hash
	Strategy string `yaml:"strategy"`

	// Static zone table: zone -> list of "host:port" or "host:port#weight"
	Zones map[string][]string `yaml:"zones"`

	// Routing for sessions that have not bound a zone yet
	Handshake HandshakeConfig `yaml:"handshake"`

	// Control message ids sent by nodes
	Control ControlConfig `yaml:"control"`
}

// HandshakeConfig lists what an unbound session may send and where it goes
type HandshakeConfig struct {
	Zone   string   `yaml:"zone"`
	MsgIDs []uint32 `yaml:"msg_ids"`
}

// ControlConfig holds message ids of node-to-gateway control frames
type ControlConfig struct {
	BindZoneMsgID uint32 `yaml:"bind_zone_msg_id"`
	KickMsgID     uint32 `yaml:"kick_msg_id"`
}

// BackendConfig represents backend node connection configuration
type BackendConfig struct {
	// Connection dial timeout
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Per-write socket deadline
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Reconnect backoff: base delay doubling up to max_backoff
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`

	// Consecutive failed dials before a node is declared unreachable
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// Heartbeat after this long without writes
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMsgID    uint32        `yaml:"heartbeat_msg_id"`

	// What to do with frames sent while reconnecting: drop or queue
	UnavailablePolicy string `yaml:"unavailable_policy"`

	// Bound of the pending queue used while (re)connecting
	QueueSize int `yaml:"queue_size"`

	// Outbound buffer watermarks in bytes
	LowWatermark  int `yaml:"low_watermark"`
	HighWatermark int `yaml:"high_watermark"`

	// How long new sends are rejected after a node was declared unreachable
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum connections per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Connection rate limit (connections per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// DiscoveryConfig selects the runtime source of zone membership
type DiscoveryConfig struct {
	Provider string       `yaml:"provider"`
	Redis    RedisConfig  `yaml:"redis"`
	Consul   ConsulConfig `yaml:"consul"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Full reload interval; change notifications trigger reloads in between
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// ConsulConfig represents Consul catalog configuration
type ConsulConfig struct {
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token"`
	Service string `yaml:"service"`

	// Service meta key carrying the node's zone
	ZoneMetaKey string `yaml:"zone_meta_key"`

	// Blocking query wait time
	WaitTime time.Duration `yaml:"wait_time"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// OTLP gRPC endpoint; empty disables export
	Endpoint string `yaml:"endpoint"`

	// Service name reported to the collector
	ServiceName string `yaml:"service_name"`

	// Fraction of root traces sampled; 0 samples everything
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// ZoneTable parses the static zone table
func (r *RoutingConfig) ZoneTable() (map[string][]router.NodeAddress, error) {
	table := make(map[string][]router.NodeAddress, len(r.Zones))
	for zone, list := range r.Zones {
		nodes, err := router.ParseNodeAddresses(list)
		if err != nil {
			return nil, fmt.Errorf("routing.zones[%s]: %w", zone, err)
		}
		table[zone] = nodes
	}
	return table, nil
}

// ZoneNames returns the statically configured zones in sorted order
func (r *RoutingConfig) ZoneNames() []string {
	names := make([]string, 0, len(r.Zones))
	for zone := range r.Zones {
		names = append(names, zone)
	}
	sort.Strings(names)
	return names
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	// Validate server configuration
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must not exceed 65535")
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be greater than 0")
	}
	if cfg.Server.Workers < 0 {
		return fmt.Errorf("server.workers must not be negative")
	}

	// Validate session configuration
	if cfg.Session.ReadIdleTimeout <= 0 {
		return fmt.Errorf("session.read_idle_timeout must be greater than 0")
	}
	if cfg.Session.MaxFrameSize < 12 {
		return fmt.Errorf("session.max_frame_size must be at least 12")
	}
	if cfg.Session.LowWatermark > cfg.Session.HighWatermark {
		return fmt.Errorf("session.low_watermark must not exceed session.high_watermark")
	}

	// Validate routing configuration
	if _, err := router.NewRouter(router.RoutingStrategy(cfg.Routing.Strategy)); err != nil {
		return fmt.Errorf("routing.strategy: %w", err)
	}
	if _, err := cfg.Routing.ZoneTable(); err != nil {
		return err
	}
	if cfg.Routing.Control.BindZoneMsgID == cfg.Routing.Control.KickMsgID {
		return fmt.Errorf("routing.control.bind_zone_msg_id and kick_msg_id must differ")
	}

	// Validate backend configuration
	if cfg.Backend.DialTimeout <= 0 {
		return fmt.Errorf("backend.dial_timeout must be greater than 0")
	}
	if cfg.Backend.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("backend.max_reconnect_attempts must be greater than 0")
	}
	if cfg.Backend.ReconnectBaseDelay > cfg.Backend.MaxBackoff {
		return fmt.Errorf("backend.reconnect_base_delay must not exceed backend.max_backoff")
	}
	switch cfg.Backend.UnavailablePolicy {
	case PolicyDrop, PolicyQueue:
	default:
		return fmt.Errorf("backend.unavailable_policy must be %q or %q", PolicyDrop, PolicyQueue)
	}
	if cfg.Backend.QueueSize < 0 {
		return fmt.Errorf("backend.queue_size must not be negative")
	}
	if cfg.Backend.LowWatermark > cfg.Backend.HighWatermark {
		return fmt.Errorf("backend.low_watermark must not exceed backend.high_watermark")
	}

	// Writers cap queued bytes at 4x the high watermark; one maximum frame must fit
	frameCap := protocol.MaxWireSize(cfg.Session.MaxFrameSize)
	if h := cfg.Session.HighWatermark; h > 0 && 4*h < frameCap {
		return fmt.Errorf("4 x session.high_watermark must be at least %d bytes to hold a max_frame_size frame", frameCap)
	}
	if h := cfg.Backend.HighWatermark; h > 0 && 4*h < frameCap {
		return fmt.Errorf("4 x backend.high_watermark must be at least %d bytes to hold a max_frame_size frame", frameCap)
	}

	// Validate discovery configuration
	switch cfg.Discovery.Provider {
	case ProviderNone:
	case ProviderRedis:
		if cfg.Discovery.Redis.Addr == "" {
			return fmt.Errorf("discovery.redis.addr is required")
		}
		if cfg.Discovery.Redis.PoolSize <= 0 {
			return fmt.Errorf("discovery.redis.pool_size must be greater than 0")
		}
	case ProviderConsul:
		if cfg.Discovery.Consul.Service == "" {
			return fmt.Errorf("discovery.consul.service is required")
		}
	default:
		return fmt.Errorf("discovery.provider must be one of none, redis, consul")
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}

	if cfg.Session.ReadIdleTimeout == 0 {
		cfg.Session.ReadIdleTimeout = 120 * time.Second
	}
	if cfg.Session.WriteTimeout == 0 {
		cfg.Session.WriteTimeout = 10 * time.Second
	}
	if cfg.Session.MaxFrameSize == 0 {
		cfg.Session.MaxFrameSize = 1024 * 1024 // 1MB default
	}
	if cfg.Session.HighWatermark == 0 {
		cfg.Session.HighWatermark = 512 * 1024
	}
	if cfg.Session.LowWatermark == 0 {
		cfg.Session.LowWatermark = 256 * 1024
	}
	if cfg.Session.JanitorInterval == 0 {
		cfg.Session.JanitorInterval = 30 * time.Second
	}

	if cfg.Routing.Strategy == "" {
		cfg.Routing.Strategy = string(router.StrategyRoundRobin)
	}
	if cfg.Routing.Handshake.Zone == "" {
		cfg.Routing.Handshake.Zone = "login"
	}
	if cfg.Routing.Control.BindZoneMsgID == 0 {
		cfg.Routing.Control.BindZoneMsgID = DefaultBindZoneMsgID
	}
	if cfg.Routing.Control.KickMsgID == 0 {
		cfg.Routing.Control.KickMsgID = DefaultKickMsgID
	}

	if cfg.Backend.DialTimeout == 0 {
		cfg.Backend.DialTimeout = 5 * time.Second
	}
	if cfg.Backend.WriteTimeout == 0 {
		cfg.Backend.WriteTimeout = 10 * time.Second
	}
	if cfg.Backend.ReconnectBaseDelay == 0 {
		cfg.Backend.ReconnectBaseDelay = 100 * time.Millisecond
	}
	if cfg.Backend.MaxBackoff == 0 {
		cfg.Backend.MaxBackoff = 5 * time.Second
	}
	if cfg.Backend.MaxReconnectAttempts == 0 {
		cfg.Backend.MaxReconnectAttempts = 5
	}
	if cfg.Backend.HeartbeatInterval == 0 {
		cfg.Backend.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Backend.HeartbeatMsgID == 0 {
		cfg.Backend.HeartbeatMsgID = DefaultHeartbeatMsgID
	}
	if cfg.Backend.UnavailablePolicy == "" {
		cfg.Backend.UnavailablePolicy = PolicyDrop
	}
	if cfg.Backend.QueueSize == 0 {
		cfg.Backend.QueueSize = 1024
	}
	if cfg.Backend.HighWatermark == 0 {
		cfg.Backend.HighWatermark = 4 * 1024 * 1024
	}
	if cfg.Backend.LowWatermark == 0 {
		cfg.Backend.LowWatermark = 1024 * 1024
	}
	if cfg.Backend.BreakerCooldown == 0 {
		cfg.Backend.BreakerCooldown = 10 * time.Second
	}

	// Security defaults
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 10 // 10 connections per IP default
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 5 // 5 connections per second per IP
	}

	if cfg.Discovery.Provider == "" {
		cfg.Discovery.Provider = ProviderNone
	}
	r := &cfg.Discovery.Redis
	if r.Addr == "" {
		r.Addr = "localhost:6379"
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = "edge-gateway:"
	}
	if r.PoolSize == 0 {
		r.PoolSize = 10
	}
	if r.MinIdleConns == 0 {
		r.MinIdleConns = 2
	}
	if r.DialTimeout == 0 {
		r.DialTimeout = 5 * time.Second
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 3 * time.Second
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 3 * time.Second
	}
	if r.RefreshInterval == 0 {
		r.RefreshInterval = 30 * time.Second
	}
	c := &cfg.Discovery.Consul
	if c.Addr == "" {
		c.Addr = "http://127.0.0.1:8500"
	}
	if c.ZoneMetaKey == "" {
		c.ZoneMetaKey = "zone"
	}
	if c.WaitTime == 0 {
		c.WaitTime = 30 * time.Second
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "edge-gateway"
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}
}
