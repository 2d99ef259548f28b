package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_gateway_connections_active",
		Help: "Number of active client connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_gateway_connections_total",
		Help: "Total number of client connections",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edge_gateway_sessions_active",
		Help: "Number of active sessions",
	})

	IdleClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_gateway_sessions_idle_closed_total",
		Help: "Total number of sessions closed by the idle janitor",
	})

	// Routing metrics
	RoutingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_routing_errors_total",
		Help: "Total number of routing errors",
	}, []string{"error_type"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_protocol_errors_total",
		Help: "Total number of malformed or rejected frames",
	}, []string{"side"})

	// Rate limiting metrics
	RateLimitRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edge_gateway_rate_limit_rejected_total",
		Help: "Total number of connections rejected by rate limiter",
	})

	// Connection rejection metrics
	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_connection_rejected_total",
		Help: "Total number of connections rejected",
	}, []string{"reason"})

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// Backend metrics
	BackendState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edge_gateway_backend_state",
		Help: "Backend connection state (0=connecting, 1=connected, 2=reconnecting, 3=unreachable, 4=closed)",
	}, []string{"backend"})

	BackendReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_backend_reconnects_total",
		Help: "Total number of backend reconnect attempts",
	}, []string{"backend"})

	BackendUnreachable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_backend_unreachable_total",
		Help: "Total number of times a backend was declared unreachable",
	}, []string{"backend"})

	DroppedSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_backend_dropped_sends_total",
		Help: "Total number of frames dropped before reaching a backend",
	}, []string{"reason"})

	// Message processing
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_frames_processed_total",
		Help: "Total number of frames relayed",
	}, []string{"direction"})

	DemuxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_demux_dropped_total",
		Help: "Total number of backend frames with no deliverable session",
	}, []string{"reason"})

	BackpressurePauses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_backpressure_pauses_total",
		Help: "Total number of times a reader paused for a congested peer",
	}, []string{"direction"})

	// Request latency
	ForwardLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "edge_gateway_forward_latency_seconds",
		Help:    "Time spent handing a client frame to its backend",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
	}, []string{"zone"})

	// Configuration refresh metrics
	ConfigRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_gateway_config_refresh_errors_total",
		Help: "Total number of configuration refresh errors",
	}, []string{"config_type"})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}
