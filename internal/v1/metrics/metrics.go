package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the corkboard realtime hub.
// Declared in one package to keep metric names in a single place
// and avoid coupling between packages.
//
// Naming convention: namespace_subsystem_name
// - namespace: corkboard (application-level grouping)
// - subsystem: websocket, space, bridge (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, spaces, locks)
// - Counter: Cumulative events (frames processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "corkboard",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSpaces tracks the current number of spaces with at least one member (Gauge - current state)
	ActiveSpaces = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "corkboard",
		Subsystem: "space",
		Name:      "spaces_active",
		Help:      "Current number of spaces with at least one connected member",
	})

	// SpaceMembers tracks the number of members in each space (GaugeVec with space_id label - current state per space)
	// Using Gauge instead of Histogram because we want current member count per space,
	// not distribution of historical counts
	SpaceMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corkboard",
		Subsystem: "space",
		Name:      "members_count",
		Help:      "Number of connected members in each space",
	}, []string{"space_id"})

	// ActiveLocks tracks the current number of held card locks (Gauge - current state)
	ActiveLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "corkboard",
		Subsystem: "space",
		Name:      "locks_active",
		Help:      "Current number of held card locks",
	})

	// WebsocketEvents tracks the total number of WebSocket frames processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corkboard",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"event_type", "status"})

	// FrameProcessingDuration tracks the time spent handling inbound frames (HistogramVec - latency distribution)
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "corkboard",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent handling inbound WebSocket frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// HeartbeatTerminations tracks connections closed by the liveness sweep (Counter - cumulative)
	HeartbeatTerminations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corkboard",
		Subsystem: "websocket",
		Name:      "heartbeat_terminations_total",
		Help:      "Total connections terminated for missing heartbeat responses",
	})

	// SendBufferDrops tracks frames dropped because a client send buffer was full (Counter - cumulative)
	SendBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corkboard",
		Subsystem: "websocket",
		Name:      "send_buffer_drops_total",
		Help:      "Total outbound frames dropped due to a full client send buffer",
	})

	// RateLimitRejections tracks rejected connection attempts and throttled frames (CounterVec - cumulative)
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corkboard",
		Subsystem: "websocket",
		Name:      "rate_limit_rejections_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"scope"})

	// BridgeEvents tracks events published to and consumed from the Redis bridge (CounterVec - cumulative)
	BridgeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corkboard",
		Subsystem: "bridge",
		Name:      "events_total",
		Help:      "Total events published to or consumed from the Redis bridge",
	}, []string{"direction", "status"})

	// RedisOperationsTotal tracks individual Redis operations by outcome (CounterVec - cumulative)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corkboard",
		Subsystem: "bridge",
		Name:      "redis_operations_total",
		Help:      "Total Redis operations by type and outcome",
	}, []string{"operation", "status"})

	// CircuitBreakerState exposes the bridge circuit breaker state (Gauge: 0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corkboard",
		Subsystem: "bridge",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations that tripped the breaker's failure counter (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corkboard",
		Subsystem: "bridge",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total failures counted by the circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
