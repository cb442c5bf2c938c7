package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative workspace backend.
//
// Naming convention: namespace_subsystem_name
// - namespace: blockshare (application-level grouping)
// - subsystem: websocket, locks, workspace (feature-level grouping)
// - name: specific metric (connections_active, acquisitions_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, online users)
// - Counter: Cumulative events (lock acquisitions, commits, drops)
// - Histogram: Latency distributions (message handling time)

var (
	// ActiveConnections tracks the current number of active WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blockshare",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of online users per room.
	OnlineUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blockshare",
		Subsystem: "workspace",
		Name:      "online_users",
		Help:      "Number of online users in each room",
	}, []string{"room_id"})

	// LockAcquisitions tracks lock acquisition attempts by outcome (granted/denied).
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "locks",
		Name:      "acquisitions_total",
		Help:      "Total block lock acquisition attempts",
	}, []string{"outcome"})

	// LocksReleased tracks lock releases by trigger (commit/disconnect).
	LocksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "locks",
		Name:      "released_total",
		Help:      "Total block locks released",
	}, []string{"trigger"})

	// CommitsApplied tracks committed block mutations.
	CommitsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "workspace",
		Name:      "commits_total",
		Help:      "Total block commits applied",
	})

	// MessagesDropped tracks inbound frames discarded before dispatch.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "websocket",
		Name:      "messages_dropped_total",
		Help:      "Total inbound messages dropped",
	}, []string{"reason"})

	// SendQueueDrops tracks outbound messages dropped because a client's send queue was full.
	SendQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "websocket",
		Name:      "send_queue_drops_total",
		Help:      "Total outbound messages dropped due to a full send queue",
	})

	// MessageProcessingDuration tracks the time spent handling inbound messages.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blockshare",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RateLimitExceeded tracks requests rejected by rate limiting.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"path", "limit_type"})

	// CircuitBreakerState tracks the Redis circuit breaker state (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "blockshare",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures tracks requests rejected by an open circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockshare",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total requests rejected by an open circuit breaker",
	}, []string{"name"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
