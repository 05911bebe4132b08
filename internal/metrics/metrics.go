package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_gateway_connections_active",
		Help: "Number of registered WebSocket connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_connections_total",
		Help: "Total number of accepted WebSocket upgrades",
	})

	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_connection_rejected_total",
		Help: "Total number of connections rejected before or right after upgrade",
	}, []string{"reason"})

	// Authentication metrics
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_auth_failures_total",
		Help: "Total number of failed connection authentications",
	}, []string{"reason"})

	AuthLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_gateway_auth_callback_latency_seconds",
		Help:    "Auth callback latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// Delivery metrics
	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_messages_delivered_total",
		Help: "Total number of messages handed to a local connection",
	}, []string{"source"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_messages_dropped_total",
		Help: "Total number of messages dropped before reaching a connection",
	}, []string{"reason"})

	StaleEntriesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_stale_entries_removed_total",
		Help: "Total number of directory entries removed because their connection no longer exists",
	})

	// Directory metrics
	DirectoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_directory_errors_total",
		Help: "Total number of session directory read or write failures",
	}, []string{"op"})

	// Forwarding metrics
	ForwardBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_gateway_forward_batches_total",
		Help: "Total number of batches forwarded to peer nodes",
	})

	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_forward_errors_total",
		Help: "Total number of failed peer forwards",
	}, []string{"reason"})

	ForwardLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_gateway_forward_latency_seconds",
		Help:    "Peer forward latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"peer"})

	// HTTP API metrics
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_gateway_request_latency_seconds",
		Help:    "HTTP API request latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 1s
	}, []string{"route"})

	// Configuration reload metrics
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_gateway_config_reloads_total",
		Help: "Total number of configuration reload attempts",
	}, []string{"result"})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}

// IncDropped increments the dropped messages counter
func IncDropped(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}
