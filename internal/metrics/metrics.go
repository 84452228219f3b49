package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections reports the number of open gateway connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tasksync_gateway_connections",
		Help: "Current number of open realtime connections",
	})
	// InboundEvents counts client events by name and outcome.
	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_gateway_events_total",
		Help: "Inbound realtime events by event name and outcome",
	}, []string{"event", "outcome"})
	// Broadcasts counts outbound broadcasts by event name.
	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_broadcasts_total",
		Help: "Broadcast events published to connected clients",
	}, []string{"event"})
	// DroppedBroadcasts counts deliveries skipped because a newer version of
	// the record had already been delivered.
	DroppedBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_broadcasts_superseded_total",
		Help: "Broadcasts skipped because a newer version was already delivered",
	})
	// LockOutcomes counts conditional write outcomes by operation.
	LockOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksync_lock_outcomes_total",
		Help: "Conditional write outcomes by operation and result",
	}, []string{"op", "result"})
	// SweptLocks counts locks cleared by the stale-lock reaper.
	SweptLocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_swept_locks_total",
		Help: "Stale locks cleared by the reaper",
	})
	// ReleasedLocks counts locks released in bulk on disconnect.
	ReleasedLocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tasksync_disconnect_released_locks_total",
		Help: "Locks released because their holder disconnected",
	})
	// StoreLatency observes task store call durations.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tasksync_store_duration_seconds",
		Help:    "Latency of task store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the service metrics on reg.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		Connections,
		InboundEvents,
		Broadcasts,
		DroppedBroadcasts,
		LockOutcomes,
		SweptLocks,
		ReleasedLocks,
		StoreLatency,
	)
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
