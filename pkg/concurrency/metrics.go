package concurrency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dinolock"

// Metrics are the lock manager's prometheus collectors.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Waits        prometheus.Counter
	WaitDuration prometheus.Histogram
	Deadlocks    prometheus.Counter
	Timeouts     prometheus.Counter
	GrantedLocks prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock_manager",
			Name:      "requests_total",
			Help:      "Lock manager requests by operation and lock type.",
		}, []string{"op", "type"}),
		Waits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock_manager",
			Name:      "waits_total",
			Help:      "Requests that had to queue behind a conflicting lock.",
		}),
		WaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock_manager",
			Name:      "wait_duration_seconds",
			Help:      "Time queued requests spent waiting before being granted.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		Deadlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock_manager",
			Name:      "deadlocks_total",
			Help:      "Requests rejected because waiting would deadlock.",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock_manager",
			Name:      "wait_timeouts_total",
			Help:      "Requests abandoned after the lock wait timeout.",
		}),
		GrantedLocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock_manager",
			Name:      "granted_locks",
			Help:      "Locks currently held across all transactions.",
		}),
	}
}
