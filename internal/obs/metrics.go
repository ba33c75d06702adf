// Package obs holds the shared logger and prometheus metrics for the
// identity engine.
package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_operations_total",
			Help: "Identity engine operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	sessionsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_sessions_issued_total",
		Help: "Session tokens issued.",
	})

	passwordHashDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "identity_password_hash_duration_seconds",
		Help:    "Password hash and verification latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// Init registers the engine metrics with the default registry. Call once at
// process start.
func Init() {
	prometheus.MustRegister(operationsTotal, sessionsIssuedTotal, passwordHashDuration)
}

// Handler exposes the default registry for embedding binaries.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncOperation counts one operation with its outcome ("ok", "conflict",
// "not_found", "unauthorized", "throttled").
func IncOperation(op, outcome string) {
	operationsTotal.WithLabelValues(op, outcome).Inc()
}

// IncSessionIssued counts one issued session token.
func IncSessionIssued() {
	sessionsIssuedTotal.Inc()
}

// ObserveHashDuration records how long a hash or verification took.
func ObserveHashDuration(d time.Duration) {
	passwordHashDuration.Observe(d.Seconds())
}
