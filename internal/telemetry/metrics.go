package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects chatd runtime metrics on a private registry so
// instances can be created independently in tests.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	decodeFailures prometheus.Counter
	storeOps       *prometheus.CounterVec
	tokensTotal    prometheus.Counter
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_turns_total",
			Help: "Completed conversation turns by outcome.",
		}, []string{"status"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatd_turn_duration_seconds",
			Help:    "End-to-end turn duration including the model call.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		decodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatd_session_decode_failures_total",
			Help: "Stored session blobs that failed to decode and were discarded.",
		}),
		storeOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatd_store_operations_total",
			Help: "Session store operations by operation and outcome.",
		}, []string{"op", "status"}),
		tokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatd_tokens_total",
			Help: "Model tokens consumed across all turns.",
		}),
	}
}

// RecordTurn records a completed turn with its outcome and duration.
func (m *Metrics) RecordTurn(status string, duration time.Duration, tokens int) {
	m.turnsTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
	if tokens > 0 {
		m.tokensTotal.Add(float64(tokens))
	}
}

// RecordDecodeFailure records a discarded corrupt session blob.
func (m *Metrics) RecordDecodeFailure() {
	m.decodeFailures.Inc()
}

// RecordStoreOp records a session store operation.
func (m *Metrics) RecordStoreOp(op, status string) {
	m.storeOps.WithLabelValues(op, status).Inc()
}

// Handler returns an HTTP handler serving the Prometheus exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
