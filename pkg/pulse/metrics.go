package pulse

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsNamespace prefixes every collector name.
const metricsNamespace = "pulse"

// metrics holds the runtime's Prometheus collectors. Without WithMetrics the
// collectors exist but are not registered anywhere.
type metrics struct {
	jobsTotal           *prometheus.CounterVec
	drainsTotal         prometheus.Counter
	drainDuration       prometheus.Histogram
	recomputesTotal     *prometheus.CounterVec
	derivationFailures  prometheus.Counter
	persistenceFailures prometheus.Counter
	notifications       prometheus.Counter
	queueDepth          prometheus.Gauge
}

// newMetrics creates the collectors and registers them with reg. A nil reg
// gives unregistered collectors.
//
// Metrics collected:
//   - pulse_jobs_total: jobs performed by result (committed, skipped, background)
//   - pulse_drains_total: drain cycles
//   - pulse_drain_duration_seconds: time from first job to flush
//   - pulse_recomputes_total: computed evaluations by status
//   - pulse_derivation_failures_total: failed evaluations
//   - pulse_persistence_failures_total: storage errors
//   - pulse_notifications_total: subscriber containers notified
//   - pulse_queue_depth: jobs waiting in the queue
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_total",
			Help:      "Total number of jobs performed by the runtime",
		}, []string{"result"}),

		drainsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "drains_total",
			Help:      "Total number of drain cycles",
		}),

		drainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "drain_duration_seconds",
			Help:      "Drain cycle duration in seconds",
			Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
		}),

		recomputesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recomputes_total",
			Help:      "Total number of computed evaluations",
		}, []string{"status"}),

		derivationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "derivation_failures_total",
			Help:      "Total number of failed computed evaluations",
		}),

		persistenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of storage errors",
		}),

		notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Total number of subscriber container notifications",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Number of jobs waiting in the runtime queue",
		}),
	}
}

func (m *metrics) job(result string) {
	m.jobsTotal.WithLabelValues(result).Inc()
}

func (m *metrics) drain(d time.Duration) {
	m.drainsTotal.Inc()
	m.drainDuration.Observe(d.Seconds())
}

func (m *metrics) recompute(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.recomputesTotal.WithLabelValues(status).Inc()
}
