package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsOption configures Prometheus.
type MetricsOption func(*metricsOptions)

type metricsOptions struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
}

// WithNamespace sets the metric namespace. Default: "pulse".
func WithNamespace(ns string) MetricsOption {
	return func(o *metricsOptions) { o.namespace = ns }
}

// WithSubsystem sets the metric subsystem. Default: "devtools".
func WithSubsystem(sub string) MetricsOption {
	return func(o *metricsOptions) { o.subsystem = sub }
}

// WithRegistry registers the collectors with reg instead of
// prometheus.DefaultRegisterer.
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(o *metricsOptions) { o.registry = reg }
}

// Metrics holds the request collectors. Create one per registry with
// Prometheus.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	streamsActive   prometheus.Gauge
}

// Prometheus creates the request collectors and registers them.
func Prometheus(opts ...MetricsOption) *Metrics {
	o := metricsOptions{
		namespace: "pulse",
		subsystem: "devtools",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registry)
	name := func(n string) string {
		return prometheus.BuildFQName(o.namespace, o.subsystem, n)
	}

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: name("requests_total"),
			Help: "Devtools HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name("request_duration_seconds"),
			Help:    "Devtools HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: name("streams_active"),
			Help: "Open devtools websocket streams.",
		}),
	}
}

// Handler records every request passing through next.
func (m *Metrics) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(route, statusClass(ww.Status())).Inc()
	})
}

// StreamOpened records a websocket stream starting.
func (m *Metrics) StreamOpened() {
	if m != nil {
		m.streamsActive.Inc()
	}
}

// StreamClosed records a websocket stream ending.
func (m *Metrics) StreamClosed() {
	if m != nil {
		m.streamsActive.Dec()
	}
}

// routePattern keeps label cardinality bounded: the chi pattern, not the
// raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func statusClass(status int) string {
	if status == 0 {
		// hijacked (websocket) or nothing written
		return "0xx"
	}
	return strconv.Itoa(status/100) + "xx"
}
