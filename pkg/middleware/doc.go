// Package middleware provides net/http middleware for the pulse devtools
// server: OpenTelemetry tracing and Prometheus request metrics.
//
// # OpenTelemetry Middleware
//
// OpenTelemetry starts a server span per request, named after the matched
// chi route pattern, and stores it in the request context:
//
//	r := chi.NewRouter()
//	r.Use(middleware.OpenTelemetry(
//	    middleware.WithTracerName("my-app"),
//	    middleware.WithRequestFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	))
//
// The tracer comes from the global OpenTelemetry provider; configure it in
// main before starting the server.
//
// # Prometheus Metrics
//
// Prometheus counts requests and observes their duration, labelled by route
// pattern and status class:
//   - pulse_devtools_requests_total
//   - pulse_devtools_request_duration_seconds
//   - pulse_devtools_streams_active
//
//	reg := prometheus.NewRegistry()
//	r.Use(middleware.Prometheus(middleware.WithRegistry(reg)).Handler)
package middleware
