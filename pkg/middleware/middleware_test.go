package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

func counter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func TestPrometheusRecordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := Prometheus(WithRegistry(reg))

	r := chi.NewRouter()
	r.Use(m.Handler)
	r.Get("/state/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for _, path := range []string{"/state/a", "/state/b/c", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := counter(t, reg, "pulse_devtools_requests_total", map[string]string{"route": "/state/*", "status": "2xx"}); got != 2 {
		t.Errorf("state requests = %v, want 2", got)
	}
	if got := counter(t, reg, "pulse_devtools_requests_total", map[string]string{"route": "/boom", "status": "5xx"}); got != 1 {
		t.Errorf("boom requests = %v, want 1", got)
	}
}

func TestPrometheusNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := Prometheus(WithRegistry(reg), WithNamespace("shop"), WithSubsystem("inspect"))
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	if got := counter(t, reg, "shop_inspect_streams_active", nil); got != 1 {
		t.Errorf("streams_active = %v, want 1", got)
	}

	var nilMetrics *Metrics
	nilMetrics.StreamOpened()
	nilMetrics.StreamClosed()
}

func TestOpenTelemetryPassesThrough(t *testing.T) {
	var sawSpan bool
	filtered := 0

	r := chi.NewRouter()
	r.Use(OpenTelemetry(WithRequestFilter(func(req *http.Request) bool {
		if req.URL.Path == "/healthz" {
			filtered++
			return false
		}
		return true
	})))
	r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
		// the global provider is a no-op, but the span must still be in the context
		sawSpan = trace.SpanFromContext(req.Context()) == SpanFromRequest(req)
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
	if !sawSpan {
		t.Error("handler should see the request span")
	}

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if filtered != 1 {
		t.Errorf("filter calls = %d, want 1", filtered)
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{0: "0xx", 200: "2xx", 301: "3xx", 404: "4xx", 503: "5xx"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
