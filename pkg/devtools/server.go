package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-dev/pulse/pkg/collection"
	"github.com/vango-dev/pulse/pkg/middleware"
	"github.com/vango-dev/pulse/pkg/pulse"
	"github.com/vango-dev/pulse/pkg/storage"
)

// Server exposes a runtime for inspection.
type Server struct {
	rt       *pulse.Runtime
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	lister   storage.Lister
	metrics  *middleware.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	watched map[string]pulse.Observable
	streams map[*stream]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry gathers /metrics from reg and registers the server's own
// request metrics there. Without it /metrics serves the default gatherer.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.gatherer = reg
		s.metrics = middleware.Prometheus(middleware.WithRegistry(reg))
	}
}

// WithLister enables /storage.
func WithLister(l storage.Lister) Option {
	return func(s *Server) {
		s.lister = l
	}
}

// WithLogger sets the logger. Default: the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAllowedOrigins lets browsers on these origins open /ws. Requests
// without an Origin header and same-origin requests are always allowed.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[o] = struct{}{}
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed[origin]; ok {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		}
	}
}

// New creates a server for rt.
func New(rt *pulse.Runtime, opts ...Option) *Server {
	s := &Server{
		rt:      rt,
		watched: make(map[string]pulse.Observable),
		streams: make(map[*stream]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = rt.Logger()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Watch exposes o under name. Watching an existing name replaces it; open
// streams pick the change up on reconnect.
func (s *Server) Watch(name string, o pulse.Observable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched[name] = o
}

// Unwatch stops exposing name.
func (s *Server) Unwatch(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, name)
}

// WatchCollection exposes every current group of c under "<name>/<group>".
func (s *Server) WatchCollection(c *collection.Collection) {
	for _, name := range c.Groups() {
		s.Watch(c.Name()+"/"+name, c.GetGroup(nil, name))
	}
}

func (s *Server) watchedValues() map[string]pulse.Observable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]pulse.Observable, len(s.watched))
	for k, v := range s.watched {
		out[k] = v
	}
	return out
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.OpenTelemetry())
	if s.metrics != nil {
		r.Use(s.metrics.Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/state", s.handleState)
	r.Get("/state/*", s.handleStateValue)
	r.Get("/containers", s.handleContainers)
	r.Get("/storage", s.handleStorage)
	r.Get("/ws", s.handleStream)
	return r
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	values := s.watchedValues()
	out := make(map[string]any, len(values))
	for name, o := range values {
		out[name] = o.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStateValue(w http.ResponseWriter, r *http.Request) {
	// names may contain slashes (collection groups)
	name := chi.URLParam(r, "*")
	s.mu.RLock()
	o, ok := s.watched[name]
	s.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown value " + name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  name,
		"id":    o.ID(),
		"value": o.Snapshot(),
	})
}

type containerInfo struct {
	ID       string   `json:"id"`
	Consumer string   `json:"consumer"`
	Object   bool     `json:"object"`
	Values   []string `json:"values"`
}

func (s *Server) handleContainers(w http.ResponseWriter, _ *http.Request) {
	containers := s.rt.Containers()
	out := make([]containerInfo, 0, len(containers))
	for _, c := range containers {
		info := containerInfo{
			ID:       c.ID(),
			Consumer: fmt.Sprintf("%v", c.Consumer()),
			Object:   c.IsObject(),
		}
		for _, o := range c.Values() {
			info.Values = append(info.Values, o.Name())
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "storage cannot list keys"})
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		prefix = s.rt.StorageKey("")
	}
	keys, err := s.lister.Keys(r.Context(), prefix)
	if err != nil {
		s.logger.Warn("devtools storage listing failed", "prefix", prefix, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "keys": keys})
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down,
// closing open streams.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("devtools listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeStreams()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func sortedNames(values map[string]pulse.Observable) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
