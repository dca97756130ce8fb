package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPConfig configures the public listener.
type HTTPConfig struct {
	Addr              string
	WSPath            string
	MetricsPath       string
	ReadHeaderTimeout time.Duration
}

// HTTPServer serves the websocket endpoint, health, metrics and an optional
// API handler on one listener.
type HTTPServer struct {
	cfg      HTTPConfig
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
}

// NewHTTPServer builds the mux. api, when non-nil, is mounted at /api/.
// gatherer defaults to the Prometheus default gatherer.
func NewHTTPServer(cfg HTTPConfig, ws http.Handler, api http.Handler, gatherer prometheus.Gatherer, registry *Registry, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthzHandler(registry))
	mux.Handle(cfg.WSPath, ws)
	if api != nil {
		mux.Handle("/api/", api)
	}

	return &HTTPServer{
		cfg: cfg,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		logger: logger,
	}
}

// Handler exposes the mux, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves in the background.
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting requests and waits for in-flight ones until ctx ends.
// Hijacked websocket connections are not tracked here; close them through
// Registry.Shutdown.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func healthzHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body := map[string]any{"status": "ok"}
		if registry != nil {
			body["connections"] = registry.Count()
			body["rooms"] = registry.Rooms().Count()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body) //nolint:errcheck
	}
}
