// Package admin exposes a small HTTP surface alongside the proxy: the
// Prometheus scrape endpoint and a JSON listing of live debug ports, so an
// operator can discover which ephemeral port to attach a debug client to
// without grepping logs.
package admin

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pgdebugproxy/internal/config"
	"pgdebugproxy/internal/metrics"
	"pgdebugproxy/internal/proxy"
	"pgdebugproxy/pkg/logger"
)

// Server is the admin HTTP server: metrics plus debug-port discovery.
type Server struct {
	portMap    *proxy.PortMap
	metrics    *metrics.Collector
	log        *logger.Logger
	httpServer *http.Server
}

// NewServer builds an admin Server. portMap and mc may be nil; the
// corresponding routes then report empty/disabled results rather than
// panicking, since the admin surface is entirely optional (spec.md's
// debug-port discovery is "out of band", not load-bearing).
func NewServer(portMap *proxy.PortMap, mc *metrics.Collector, log *logger.Logger) *Server {
	return &Server{portMap: portMap, metrics: mc, log: log}
}

// debugPortEntry is one row of the /api/debug-ports response.
type debugPortEntry struct {
	PrimaryPort int `json:"primary_port"`
	DebugPort   int `json:"debug_port"`
}

func (s *Server) debugPortsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.portMap == nil {
		json.NewEncoder(w).Encode([]debugPortEntry{})
		return
	}
	entries := s.portMap.Enumerate()
	out := make([]debugPortEntry, 0, len(entries))
	for primaryPort, debugPort := range entries {
		out = append(out, debugPortEntry{PrimaryPort: primaryPort, DebugPort: debugPort})
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// configResponse is the /api/config payload: the live Config plus the path
// it was loaded from, so an operator can tell a flag-only process apart from
// one running off a file.
type configResponse struct {
	ConfigPath string         `json:"config_path"`
	Config     *config.Config `json:"config"`
}

// configHandler reports the process's live configuration, including any
// hot-reload the watcher has applied since startup. Returns 503 instead of
// panicking if queried before config.SetOnce has run.
func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	cfg, ok := config.GetCfgIfSet()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "config not initialized"})
		return
	}
	json.NewEncoder(w).Encode(configResponse{
		ConfigPath: config.GetConfigPath(),
		Config:     cfg,
	})
}

// Start binds addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/api/debug-ports", s.debugPortsHandler).Methods("GET")
	r.HandleFunc("/api/config", s.configHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		s.httpServer.Close()
	}()

	s.log.Info("admin server listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
