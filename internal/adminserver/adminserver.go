// Package adminserver exposes the engine's operator-facing HTTP surface:
// Prometheus metrics, liveness/readiness, and a JSON stats/integrity
// endpoint backed directly by a live Database.
//
// Grounded in the teacher's internal/server/observability.go
// (ObservabilityServer: an http.ServeMux wrapping promhttp, /healthz,
// /ready, and pprof, behind one *http.Server with Start/Shutdown), adapted
// here to read from this engine's Database.Stats/CheckIntegrity instead of
// gRPC op counters and document/version stats.
package adminserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/arborstore/arbor"
	"github.com/arborstore/arbor/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the admin HTTP surface for one open Database.
type Server struct {
	server *http.Server
	log    *logger.Logger
	db     *arbor.Database
	port   int
}

// New builds a Server bound to db, listening on port once Start is called.
func New(port int, db *arbor.Database, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{db: db, log: log, port: port}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/stats", s.statsHandler)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until the server stops. It returns nil once
// Shutdown has closed the server, and any other ListenAndServe error
// as is.
func (s *Server) Start() error {
	s.log.LogServerStart(s.port, "")
	s.log.LogServerReady(s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.LogServerShutdown()
	return s.server.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "service": "arbor"})
}

// readyHandler reports ready only once CheckIntegrity passes, so a
// corrupt database does not receive new traffic. A database poisoned by
// a failed commit is not detected here.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.db.CheckIntegrity() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "reason": "integrity check failed"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}
