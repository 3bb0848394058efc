// Package server exposes the operational HTTP surface: health probes,
// Prometheus metrics, and the registry reload hook.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wideobs/widewatch/internal/logger"
	"github.com/wideobs/widewatch/internal/metrics"
	"github.com/wideobs/widewatch/internal/registry"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the admin HTTP endpoint.
type Server struct {
	http *http.Server
	reg  *registry.Registry
	db   Pinger
}

// New wires the routes onto the given listen address.
func New(addr string, reg *registry.Registry, db Pinger) *Server {
	s := &Server{reg: reg, db: db}

	r := mux.NewRouter()
	r.HandleFunc("/healthz/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/healthz/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/-/reload", s.handleReload).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	logger.Info("Admin server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready only when the store answers a ping and at least
// one series is registered.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "storage: " + err.Error(),
		})
		return
	}
	snap := s.reg.Snapshot()
	if len(snap.Series) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "no series registered",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"series": len(snap.Series),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.reg.Reload(); err != nil {
		metrics.RegistryReloadsTotal.WithLabelValues("error").Inc()
		logger.Warn("Registry reload failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"reason": err.Error(),
		})
		return
	}
	metrics.RegistryReloadsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"series": len(s.reg.Snapshot().Series),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
