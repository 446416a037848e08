package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Pinger is anything with a connectivity check, e.g. the Postgres ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes /health and /metrics for the monitor command.
type Server struct {
	metrics *MetricsRegistry
	ledger  Pinger // optional
	version string
	started time.Time
}

// NewServer builds the monitoring server. ledger may be nil.
func NewServer(metrics *MetricsRegistry, ledger Pinger, version string) *Server {
	return &Server{
		metrics: metrics,
		ledger:  ledger,
		version: version,
		started: time.Now(),
	}
}

// Router wires the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks serving the router until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("monitor server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("monitor server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	checks := map[string]string{}

	if s.ledger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ledger.Ping(ctx); err != nil {
			healthy = false
			checks["ledger"] = err.Error()
		} else {
			checks["ledger"] = "ok"
		}
	}

	families, err := s.metrics.Registry().Gather()
	if err != nil {
		healthy = false
		checks["metrics"] = err.Error()
	} else {
		checks["metrics"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":        healthy,
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"metric_families": func() int {
			if families == nil {
				return 0
			}
			return len(families)
		}(),
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
