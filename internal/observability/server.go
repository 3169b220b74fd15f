package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rafaeljc/flagsync/internal/config"
	"github.com/rafaeljc/flagsync/internal/validation"
)

// Server exposes liveness, readiness and Prometheus metrics for a process
// embedding the flagsync client, on a port of its own.
type Server struct {
	logger   *slog.Logger
	cfg      *config.ObservabilityConfig
	router   *chi.Mux
	server   *http.Server
	checkers []Checker
}

// NewServer creates the server. checkers are evaluated by the readiness probe.
func NewServer(logger *slog.Logger, cfg *config.ObservabilityConfig, checkers ...Checker) *Server {
	validation.AssertNotNil(cfg, "observability config")
	if logger == nil {
		logger = slog.Default()
	}

	// The admin router only carries probes and the scrape endpoint, so it
	// gets a minimal stack: panic recovery, and no caching of probe answers
	// by proxies in front of the port.
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	s := &Server{
		logger:   logger,
		cfg:      cfg,
		router:   r,
		checkers: checkers,
	}
	// Liveness answers as long as the process serves HTTP.
	s.router.Get(cfg.LivenessPath, s.liveness)

	// Readiness runs every checker: the client must have flags and the
	// configured storage backend must answer.
	s.router.Get(cfg.ReadinessPath, s.readiness)

	// Scrape endpoint for everything registered through promauto in
	// metrics.go (client, stream, events, storage and control API series).
	s.router.Method(http.MethodGet, cfg.MetricsPath, promhttp.Handler())

	return s
}

// Handler returns the router serving the observability endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in a background goroutine. It is non-blocking.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%s", s.cfg.Port)

	// Probe and scrape requests are small, so one timeout bounds reads and
	// writes and keep-alive connections may idle for three times as long.
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
		IdleTimeout:  s.cfg.Timeout * 3,
	}

	go func() {
		s.logger.Info("starting observability server",
			slog.String("addr", addr),
			slog.String("liveness_path", s.cfg.LivenessPath),
			slog.String("readiness_path", s.cfg.ReadinessPath),
			slog.String("metrics_path", s.cfg.MetricsPath),
		)

		// ErrServerClosed is the normal result of Shutdown.
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability server failed", slog.Any("error", err))
		}
	}()
}

// Shutdown gracefully stops the server. It is a no-op before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("stopping observability server")
	return s.server.Shutdown(ctx)
}
