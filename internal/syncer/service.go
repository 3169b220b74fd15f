// Package syncer implements the background loop that periodically refreshes
// the client's flag map from the flag service.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rafaeljc/flagsync/internal/observability"
	"github.com/rafaeljc/flagsync/internal/validation"
	"github.com/rafaeljc/flagsync/pkg/flags"
)

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = 30 * time.Second

// Config holds the configuration for the Syncer service.
type Config struct {
	// Interval is the duration between refresh cycles.
	Interval time.Duration

	// Immediate runs a cycle on startup instead of waiting for the first tick.
	Immediate bool
}

// Source produces the latest flag map.
type Source interface {
	FetchFlags(ctx context.Context) (flags.Map, error)
}

// Sink applies a fetched flag map.
type Sink interface {
	ApplyFlags(ctx context.Context, m flags.Map) error
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (flags.Map, error)

// FetchFlags implements Source.
func (f SourceFunc) FetchFlags(ctx context.Context) (flags.Map, error) { return f(ctx) }

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, m flags.Map) error

// ApplyFlags implements Sink.
func (f SinkFunc) ApplyFlags(ctx context.Context, m flags.Map) error { return f(ctx, m) }

// Service orchestrates the refresh loop.
type Service struct {
	logger *slog.Logger
	config Config
	source Source
	sink   Sink
}

// New creates a new Syncer service. It panics if source or sink is nil.
func New(logger *slog.Logger, cfg Config, source Source, sink Sink) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	validation.AssertImplemented(source, "syncer source")
	validation.AssertImplemented(sink, "syncer sink")

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	return &Service{
		logger: logger.With(slog.String("component", "syncer")),
		config: cfg,
		source: source,
		sink:   sink,
	}
}

// Run starts the refresh loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service", slog.String("interval", s.config.Interval.String()))

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.Immediate {
		if err := s.sync(ctx); err != nil {
			s.logger.Error("initial refresh failed", slog.Any("error", err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer service stopping")
			return nil
		case <-ticker.C:
			// Failures are retried on the next tick.
			if err := s.sync(ctx); err != nil {
				s.logger.Warn("refresh cycle failed", slog.Any("error", err))
			}
		}
	}
}

// sync performs a single refresh cycle.
func (s *Service) sync(ctx context.Context) error {
	start := time.Now()
	defer func() { observability.PollDuration.Observe(time.Since(start).Seconds()) }()

	m, err := s.source.FetchFlags(ctx)
	if err != nil {
		observability.PollCycles.WithLabelValues("fetch_error").Inc()
		return fmt.Errorf("failed to fetch flags: %w", err)
	}
	if m == nil {
		observability.PollCycles.WithLabelValues("success").Inc()
		return nil
	}

	if err := s.sink.ApplyFlags(ctx, m); err != nil {
		observability.PollCycles.WithLabelValues("apply_error").Inc()
		return fmt.Errorf("failed to apply flags: %w", err)
	}
	observability.PollCycles.WithLabelValues("success").Inc()

	s.logger.Debug("refresh cycle completed",
		slog.Int("flags", len(m)),
		slog.String("duration", time.Since(start).String()),
	)
	return nil
}
