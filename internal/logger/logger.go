// Package logger builds the structured logger used by the flagsync host
// process and handed to the SDK packages. It wraps "log/slog" so every
// component of the CLI logs with the same handler, level and base attributes.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/rafaeljc/flagsync/internal/config"
)

// New returns a logger configured by cfg that writes to os.Stdout.
func New(cfg *config.AppConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter returns a logger configured by cfg that writes to w.
//
// The format is JSON or text per cfg.LogFormat (JSON for unknown values),
// source locations are added outside production, and every record carries
// the service, version and env attributes.
func NewWithWriter(cfg *config.AppConfig, w io.Writer) *slog.Logger {
	if cfg == nil {
		panic("logger: config cannot be nil")
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
		// file:line on every record; off in production to keep lines short
		AddSource: cfg.Environment != config.EnvironmentProduction,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "text":
		// key=value pairs, meant for a terminal running `flagsync watch`
		handler = slog.NewTextHandler(w, opts)
	default:
		// "json" and anything unrecognized: one JSON object per line
		handler = slog.NewJSONHandler(w, opts)
	}

	// Base attributes are inherited by every child logger, including the
	// per-component loggers the SDK packages derive with With().
	return slog.New(handler).With(
		slog.String("service", cfg.Name),
		slog.String("version", cfg.Version),
		slog.String("env", cfg.Environment),
	)
}

// parseLevel converts a level name to slog.Level, case-insensitively.
// Unknown names yield INFO.
func parseLevel(s string) slog.Level {
	var level slog.Level
	// UnmarshalText accepts DEBUG, debug, Debug and offsets such as INFO+2
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
