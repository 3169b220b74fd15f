package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rafaeljc/flagsync/internal/config"
	"github.com/rafaeljc/flagsync/internal/controlapi"
	"github.com/rafaeljc/flagsync/internal/logger"
	"github.com/rafaeljc/flagsync/internal/observability"
	"github.com/rafaeljc/flagsync/pkg/client"
	"github.com/rafaeljc/flagsync/pkg/notify"
	"github.com/rafaeljc/flagsync/pkg/platform"
)

type watchOptions struct {
	envFile    string
	transport  string
	watchFlags []string
}

// runWatch starts a client for the configured user and logs its lifecycle
// until ctx is cancelled.
func runWatch(ctx context.Context, opts watchOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App).With(slog.String("component", "watch"))
	cfg.LogConfig(log)

	factory, err := channelFactory(opts.transport, cfg.SDK.RequestTimeout)
	if err != nil {
		return err
	}

	store, err := openBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}
	defer store.close()

	ccfg := clientConfig(&cfg.SDK)
	ccfg.Logger = log
	ccfg.Platform = platform.Platform{
		HTTP:     platform.NewHTTPClient(&http.Client{}, cfg.App.Name+"/"+version, platform.WithLogger(log)),
		Storage:  store.storage,
		Channels: factory,
	}
	if factory == nil {
		ccfg.Streaming = false
	}
	if cfg.SDK.BootstrapMode == config.BootstrapFile {
		if ccfg.Bootstrap, err = loadBootstrapFile(cfg.SDK.BootstrapFile); err != nil {
			return err
		}
	}

	c, err := client.New(ccfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	subscribe(c, log, opts.watchFlags)

	checkers := []observability.Checker{
		observability.CheckFunc("client", func(context.Context) error {
			if !c.IsReady() {
				return errors.New("flags not loaded")
			}
			return nil
		}),
	}
	if store.checker != nil {
		checkers = append(checkers, store.checker)
	}

	var srv *observability.Server
	if cfg.Observability.Enabled {
		srv = observability.NewServer(log, &cfg.Observability, checkers...)
		srv.Start()
	}

	var control *http.Server
	if cfg.Control.Enabled {
		control = newControlServer(&cfg.Control, c, log)
		go func() {
			log.Info("starting control api", slog.String("addr", control.Addr))
			if err := control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("control api failed", slog.Any("error", err))
			}
		}()
	}

	if err := c.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if control != nil {
		if err := control.Shutdown(shutdownCtx); err != nil {
			log.Warn("control api did not stop cleanly", slog.Any("error", err))
		}
	}
	if err := c.Close(shutdownCtx); err != nil {
		log.Warn("client did not close cleanly", slog.Any("error", err))
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("observability server did not stop cleanly", slog.Any("error", err))
		}
	}
	return nil
}

// newControlServer binds the control API for c to the configured address.
func newControlServer(cfg *config.ControlConfig, c controlapi.Client, log *slog.Logger) *http.Server {
	api := controlapi.NewAPI(c, controlapi.Options{
		APIKeyHash:      cfg.APIKeyHash,
		IdentifyTimeout: cfg.IdentifyTimeout,
		Logger:          log,
	})
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Router,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// subscribe logs readiness, errors and flag changes. Without keys every
// change is logged through the aggregate topic.
func subscribe(c *client.Client, log *slog.Logger, keys []string) {
	c.On(notify.TopicReady, func(notify.Event) {
		log.Info("flags ready", slog.Int("count", len(c.AllFlags())))
	})
	c.On(notify.TopicError, func(e notify.Event) {
		log.Error("client error", slog.Any("error", e.Err))
	})

	if len(keys) == 0 {
		c.SubscribeToChanges("", func(e notify.Event) {
			log.Info("flags changed", slog.Any("keys", e.Changes.Keys()))
		})
		return
	}
	for _, key := range keys {
		c.SubscribeToChanges(key, func(e notify.Event) {
			log.Info("flag changed",
				slog.String("key", e.Key),
				slog.Any("previous", e.Previous),
				slog.Any("current", e.Current),
			)
		})
	}
}
