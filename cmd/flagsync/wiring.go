package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/rafaeljc/flagsync/internal/cache"
	"github.com/rafaeljc/flagsync/internal/config"
	"github.com/rafaeljc/flagsync/internal/database"
	"github.com/rafaeljc/flagsync/internal/observability"
	"github.com/rafaeljc/flagsync/pkg/client"
	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/platform"
	"github.com/rafaeljc/flagsync/pkg/storage"
	"github.com/rafaeljc/flagsync/pkg/stream"
)

// Push channel transports accepted by --transport.
const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
	transportNone      = "none"
)

// clientConfig maps the SDK settings onto a client configuration. Platform
// and logger are left to the caller.
func clientConfig(sdk *config.SDKConfig) client.Config {
	cfg := client.DefaultConfig()

	cfg.EnvironmentID = sdk.EnvironmentID
	cfg.Hash = sdk.Hash
	cfg.BaseURL = sdk.BaseURL
	cfg.EventsURL = sdk.EventsURL
	cfg.StreamURL = sdk.StreamURL
	cfg.UseReport = sdk.UseReport
	cfg.SendEvents = sdk.SendEvents
	cfg.SamplingInterval = sdk.SamplingInterval
	cfg.FlushInterval = sdk.FlushInterval
	cfg.MaxURLLength = sdk.MaxURLLength
	cfg.DedupWindow = sdk.DedupWindow
	cfg.Streaming = sdk.Streaming
	cfg.ReconnectDelay = sdk.ReconnectDelay
	cfg.MaxReconnectDelay = sdk.MaxReconnectDelay
	cfg.PollInterval = sdk.PollInterval
	cfg.RequestTimeout = sdk.RequestTimeout
	cfg.BootstrapFromStorage = sdk.BootstrapMode == config.BootstrapStorage
	cfg.AllAttributesPrivate = sdk.AllAttributesPrivate
	cfg.PrivateAttributeNames = sdk.PrivateAttributeNames
	cfg.User = &identity.User{Key: sdk.UserKey}

	return cfg
}

// loadBootstrapFile reads a flag map from a YAML or JSON file. Values are
// normalized through JSON so they compare like fetched flags.
func loadBootstrapFile(path string) (flags.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap file: %w", err)
	}
	if raw == nil {
		return flags.Map{}, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("bootstrap file holds values that are not JSON compatible: %w", err)
	}
	var m flags.Map
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, fmt.Errorf("failed to normalize bootstrap flags: %w", err)
	}
	return m, nil
}

// backend is the storage selected by FLAGSYNC_STORAGE_DRIVER.
type backend struct {
	storage platform.Storage
	checker observability.Checker
	close   func()
}

// openBackend connects the configured storage driver. The "none" driver
// yields an empty backend.
func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backend, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		m, err := storage.NewMemory(cfg.Storage.MemoryCapacity)
		if err != nil {
			return nil, err
		}
		return &backend{storage: m, checker: m, close: m.Close}, nil

	case config.StorageDriverRedis:
		rdb, err := cache.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		r := storage.NewRedis(rdb, cfg.Redis.SlotTTL)
		return &backend{storage: r, checker: r, close: func() {
			if err := r.Close(); err != nil {
				log.Warn("failed to close redis client", slog.Any("error", err))
			}
		}}, nil

	case config.StorageDriverPostgres:
		pool, err := database.NewPostgresPool(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		p := storage.NewPostgres(pool, cfg.Storage.Table)
		if err := p.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return &backend{storage: p, checker: p, close: p.Close}, nil

	default:
		return &backend{close: func() {}}, nil
	}
}

// channelFactory builds the push transport selected by name.
func channelFactory(name string, requestTimeout time.Duration) (stream.Factory, error) {
	switch name {
	case transportSSE:
		return stream.NewSSEFactory(&http.Client{}), nil
	case transportWebSocket:
		return stream.NewWebSocketFactory(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: requestTimeout,
		}), nil
	case transportNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (use %s, %s or %s)", name, transportSSE, transportWebSocket, transportNone)
	}
}
