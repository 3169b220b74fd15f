package client

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/sdkerrors"
)

// bootstrap loads the initial flag map and arranges the ready signal:
//
//   - an explicit Bootstrap map is ready at once, without a fetch;
//   - storage bootstrap serves a valid cached map at once and refreshes the
//     cache in the background without notifying; a missing or corrupt entry
//     falls through to a live fetch whose result is cached;
//   - otherwise a live fetch runs and ready follows its completion, even
//     when it failed.
func (c *Client) bootstrap(ctx context.Context) {
	switch {
	case c.cfg.Bootstrap != nil:
		c.emitReady()

	case c.cfg.BootstrapFromStorage && c.plat.Storage != nil:
		c.mu.Lock()
		c.useStorage = true
		key := c.cacheKey
		c.mu.Unlock()

		if cached, ok := c.readCache(ctx, key); ok {
			c.flags.Replace(cached)
			c.emitReady()
			c.spawn(func(ctx context.Context) {
				settings, err := c.fetchFlags(ctx)
				if err == nil && settings != nil {
					c.writeCache(ctx, key, settings)
				}
			})
			return
		}

		c.spawn(func(ctx context.Context) {
			settings, err := c.fetchFlags(ctx)
			if err == nil && settings != nil {
				c.flags.Replace(settings)
				c.writeCache(ctx, key, settings)
			}
			c.emitReady()
		})

	default:
		if c.cfg.BootstrapFromStorage {
			c.log.Warn("storage bootstrap requested without a storage capability, fetching live")
		}
		c.spawn(func(ctx context.Context) {
			settings, err := c.fetchFlags(ctx)
			if err == nil && settings != nil {
				c.flags.Replace(settings)
			}
			c.emitReady()
		})
	}
}

// fetchFlags fetches the flags of the current user.
func (c *Client) fetchFlags(ctx context.Context) (flags.Map, error) {
	c.mu.Lock()
	hash := c.hash
	c.mu.Unlock()
	return c.fetchFor(ctx, c.identity.User(), hash)
}

// fetchFor fetches the flags of user and reports failures on the error
// topic, except those caused by cancellation.
func (c *Client) fetchFor(ctx context.Context, user *identity.User, hash string) (flags.Map, error) {
	settings, err := c.requestor.FetchFlagSettings(ctx, user, hash)
	if err != nil {
		if ctx.Err() == nil {
			c.bus.ReportError(sdkerrors.Wrap(sdkerrors.ErrFlagFetch, "error fetching flag settings", err))
		}
		return nil, err
	}
	return settings, nil
}

// applyFlags replaces the flag map with settings. With storage bootstrap
// the previous slot is cleared and the map is written under the slot of the
// current user. Change notifications and evaluation events follow.
func (c *Client) applyFlags(ctx context.Context, settings flags.Map) error {
	if settings == nil || c.ctx.Err() != nil {
		return nil
	}

	c.mu.Lock()
	useStorage := c.useStorage
	previous := c.cacheKey
	c.cacheKey = identity.CacheKey(c.cfg.EnvironmentID, c.hash, c.identity.User())
	key := c.cacheKey
	c.mu.Unlock()

	if useStorage {
		if err := c.plat.Storage.Clear(ctx, previous); err != nil {
			c.log.Warn("failed to clear cached flags", slog.String("key", previous), slog.Any("error", err))
		}
		c.writeCache(ctx, key, settings)
	}

	changes := c.flags.ApplyAndNotify(settings)
	if len(changes) > 0 {
		c.log.Debug("flags updated", slog.Any("changed", changes.Keys()))
	}
	return nil
}

// readCache returns the cached map under key. A corrupt entry is cleared.
func (c *Client) readCache(ctx context.Context, key string) (flags.Map, bool) {
	raw, ok, err := c.plat.Storage.Get(ctx, key)
	if err != nil {
		c.log.Warn("failed to read cached flags", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var cached flags.Map
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.log.Warn("clearing corrupt cached flags", slog.String("key", key), slog.Any("error", err))
		if err := c.plat.Storage.Clear(ctx, key); err != nil {
			c.log.Warn("failed to clear cached flags", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	if cached == nil {
		return nil, false
	}
	return cached, true
}

func (c *Client) writeCache(ctx context.Context, key string, m flags.Map) {
	data, err := json.Marshal(m)
	if err != nil {
		c.log.Warn("failed to encode flags for storage", slog.Any("error", err))
		return
	}
	if err := c.plat.Storage.Set(ctx, key, string(data)); err != nil {
		c.log.Warn("failed to cache flags", slog.String("key", key), slog.Any("error", err))
	}
}
