//go:build integration

package storage_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/flagsync/internal/testsupport"
	"github.com/rafaeljc/flagsync/pkg/platform"
	"github.com/rafaeljc/flagsync/pkg/storage"
)

// exerciseStorage runs the platform.Storage contract against s.
func exerciseStorage(t *testing.T, s platform.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("Should report missing slots", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "flagsync:env:missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should overwrite and read back slots", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "flagsync:env:u1", `{"a":1}`))
		require.NoError(t, s.Set(ctx, "flagsync:env:u1", `{"a":2}`))

		v, ok, err := s.Get(ctx, "flagsync:env:u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `{"a":2}`, v)
	})

	t.Run("Should clear slots idempotently", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "flagsync:env:u2", `{}`))
		require.NoError(t, s.Clear(ctx, "flagsync:env:u2"))
		require.NoError(t, s.Clear(ctx, "flagsync:env:u2"))

		_, ok, err := s.Get(ctx, "flagsync:env:u2")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRedis_Integration(t *testing.T) {
	ctx := context.Background()

	redisCtr, err := testsupport.StartRedisContainer(ctx)
	require.NoError(t, err)
	defer redisCtr.Terminate(ctx)

	s := storage.NewRedis(redisCtr.Client, time.Hour)
	exerciseStorage(t, s)

	t.Run("Should apply the slot ttl", func(t *testing.T) {
		spy := goredis.NewClient(&goredis.Options{Addr: redisCtr.Endpoint})
		defer spy.Close()

		require.NoError(t, s.Set(ctx, "flagsync:env:ttl", `{}`))
		ttl, err := spy.TTL(ctx, "flagsync:env:ttl").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, 59*time.Minute)
	})

	t.Run("Should report healthy", func(t *testing.T) {
		assert.Equal(t, "redis", s.Name())
		assert.NoError(t, s.Check(ctx))
	})
}

func TestPostgres_Integration(t *testing.T) {
	ctx := context.Background()

	pgCtr, err := testsupport.StartPostgresContainer(ctx)
	require.NoError(t, err)
	defer pgCtr.Terminate(ctx)

	s := storage.NewPostgres(pgCtr.DB, "flagsync_cache")
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx), "schema creation must be repeatable")

	exerciseStorage(t, s)

	t.Run("Should report healthy", func(t *testing.T) {
		assert.Equal(t, "postgres", s.Name())
		assert.NoError(t, s.Check(ctx))
	})
}
