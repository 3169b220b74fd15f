package syncer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/flagsync/internal/syncer"
	"github.com/rafaeljc/flagsync/internal/testsupport"
	"github.com/rafaeljc/flagsync/pkg/flags"
)

// recordingSink collects every applied map.
type recordingSink struct {
	mu      sync.Mutex
	applied []flags.Map
}

func (s *recordingSink) ApplyFlags(_ context.Context, m flags.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, m)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runService starts svc and returns a stop func waiting for Run to return.
func runService(t *testing.T, svc *syncer.Service) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("syncer did not stop")
		}
	}
}

func TestService_Run(t *testing.T) {
	t.Parallel()

	t.Run("Should apply fetched maps on every tick", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var calls atomic.Int32
		source := syncer.SourceFunc(func(context.Context) (flags.Map, error) {
			n := calls.Add(1)
			return flags.Map{"cycle": float64(n)}, nil
		})
		sink := &recordingSink{}
		svc := syncer.New(quietLogger(), syncer.Config{Interval: 20 * time.Millisecond}, source, sink)

		// Act
		stop := runService(t, svc)
		require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
		stop()

		// Assert
		sink.mu.Lock()
		defer sink.mu.Unlock()
		assert.Equal(t, flags.Map{"cycle": float64(1)}, sink.applied[0])
	})

	t.Run("Should run a cycle immediately when configured", func(t *testing.T) {
		t.Parallel()

		sink := &recordingSink{}
		source := syncer.SourceFunc(func(context.Context) (flags.Map, error) { return flags.Map{}, nil })
		svc := syncer.New(quietLogger(), syncer.Config{Interval: time.Hour, Immediate: true}, source, sink)

		stop := runService(t, svc)
		require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
		stop()
	})

	t.Run("Should keep running after fetch failures", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var calls atomic.Int32
		source := syncer.SourceFunc(func(context.Context) (flags.Map, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("service unavailable")
			}
			return flags.Map{"on": true}, nil
		})
		sink := &recordingSink{}
		svc := syncer.New(quietLogger(), syncer.Config{Interval: 20 * time.Millisecond}, source, sink)

		// Act
		stop := runService(t, svc)
		require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
		stop()

		// Assert
		assert.GreaterOrEqual(t, calls.Load(), int32(2))
	})

	t.Run("Should skip the sink when the source has nothing", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		source := syncer.SourceFunc(func(context.Context) (flags.Map, error) {
			calls.Add(1)
			return nil, nil
		})
		sink := &recordingSink{}
		svc := syncer.New(quietLogger(), syncer.Config{Interval: 10 * time.Millisecond}, source, sink)

		stop := runService(t, svc)
		require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
		stop()

		assert.Zero(t, sink.count())
	})
}

func TestService_Metrics(t *testing.T) {
	// Not parallel: asserts on global counters.
	source := syncer.SourceFunc(func(context.Context) (flags.Map, error) { return nil, errors.New("boom") })
	svc := syncer.New(quietLogger(), syncer.Config{Interval: time.Hour, Immediate: true}, source, &recordingSink{})

	var stop func()
	testsupport.AssertMetricDeltaAsync(t, "flagsync_syncer_cycles_total", map[string]string{"outcome": "fetch_error"}, 1, func() {
		stop = runService(t, svc)
	})
	stop()
}

func TestNew(t *testing.T) {
	t.Parallel()

	source := syncer.SourceFunc(func(context.Context) (flags.Map, error) { return nil, nil })

	t.Run("Should panic without a source", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { syncer.New(nil, syncer.Config{}, nil, &recordingSink{}) })
	})

	t.Run("Should panic with a nil func source", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { syncer.New(nil, syncer.Config{}, syncer.SourceFunc(nil), &recordingSink{}) })
	})

	t.Run("Should panic without a sink", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { syncer.New(nil, syncer.Config{}, source, nil) })
	})
}
