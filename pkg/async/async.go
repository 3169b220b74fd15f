// Package async provides a cancellable Future for client operations that
// complete in the background (identify, fetches).
package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by AwaitWithTimeout when the future is still pending.
var ErrTimeout = errors.New("async: timeout waiting for result")

// Future represents the result of an asynchronous computation.
type Future[T any] struct {
	result    T
	err       error
	once      sync.Once
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Run executes fn in a goroutine and returns its Future.
// The context passed to fn is cancelled by Future.Cancel.
func Run[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	runCtx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer cancel()

		// Early exit when the parent context is already done.
		if err := runCtx.Err(); err != nil {
			var zero T
			f.complete(zero, err)
			return
		}

		res, err := fn(runCtx)
		f.complete(res, err)
	}()

	return f
}

// Resolved returns an already completed Future.
func Resolved[T any](value T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), cancel: func() {}}
	f.complete(value, err)
	return f
}

func (f *Future[T]) complete(value T, err error) {
	f.once.Do(func() {
		if f.cancelled.Load() {
			var zero T
			value, err = zero, context.Canceled
		}
		f.result = value
		f.err = err
		close(f.done)
	})
}

// Await blocks until the future completes or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitWithTimeout waits for the result for at most timeout.
func (f *Future[T]) AwaitWithTimeout(timeout time.Duration) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-time.After(timeout):
		var zero T
		return zero, ErrTimeout
	}
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsComplete reports whether the future has completed, without blocking.
func (f *Future[T]) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancel aborts the underlying work. A pending future resolves with
// context.Canceled and its callbacks never fire. Cancel after completion
// only marks the future as cancelled.
func (f *Future[T]) Cancel() {
	f.cancelled.Store(true)
	f.cancel()
	var zero T
	f.complete(zero, context.Canceled)
}

// Cancelled reports whether Cancel was called.
func (f *Future[T]) Cancelled() bool {
	return f.cancelled.Load()
}

// WithCallback invokes cb with the outcome once f completes, on a separate
// goroutine so the callback never runs inside the caller's stack. The
// callback is skipped when the future was cancelled. A nil cb is allowed.
// It returns f so call sites can keep a single value.
func WithCallback[T any](f *Future[T], cb func(T, error)) *Future[T] {
	if cb == nil {
		return f
	}

	go func() {
		<-f.done
		if f.cancelled.Load() {
			return
		}
		cb(f.result, f.err)
	}()

	return f
}
