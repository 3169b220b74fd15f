// Package requestor fetches flag settings and goals from the flag service.
package requestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rafaeljc/flagsync/internal/observability"
	"github.com/rafaeljc/flagsync/internal/validation"
	"github.com/rafaeljc/flagsync/pkg/async"
	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/goals"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/platform"
	"github.com/rafaeljc/flagsync/pkg/sdkerrors"
)

// DefaultTimeout bounds a single fetch.
const DefaultTimeout = 10 * time.Second

// Metric label values.
const (
	kindFlags = "flags"
	kindGoals = "goals"
)

// FetchError is returned for non-2xx responses.
type FetchError struct {
	Status int
	URL    string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// Is matches sdkerrors.ErrEnvironmentNotFound for 404 and
// sdkerrors.ErrFlagFetch for every status.
func (e *FetchError) Is(target error) bool {
	switch target {
	case sdkerrors.ErrEnvironmentNotFound:
		return e.Status == http.StatusNotFound
	case sdkerrors.ErrFlagFetch:
		return true
	default:
		return false
	}
}

// Options configures a Requestor.
type Options struct {
	BaseURL       string
	EnvironmentID string
	UseReport     bool
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Requestor issues flag and goal fetches. Identical concurrent requests share
// one round trip.
type Requestor struct {
	http  platform.HTTP
	opts  Options
	log   *slog.Logger
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
	seq     uint64
}

// New creates a Requestor. It panics if h is nil.
func New(h platform.HTTP, opts Options) *Requestor {
	validation.AssertImplemented(h, "http capability")

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	r := &Requestor{
		http:    h,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "requestor")),
		flights: make(map[string]*flight),
	}
	if opts.UseReport && !h.AllowsBodyMethods() {
		r.log.Warn("REPORT requested but the http capability does not allow body methods, using GET")
	}
	return r
}

// usesReport reports whether flag fetches are sent as REPORT.
func (r *Requestor) usesReport() bool {
	return r.opts.UseReport && r.http.AllowsBodyMethods()
}

// FetchFlagSettings returns the evaluated flags for user. hash is the
// secure-mode hash and may be empty.
func (r *Requestor) FetchFlagSettings(ctx context.Context, user *identity.User, hash string) (flags.Map, error) {
	req, err := r.flagRequest(user, hash)
	if err != nil {
		return nil, err
	}

	body, err := r.fetch(ctx, kindFlags, req)
	if err != nil {
		return nil, err
	}

	var m flags.Map
	if err := json.Unmarshal(body, &m); err != nil {
		observability.FetchTotal.WithLabelValues(kindFlags, "malformed").Inc()
		return nil, fmt.Errorf("%w: invalid flag settings: %w", sdkerrors.ErrUnexpectedResponse, err)
	}
	if m == nil {
		observability.FetchTotal.WithLabelValues(kindFlags, "malformed").Inc()
		return nil, fmt.Errorf("%w: flag settings are not an object", sdkerrors.ErrUnexpectedResponse)
	}
	return m, nil
}

// FetchFlagSettingsAsync runs FetchFlagSettings in a goroutine.
func (r *Requestor) FetchFlagSettingsAsync(ctx context.Context, user *identity.User, hash string) *async.Future[flags.Map] {
	return async.Run(ctx, func(ctx context.Context) (flags.Map, error) {
		return r.FetchFlagSettings(ctx, user, hash)
	})
}

// FetchGoals returns the goal list of the environment.
func (r *Requestor) FetchGoals(ctx context.Context) ([]goals.Goal, error) {
	req := &platform.Request{
		Method: http.MethodGet,
		URL:    r.opts.BaseURL + "/sdk/goals/" + url.PathEscape(r.opts.EnvironmentID),
		Header: jsonHeaders(false),
	}

	body, err := r.fetch(ctx, kindGoals, req)
	if err != nil {
		return nil, err
	}

	var list []goals.Goal
	if err := json.Unmarshal(body, &list); err != nil {
		observability.FetchTotal.WithLabelValues(kindGoals, "malformed").Inc()
		return nil, fmt.Errorf("%w: invalid goals: %w", sdkerrors.ErrUnexpectedResponse, err)
	}
	return list, nil
}

func (r *Requestor) flagRequest(user *identity.User, hash string) (*platform.Request, error) {
	env := url.PathEscape(r.opts.EnvironmentID)
	query := ""
	if hash != "" {
		query = "?h=" + url.QueryEscape(hash)
	}

	if r.usesReport() {
		body, err := json.Marshal(user)
		if err != nil {
			return nil, fmt.Errorf("failed to encode user: %w", err)
		}
		return &platform.Request{
			Method: "REPORT",
			URL:    r.opts.BaseURL + "/sdk/eval/" + env + "/user" + query,
			Header: jsonHeaders(true),
			Body:   body,
		}, nil
	}

	encoded, err := identity.EncodeUser(user)
	if err != nil {
		return nil, err
	}
	return &platform.Request{
		Method: http.MethodGet,
		URL:    r.opts.BaseURL + "/sdk/eval/" + env + "/users/" + encoded + query,
		Header: jsonHeaders(false),
	}, nil
}

func jsonHeaders(withBody bool) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if withBody {
		h.Set("Content-Type", "application/json")
	}
	return h
}

// flight is the shared context of one coalesced request. It is cancelled
// once every caller waiting on it has gone.
type flight struct {
	id      uint64
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join registers the caller on the flight for key, starting one if needed.
func (r *Requestor) join(ctx context.Context, key string) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flights[key]
	if !ok {
		r.seq++
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{id: r.seq, ctx: fctx, cancel: cancel}
		r.flights[key] = f
	}
	f.waiters++
	return f
}

// leave unregisters the caller and aborts the flight when it was the last.
func (r *Requestor) leave(key string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[key] == f {
		delete(r.flights, key)
	}
}

// fetch performs req, sharing the round trip with identical in-flight
// requests. The round trip is bounded by the configured timeout and aborted
// once every caller sharing it is cancelled.
func (r *Requestor) fetch(ctx context.Context, kind string, req *platform.Request) ([]byte, error) {
	key := req.Method + " " + req.URL + "\x00" + string(req.Body)

	f := r.join(ctx, key)
	defer r.leave(key, f)

	ch := r.group.DoChan(fmt.Sprintf("%d\x00%s", f.id, key), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(f.ctx, r.opts.Timeout)
		defer cancel()
		return r.do(fetchCtx, kind, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.FetchCoalesced.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (r *Requestor) do(ctx context.Context, kind string, req *platform.Request) ([]byte, error) {
	start := time.Now()
	resp, err := r.http.Do(ctx, req)
	observability.FetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.FetchTotal.WithLabelValues(kind, "error").Inc()
		r.log.Debug("fetch failed", slog.String("kind", kind), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", sdkerrors.ErrFlagFetch, err)
	}

	if resp.Status < 200 || resp.Status >= 300 {
		fetchErr := &FetchError{Status: resp.Status, URL: req.URL}
		outcome := "error"
		if errors.Is(fetchErr, sdkerrors.ErrEnvironmentNotFound) {
			outcome = "not_found"
		}
		observability.FetchTotal.WithLabelValues(kind, outcome).Inc()
		return nil, fetchErr
	}

	observability.FetchTotal.WithLabelValues(kind, "success").Inc()
	return resp.Body, nil
}
