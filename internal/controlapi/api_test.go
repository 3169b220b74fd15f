package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/flagsync/internal/testsupport"
	"github.com/rafaeljc/flagsync/pkg/async"
	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/stream"
)

// sha256("secret")
const testKeyHash = "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b"

type trackedEvent struct {
	key  any
	data any
}

// fakeClient is an in-memory Client.
type fakeClient struct {
	mu          sync.Mutex
	flagMap     flags.Map
	user        *identity.User
	ready       bool
	state       stream.State
	identifyErr error
	identifyFor map[string]flags.Map
	block       bool
	tracked     []trackedEvent
	evaluated   []string
	flushErr    error
	flushes     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		flagMap:     flags.Map{"new-ui": true, "limit": float64(3)},
		user:        &identity.User{Key: "alice"},
		ready:       true,
		state:       stream.Open,
		identifyFor: map[string]flags.Map{},
	}
}

func (f *fakeClient) AllFlags() flags.Map {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(flags.Map, len(f.flagMap))
	for k, v := range f.flagMap {
		f.evaluated = append(f.evaluated, k)
		out[k] = v
	}
	return out
}

func (f *fakeClient) HasFlag(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.flagMap[key]
	return ok
}

func (f *fakeClient) Variation(key string, def any) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated = append(f.evaluated, key)
	if v, ok := f.flagMap[key]; ok {
		return v
	}
	return def
}

func (f *fakeClient) Identify(ctx context.Context, user *identity.User, _ string) *async.Future[flags.Map] {
	f.mu.Lock()
	f.user = user
	block := f.block
	err := f.identifyErr
	m := f.identifyFor[user.Key]
	f.mu.Unlock()

	return async.Run(ctx, func(ctx context.Context) (flags.Map, error) {
		if block {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.flagMap = m
		f.mu.Unlock()
		return m, nil
	})
}

func (f *fakeClient) Track(key any, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, trackedEvent{key: key, data: data})
}

func (f *fakeClient) Flush(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeClient) User() *identity.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user
}

func (f *fakeClient) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeClient) StreamState() stream.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func newTestAPI(client Client, opts Options) *API {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAPI(client, opts)
}

func serve(api *API, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, _ := json.Marshal(b)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	api.Router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestNewAPI(t *testing.T) {
	t.Parallel()

	t.Run("Should panic on a nil client", func(t *testing.T) {
		t.Parallel()

		assert.Panics(t, func() { NewAPI(nil, Options{}) })
		assert.Panics(t, func() { NewAPI((*fakeClient)(nil), Options{}) })
	})

	t.Run("Should default the identify timeout", func(t *testing.T) {
		t.Parallel()

		api := newTestAPI(newFakeClient(), Options{})

		assert.Equal(t, DefaultIdentifyTimeout, api.identifyTimeout)
	})
}

func TestAPI_Authentication(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		hash     string
		header   map[string]string
		path     string
		expected int
	}{
		{name: "Should allow every request without a configured hash", path: "/api/v1/status", expected: http.StatusOK},
		{name: "Should reject a missing key", hash: testKeyHash, path: "/api/v1/status", expected: http.StatusUnauthorized},
		{name: "Should reject a wrong key", hash: testKeyHash, header: map[string]string{APIKeyHeader: "nope"}, path: "/api/v1/status", expected: http.StatusUnauthorized},
		{name: "Should accept the matching key", hash: testKeyHash, header: map[string]string{APIKeyHeader: "secret"}, path: "/api/v1/status", expected: http.StatusOK},
		{name: "Should keep the health check public", hash: testKeyHash, path: "/health", expected: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			api := newTestAPI(newFakeClient(), Options{APIKeyHash: tt.hash})

			// Act
			rr := serve(api, http.MethodGet, tt.path, nil, tt.header)

			// Assert
			assert.Equal(t, tt.expected, rr.Code)
			if tt.expected == http.StatusUnauthorized {
				assert.Equal(t, "ERR_UNAUTHORIZED", decode[ErrorResponse](t, rr).Code)
			}
		})
	}
}

func TestAPI_Flags(t *testing.T) {
	t.Parallel()

	t.Run("Should report the client status", func(t *testing.T) {
		t.Parallel()

		rr := serve(newTestAPI(newFakeClient(), Options{}), http.MethodGet, "/api/v1/status", nil, nil)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, StatusResponse{Ready: true, Stream: "open", UserKey: "alice"}, decode[StatusResponse](t, rr))
	})

	t.Run("Should list every flag", func(t *testing.T) {
		t.Parallel()

		rr := serve(newTestAPI(newFakeClient(), Options{}), http.MethodGet, "/api/v1/flags", nil, nil)

		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[FlagsResponse](t, rr)
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, flags.Map{"new-ui": true, "limit": float64(3)}, resp.Data)
	})

	t.Run("Should evaluate a single flag", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodGet, "/api/v1/flags/new-ui", nil, nil)

		// Assert
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, FlagResponse{Key: "new-ui", Value: true}, decode[FlagResponse](t, rr))
		assert.Equal(t, []string{"new-ui"}, client.evaluated)
	})

	t.Run("Should return 404 for an unknown flag without evaluating it", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodGet, "/api/v1/flags/missing", nil, nil)

		// Assert
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "ERR_NOT_FOUND", decode[ErrorResponse](t, rr).Code)
		assert.Empty(t, client.evaluated)
	})
}

func TestAPI_Identify(t *testing.T) {
	t.Parallel()

	t.Run("Should switch the user and return its flags", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		client.identifyFor["bob"] = flags.Map{"new-ui": false}
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodPut, "/api/v1/user", IdentifyRequest{User: &identity.User{Key: "  bob "}}, nil)

		// Assert
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[IdentifyResponse](t, rr)
		assert.Equal(t, "bob", resp.User.Key)
		assert.Equal(t, flags.Map{"new-ui": false}, resp.Flags)
		assert.Equal(t, "bob", client.User().Key)
	})

	tests := []struct {
		name     string
		body     any
		expected string
	}{
		{name: "Should reject malformed JSON", body: "{", expected: "ERR_INVALID_JSON"},
		{name: "Should reject a missing user", body: map[string]any{}, expected: "ERR_INVALID_INPUT"},
		{name: "Should reject an empty user key", body: map[string]any{"user": map[string]any{"key": " "}}, expected: "ERR_INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rr := serve(newTestAPI(newFakeClient(), Options{}), http.MethodPut, "/api/v1/user", tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.expected, decode[ErrorResponse](t, rr).Code)
		})
	}

	t.Run("Should map fetch failures to 502", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		client.identifyErr = errors.New("boom")
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodPut, "/api/v1/user", IdentifyRequest{User: &identity.User{Key: "bob"}}, nil)

		// Assert
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, "ERR_UPSTREAM", decode[ErrorResponse](t, rr).Code)
	})

	t.Run("Should map a slow fetch to 504", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		client.block = true
		api := newTestAPI(client, Options{IdentifyTimeout: 50 * time.Millisecond})

		// Act
		rr := serve(api, http.MethodPut, "/api/v1/user", IdentifyRequest{User: &identity.User{Key: "bob"}}, nil)

		// Assert
		assert.Equal(t, http.StatusGatewayTimeout, rr.Code)
		assert.Equal(t, "ERR_TIMEOUT", decode[ErrorResponse](t, rr).Code)
	})

	t.Run("Should return the current user", func(t *testing.T) {
		t.Parallel()

		rr := serve(newTestAPI(newFakeClient(), Options{}), http.MethodGet, "/api/v1/user", nil, nil)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "alice", decode[identity.User](t, rr).Key)
	})
}

func TestAPI_Events(t *testing.T) {
	t.Parallel()

	t.Run("Should enqueue a custom event", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodPost, "/api/v1/events", map[string]any{"key": "checkout", "data": map[string]any{"total": 10}}, nil)

		// Assert
		assert.Equal(t, http.StatusAccepted, rr.Code)
		require.Len(t, client.tracked, 1)
		assert.Equal(t, "checkout", client.tracked[0].key)
		assert.Equal(t, map[string]any{"total": float64(10)}, client.tracked[0].data)
	})

	t.Run("Should reject an empty event key", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodPost, "/api/v1/events", map[string]any{"key": "  "}, nil)

		// Assert
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, client.tracked)
	})

	t.Run("Should flush the queue", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodPost, "/api/v1/events/flush", nil, nil)

		// Assert
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 1, client.flushes)
	})

	t.Run("Should map flush failures to 502", func(t *testing.T) {
		t.Parallel()

		// Arrange
		client := newFakeClient()
		client.flushErr = errors.New("events endpoint down")
		api := newTestAPI(client, Options{})

		// Act
		rr := serve(api, http.MethodPost, "/api/v1/events/flush", nil, nil)

		// Assert
		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})
}

// Not parallel: metrics live on the global registry.
func TestAPI_Metrics(t *testing.T) {
	api := newTestAPI(newFakeClient(), Options{})

	t.Run("Should label requests by route pattern", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "route": "/api/v1/flags/{key}", "code": "200"}

		testsupport.AssertMetricDelta(t, "flagsync_control_http_requests_total", labels, 1, func() {
			serve(api, http.MethodGet, "/api/v1/flags/new-ui", nil, nil)
		})
	})

	t.Run("Should count error responses", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "route": "/api/v1/flags/{key}", "code": "404"}

		testsupport.AssertMetricDelta(t, "flagsync_control_http_requests_total", labels, 1, func() {
			serve(api, http.MethodGet, "/api/v1/flags/missing", nil, nil)
		})
	})

	t.Run("Should record request latency", func(t *testing.T) {
		testsupport.AssertHistogramRecorded(t, "flagsync_control_http_handling_seconds", map[string]string{"method": "GET", "route": "/health"}, func() {
			serve(api, http.MethodGet, "/health", nil, nil)
		})
	})
}
