package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/flagsync/internal/config"
)

func testObservabilityConfig() *config.ObservabilityConfig {
	return &config.ObservabilityConfig{
		Enabled:       true,
		Port:          "0",
		Timeout:       time.Second,
		LivenessPath:  "/alive",
		ReadinessPath: "/ready",
		MetricsPath:   "/telemetry",
	}
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	healthy := CheckFunc("client", func(context.Context) error { return nil })
	failing := CheckFunc("storage", func(context.Context) error { return errors.New("connection refused") })

	t.Run("Should answer liveness on the configured path", func(t *testing.T) {
		t.Parallel()

		// Arrange
		srv := NewServer(nil, testObservabilityConfig())
		rec := httptest.NewRecorder()

		// Act
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alive", nil))

		// Assert
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "Should report ready without checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{},
		},
		{
			name:       "Should report ready when every checker passes",
			checkers:   []Checker{healthy},
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"client": "up"},
		},
		{
			name:       "Should report 503 when any checker fails",
			checkers:   []Checker{healthy, failing},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"client": "up", "storage": "down: connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			srv := NewServer(nil, testObservabilityConfig(), tt.checkers...)
			rec := httptest.NewRecorder()

			// Act
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			// Assert
			assert.Equal(t, tt.wantCode, rec.Code)
			var body readinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}

	t.Run("Should expose Prometheus metrics on the configured path", func(t *testing.T) {
		t.Parallel()

		srv := NewServer(nil, testObservabilityConfig())
		rec := httptest.NewRecorder()

		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/telemetry", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})

	t.Run("Should shut down cleanly when never started", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, NewServer(nil, testObservabilityConfig()).Shutdown(context.Background()))
	})

	t.Run("Should panic without a config", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { NewServer(nil, nil) })
	})
}
