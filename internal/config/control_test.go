package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// sha256("secret")
const testAPIKeyHash = "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b"

func TestControlConfig_Validation(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should keep the control API disabled by default",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Control.Enabled)
				assert.Equal(t, "127.0.0.1:8080", cfg.Control.Addr())
				assert.Equal(t, 10*time.Second, cfg.Control.IdentifyTimeout)
			},
		},
		{
			name: "Should skip validation when disabled",
			envVars: mergeEnvVars(map[string]string{
				"FLAGSYNC_CONTROL_PORT": "banana",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "banana", cfg.Control.Port)
			},
		},
		{
			name: "Should load an enabled control API with a key hash",
			envVars: mergeEnvVars(map[string]string{
				"FLAGSYNC_CONTROL_ENABLED":      "true",
				"FLAGSYNC_CONTROL_PORT":         "8181",
				"FLAGSYNC_CONTROL_API_KEY_HASH": testAPIKeyHash,
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Control.Enabled)
				assert.Equal(t, "8181", cfg.Control.Port)
				assert.Equal(t, testAPIKeyHash, cfg.Control.APIKeyHash)
			},
		},
		{
			name: "Should fail validation on an invalid port",
			envVars: mergeEnvVars(map[string]string{
				"FLAGSYNC_CONTROL_ENABLED": "true",
				"FLAGSYNC_CONTROL_PORT":    "70000",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation when the key hash is missing in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				cfg["FLAGSYNC_CONTROL_ENABLED"] = "true"
				return cfg
			}(),
			wantErr: true,
		},
		{
			name: "Should pass validation with a key hash in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				cfg["FLAGSYNC_CONTROL_ENABLED"] = "true"
				cfg["FLAGSYNC_CONTROL_API_KEY_HASH"] = testAPIKeyHash
				return cfg
			}(),
			want: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Control.Enabled)
			},
		},
		{
			name: "Should fail validation with an invalid key hash length",
			envVars: mergeEnvVars(map[string]string{
				"FLAGSYNC_CONTROL_ENABLED":      "true",
				"FLAGSYNC_CONTROL_API_KEY_HASH": "aaaaaa",
			}),
			wantErr: true,
		},
		{
			name: "Should fail validation with a non-hex key hash",
			envVars: mergeEnvVars(map[string]string{
				"FLAGSYNC_CONTROL_ENABLED":      "true",
				"FLAGSYNC_CONTROL_API_KEY_HASH": "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
			}),
			wantErr: true,
		},
	})
}
