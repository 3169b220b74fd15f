package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig provides the settings every Load call needs.
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"FLAGSYNC_SDK_ENV_ID": "env-test-123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// redisStorageConfig selects the redis driver with a complete development connection.
func redisStorageConfig(additional map[string]string) map[string]string {
	result := mergeEnvVars(map[string]string{
		"FLAGSYNC_STORAGE_DRIVER": "redis",
		"FLAGSYNC_REDIS_HOST":     "localhost",
		"FLAGSYNC_REDIS_PORT":     "6379",
	})
	maps.Copy(result, additional)
	return result
}

// postgresStorageConfig selects the postgres driver with a complete development connection.
func postgresStorageConfig(additional map[string]string) map[string]string {
	result := mergeEnvVars(map[string]string{
		"FLAGSYNC_STORAGE_DRIVER": "postgres",
		"FLAGSYNC_DB_HOST":        "localhost",
		"FLAGSYNC_DB_PORT":        "5432",
		"FLAGSYNC_DB_NAME":        "flagsync_test",
		"FLAGSYNC_DB_USER":        "test_user",
		"FLAGSYNC_DB_PASSWORD":    "test_pass",
	})
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration
// using the redis storage driver.
func validProductionConfig() map[string]string {
	return map[string]string{
		"FLAGSYNC_APP_ENV":    "production",
		"FLAGSYNC_SDK_ENV_ID": "env-prod-abc",

		"FLAGSYNC_STORAGE_DRIVER":    "redis",
		"FLAGSYNC_REDIS_HOST":        "prod-redis.example.com",
		"FLAGSYNC_REDIS_PORT":        "6379",
		"FLAGSYNC_REDIS_PASSWORD":    "RedisSecure123!",
		"FLAGSYNC_REDIS_TLS_ENABLED": "true",
	}
}

// runLoadCases executes table cases that only differ by environment.
func runLoadCases(t *testing.T, tests []loadCase) {
	t.Helper()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv prevents parallel execution and restores the environment afterwards
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}

type loadCase struct {
	name    string
	envVars map[string]string
	want    func(t *testing.T, cfg *Config)
	wantErr bool
}

func TestLoad(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should use defaults when only the environment id is set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "flagsync", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 10*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
				assert.Equal(t, 1024, cfg.Storage.MemoryCapacity)
				assert.Equal(t, "9090", cfg.Observability.Port)
			},
		},
		{
			name: "Should load all custom app variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"FLAGSYNC_APP_NAME":             "edge-host",
				"FLAGSYNC_APP_VERSION":          "1.0.0",
				"FLAGSYNC_APP_ENV":              "staging",
				"FLAGSYNC_APP_LOG_LEVEL":        "debug",
				"FLAGSYNC_APP_LOG_FORMAT":       "json",
				"FLAGSYNC_APP_SHUTDOWN_TIMEOUT": "60s",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "edge-host", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
			},
		},
		{
			name:    "Should fail when the environment id is missing",
			envVars: map[string]string{"FLAGSYNC_APP_ENV": "development"},
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{"FLAGSYNC_APP_ENV": "invalid"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{"FLAGSYNC_APP_LOG_LEVEL": "trace"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{"FLAGSYNC_APP_LOG_FORMAT": "xml"}),
			wantErr: true,
		},
		{
			name:    "Should pass a complete production configuration",
			envVars: validProductionConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, EnvironmentProduction, cfg.App.Environment)
				assert.Equal(t, StorageDriverRedis, cfg.Storage.Driver)
			},
		},
	})
}

func TestStorageConfig_Validation(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should reject an unknown storage driver",
			envVars: mergeEnvVars(map[string]string{"FLAGSYNC_STORAGE_DRIVER": "sqlite"}),
			wantErr: true,
		},
		{
			name:    "Should accept the none driver without backend settings",
			envVars: mergeEnvVars(map[string]string{"FLAGSYNC_STORAGE_DRIVER": "none"}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, StorageDriverNone, cfg.Storage.Driver)
			},
		},
		{
			name:    "Should ignore incomplete redis settings when the memory driver is selected",
			envVars: mergeEnvVars(map[string]string{"FLAGSYNC_REDIS_HOST": ""}),
			want: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Redis.IsConfigured())
			},
		},
		{
			name:    "Should require redis host when the redis driver is selected",
			envVars: redisStorageConfig(map[string]string{"FLAGSYNC_REDIS_HOST": ""}),
			wantErr: true,
		},
		{
			name:    "Should require database settings when the postgres driver is selected",
			envVars: postgresStorageConfig(map[string]string{"FLAGSYNC_DB_NAME": ""}),
			wantErr: true,
		},
		{
			name:    "Should reject a postgres table that is not a plain identifier",
			envVars: postgresStorageConfig(map[string]string{"FLAGSYNC_STORAGE_TABLE": "cache; DROP TABLE users"}),
			wantErr: true,
		},
		{
			name:    "Should accept a custom postgres table",
			envVars: postgresStorageConfig(map[string]string{"FLAGSYNC_STORAGE_TABLE": "edge_flags_v2"}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "edge_flags_v2", cfg.Storage.Table)
			},
		},
		{
			name:    "Should reject a zero memory capacity",
			envVars: mergeEnvVars(map[string]string{"FLAGSYNC_STORAGE_MEMORY_CAPACITY": "0"}),
			wantErr: true,
		},
	})
}

func TestValidationHelpers(t *testing.T) {
	t.Parallel()

	t.Run("validatePort", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validatePort("443", "test"))
		assert.Error(t, validatePort("", "test"))
		assert.Error(t, validatePort("http", "test"))
		assert.Error(t, validatePort("70000", "test"))
	})

	t.Run("validateNoWhitespace", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validateNoWhitespace("value", "field"))
		assert.Error(t, validateNoWhitespace("", "field"))
		assert.Error(t, validateNoWhitespace(" value", "field"))
	})

	t.Run("parseAndValidateURL", func(t *testing.T) {
		t.Parallel()
		parsed, err := parseAndValidateURL("https://example.com/path", []string{"https"})
		require.NoError(t, err)
		assert.Equal(t, "example.com", parsed.Host)

		_, err = parseAndValidateURL("ftp://example.com", []string{"https"})
		assert.Error(t, err)

		_, err = parseAndValidateURL("https:///nohost", []string{"https"})
		assert.Error(t, err)
	})
}
