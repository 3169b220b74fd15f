package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// ControlConfig configures the local REST API that drives the embedded client.
type ControlConfig struct {
	// Enabled toggles the control API; it is off unless explicitly requested.
	Enabled           bool          `envconfig:"ENABLED" default:"false"`
	Port              string        `envconfig:"PORT" default:"8080"`
	Host              string        `envconfig:"HOST" default:"127.0.0.1"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`

	// IdentifyTimeout bounds how long PUT /api/v1/user waits for the flag fetch.
	IdentifyTimeout time.Duration `envconfig:"IDENTIFY_TIMEOUT" default:"10s" validate:"min=100ms"`

	// APIKeyHash is the SHA-256 hex digest of the accepted X-API-Key value.
	APIKeyHash string `envconfig:"API_KEY_HASH"`
}

// Addr returns the listen address.
func (c *ControlConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// Validate performs validation on the ControlConfig.
func (c *ControlConfig) Validate(environment string) error {
	if !c.Enabled {
		return nil
	}

	if err := validatePort(c.Port, "control"); err != nil {
		return err
	}
	if err := validateHost(c.Host, "control"); err != nil {
		return err
	}

	if environment == EnvironmentProduction && c.APIKeyHash == "" {
		return fmt.Errorf("control API key hash is required in production environment")
	}
	if c.APIKeyHash != "" {
		if err := validateSHA256Hash(c.APIKeyHash); err != nil {
			return fmt.Errorf("invalid control API key hash: %w", err)
		}
	}

	return nil
}

// validateSHA256Hash checks if the hash is a valid SHA-256 hex string (64 hex characters)
func validateSHA256Hash(hash string) error {
	if len(hash) != 64 {
		return fmt.Errorf("SHA-256 hash must be 64 characters, got %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return fmt.Errorf("hash must be valid hexadecimal: %w", err)
	}
	return nil
}
