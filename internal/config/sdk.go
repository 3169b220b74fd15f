package config

import (
	"fmt"
	"strings"
	"time"
)

// Bootstrap modes accepted by SDKConfig.BootstrapMode.
const (
	BootstrapNone    = "none"
	BootstrapStorage = "storage"
	BootstrapFile    = "file"
)

// SDKConfig configures the flag synchronization client embedded in the host.
type SDKConfig struct {
	EnvironmentID string `envconfig:"ENV_ID" validate:"required"`
	Hash          string `envconfig:"HASH"`

	BaseURL   string `envconfig:"BASE_URL" default:"https://app.launchdarkly.com"`
	EventsURL string `envconfig:"EVENTS_URL" default:"https://events.launchdarkly.com"`
	StreamURL string `envconfig:"STREAM_URL" default:"https://clientstream.launchdarkly.com"`

	// UseReport sends the user in a request body instead of the URL.
	UseReport bool `envconfig:"USE_REPORT" default:"false"`

	SendEvents       bool          `envconfig:"SEND_EVENTS" default:"true"`
	SamplingInterval int           `envconfig:"SAMPLING_INTERVAL" default:"0" validate:"min=0"`
	FlushInterval    time.Duration `envconfig:"FLUSH_INTERVAL" default:"2s" validate:"min=100ms"`
	MaxURLLength     int           `envconfig:"MAX_URL_LENGTH" default:"2000" validate:"min=256"`
	DedupWindow      time.Duration `envconfig:"DEDUP_WINDOW" default:"5m"`

	Streaming         bool          `envconfig:"STREAMING" default:"true"`
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"1s" validate:"min=100ms"`
	MaxReconnectDelay time.Duration `envconfig:"MAX_RECONNECT_DELAY" default:"30s"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"0s"`
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s" validate:"min=1s"`

	BootstrapMode string `envconfig:"BOOTSTRAP_MODE" default:"none" validate:"oneof=none storage file"`
	BootstrapFile string `envconfig:"BOOTSTRAP_FILE"`

	AllAttributesPrivate  bool     `envconfig:"ALL_ATTRIBUTES_PRIVATE" default:"false"`
	PrivateAttributeNames []string `envconfig:"PRIVATE_ATTRIBUTE_NAMES"`

	// UserKey identifies the user the host evaluates flags for.
	UserKey string `envconfig:"USER_KEY" default:"anonymous"`
}

// Validate checks cross-field rules that struct tags cannot express.
func (c *SDKConfig) Validate(environment string) error {
	if err := validateNoWhitespace(c.EnvironmentID, "environment id"); err != nil {
		return err
	}

	for name, raw := range map[string]string{"base": c.BaseURL, "events": c.EventsURL, "stream": c.StreamURL} {
		if _, err := parseAndValidateURL(raw, []string{"http", "https"}); err != nil {
			return fmt.Errorf("invalid %s URL: %w", name, err)
		}
		if environment == EnvironmentProduction && !strings.HasPrefix(raw, "https://") {
			return fmt.Errorf("%s URL must use https in production environment", name)
		}
	}

	if c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max_reconnect_delay (%s) cannot be lower than reconnect_delay (%s)", c.MaxReconnectDelay, c.ReconnectDelay)
	}

	if c.PollInterval != 0 && c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be 0 (disabled) or at least 1s, got %s", c.PollInterval)
	}

	if c.BootstrapMode == BootstrapFile && c.BootstrapFile == "" {
		return fmt.Errorf("bootstrap file mode requires BOOTSTRAP_FILE")
	}

	return nil
}
