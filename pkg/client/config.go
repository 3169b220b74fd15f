package client

import (
	"log/slog"
	"time"

	"github.com/rafaeljc/flagsync/pkg/events"
	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/platform"
	"github.com/rafaeljc/flagsync/pkg/requestor"
	"github.com/rafaeljc/flagsync/pkg/stream"
)

// Default service endpoints.
const (
	DefaultBaseURL   = "https://app.launchdarkly.com"
	DefaultEventsURL = "https://events.launchdarkly.com"
	DefaultStreamURL = "https://clientstream.launchdarkly.com"
)

// Config is the explicit client configuration.
//
// Start from DefaultConfig. Zero values are taken literally: a bare Config{}
// sends no events, has no evaluation dedup window and never streams. Only the
// empty endpoints and a nil Logger are filled in by New.
type Config struct {
	EnvironmentID string
	// Hash is the secure-mode hash of the initial user.
	Hash string

	BaseURL   string
	EventsURL string
	StreamURL string

	// UseReport sends the user in a REPORT body instead of the URL.
	UseReport bool

	SendEvents bool
	// SamplingInterval keeps one event in SamplingInterval; 0 keeps all.
	// Negative values are reported and reset to 0.
	SamplingInterval int
	FlushInterval    time.Duration
	MaxURLLength     int
	// DedupWindow suppresses repeated evaluation events; 0 disables it.
	DedupWindow time.Duration

	// Streaming lets change subscriptions open the push channel.
	Streaming         bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// PollInterval re-fetches flags periodically when positive.
	PollInterval   time.Duration
	RequestTimeout time.Duration

	// Bootstrap seeds the flag map and makes the client ready on Start
	// without a fetch. It takes precedence over BootstrapFromStorage.
	Bootstrap flags.Map
	// BootstrapFromStorage serves cached flags from Platform.Storage.
	BootstrapFromStorage bool

	AllAttributesPrivate  bool
	PrivateAttributeNames []string

	User *identity.User

	Platform platform.Platform
	Logger   *slog.Logger
}

// DefaultConfig returns a configuration with the documented defaults. The
// environment id, user and platform are left for the caller.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		EventsURL:         DefaultEventsURL,
		StreamURL:         DefaultStreamURL,
		SendEvents:        true,
		FlushInterval:     events.DefaultFlushInterval,
		MaxURLLength:      events.DefaultMaxURLLength,
		DedupWindow:       flags.DefaultDedupWindow,
		Streaming:         true,
		ReconnectDelay:    stream.DefaultReconnectDelay,
		MaxReconnectDelay: stream.DefaultMaxReconnectDelay,
		RequestTimeout:    requestor.DefaultTimeout,
	}
}

// withDefaults fills the endpoints and logger a zero Config leaves empty.
// Every other field keeps its value, zero included.
func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.EventsURL == "" {
		c.EventsURL = DefaultEventsURL
	}
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
