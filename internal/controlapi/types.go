package controlapi

import (
	"strings"

	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/identity"
)

// maxEventKeyLength caps custom event keys accepted by POST /events.
const maxEventKeyLength = 255

// FlagResponse is a single evaluated flag.
type FlagResponse struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// FlagsResponse wraps the full flag map.
type FlagsResponse struct {
	Data  flags.Map `json:"data"`
	Count int       `json:"count"`
}

// StatusResponse describes the client state.
type StatusResponse struct {
	Ready   bool   `json:"ready"`
	Stream  string `json:"stream"`
	UserKey string `json:"user_key"`
}

// IdentifyRequest switches the client to a new user.
type IdentifyRequest struct {
	User *identity.User `json:"user"`
	// Hash is the secure-mode hash of the user; optional.
	Hash string `json:"hash,omitempty"`
}

// Sanitize trims the user key.
func (r *IdentifyRequest) Sanitize() {
	if r.User != nil {
		r.User.Key = strings.TrimSpace(r.User.Key)
	}
	r.Hash = strings.TrimSpace(r.Hash)
}

// Validate checks the request carries a user with a key.
func (r *IdentifyRequest) Validate() *ErrorResponse {
	if r.User == nil {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "User is required",
			Details: []ErrorDetail{{Field: "user", Issue: "missing"}},
		}
	}
	if r.User.Key == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "User key is required",
			Details: []ErrorDetail{{Field: "user.key", Issue: "empty"}},
		}
	}
	return nil
}

// IdentifyResponse carries the user and the flags fetched for it.
type IdentifyResponse struct {
	User  *identity.User `json:"user"`
	Flags flags.Map      `json:"flags"`
}

// TrackRequest enqueues a custom event.
type TrackRequest struct {
	Key  string `json:"key"`
	Data any    `json:"data,omitempty"`
}

// Sanitize trims the event key.
func (r *TrackRequest) Sanitize() {
	r.Key = strings.TrimSpace(r.Key)
}

// Validate checks the event key.
func (r *TrackRequest) Validate() *ErrorResponse {
	if r.Key == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Event key is required",
			Details: []ErrorDetail{{Field: "key", Issue: "empty"}},
		}
	}
	if len(r.Key) > maxEventKeyLength {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Event key must be at most 255 characters",
			Details: []ErrorDetail{{Field: "key", Issue: "too long"}},
		}
	}
	return nil
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
