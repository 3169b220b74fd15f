// Package sdkerrors defines the error kinds reported by the flagsync client.
//
// Every error delivered on the client's "error" topic is an *Error whose Kind
// is one of the sentinels below, so callers can branch with errors.Is:
//
//	if errors.Is(err, sdkerrors.ErrEnvironmentNotFound) { ... }
package sdkerrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument covers configuration and call arguments the client rejects.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidEnvironmentID is reported when no environment id was configured.
	ErrInvalidEnvironmentID = fmt.Errorf("%w: environment id", ErrInvalidArgument)

	// ErrInvalidUser is reported for a missing user or a user without a key.
	ErrInvalidUser = fmt.Errorf("%w: user", ErrInvalidArgument)

	// ErrFlagFetch is the generic fetch failure (transport error or non-2xx status).
	ErrFlagFetch = errors.New("flag fetch failed")

	// ErrEnvironmentNotFound is the fetch failure for a 404 from the flag service.
	ErrEnvironmentNotFound = fmt.Errorf("%w: environment not found", ErrFlagFetch)

	// ErrUnexpectedResponse is reported for malformed flag or goal payloads.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrInvalidEventKey is reported when a custom event key is not a string.
	ErrInvalidEventKey = errors.New("invalid event key")
)

// Error is the typed error delivered to "error" subscribers.
type Error struct {
	// Kind is one of the package sentinels.
	Kind error
	// Message is the human readable description.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// New creates an error of the given kind.
func New(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind error, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Messages shared by the client when reporting configuration errors.
const (
	MsgEnvironmentNotSpecified = "no environment specified; please see the docs for how to provide an environment id"
	MsgUserNotSpecified        = "no user specified; please see the docs for how to provide a user"
	MsgInvalidUser             = "invalid user specified; a user must have a non-empty key"
	MsgInvalidSamplingInterval = "invalid sampling interval configured; sampling interval must be an integer >= 0"
)

// UnknownCustomEventKey formats the message for custom keys not found in the goal list.
func UnknownCustomEventKey(key any) string {
	return fmt.Sprintf("custom event key does not exist: %v", key)
}
