// Package platform defines the host capabilities the flagsync client consumes:
// HTTP execution, key/value persistence, the push channel factory, and
// environment signals. Each capability is optional except HTTP; a nil
// capability disables the feature that depends on it.
package platform

import (
	"context"
	"net/http"

	"github.com/rafaeljc/flagsync/pkg/stream"
)

// Request is a single HTTP exchange issued by the client.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Unloading sends the request in closing mode: synchronously, detached
	// from caller cancellation, reporting a 200 stub whatever the outcome.
	// It affects this request only.
	Unloading bool
}

// Response is the buffered outcome of a Request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// HeaderValue returns the first value of the named response header.
func (r *Response) HeaderValue(name string) string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// HTTP executes requests for the requestor and the event flusher.
type HTTP interface {
	// Do performs the request. For an Unloading request it blocks until a
	// best-effort send finished and always reports a 200 stub response.
	Do(ctx context.Context, req *Request) (*Response, error)

	// AllowsBodyMethods reports whether methods carrying a body (REPORT) may be used.
	AllowsBodyMethods() bool
}

// Storage is the persistent key/value store mirroring the flag map.
type Storage interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
}

// Environment exposes the host signals that gate analytics.
type Environment interface {
	DoNotTrack() bool
	CurrentURL() string
}

// Document is the page model goal tracking observes.
type Document interface {
	CurrentURL() string

	// OnClick registers a click handler; the returned func removes it.
	OnClick(handler func(target *Element)) (remove func())

	// OnNavigate registers a client-side navigation handler; the returned func removes it.
	OnNavigate(handler func()) (remove func())
}

// Platform bundles the capabilities handed to the client at construction.
type Platform struct {
	HTTP     HTTP
	Storage  Storage
	Channels stream.Factory
	Env      Environment
	Document Document
}
