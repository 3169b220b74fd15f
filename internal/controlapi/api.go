// Package controlapi implements the local REST API that drives an embedded
// flagsync client: reading flags, switching the user, tracking custom events
// and flushing the event queue.
package controlapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/rafaeljc/flagsync/internal/validation"
	"github.com/rafaeljc/flagsync/pkg/async"
	"github.com/rafaeljc/flagsync/pkg/flags"
	"github.com/rafaeljc/flagsync/pkg/identity"
	"github.com/rafaeljc/flagsync/pkg/stream"
)

// DefaultIdentifyTimeout bounds the flag fetch of an identify request.
const DefaultIdentifyTimeout = 10 * time.Second

// Client is the part of the flagsync client the API drives.
type Client interface {
	AllFlags() flags.Map
	HasFlag(key string) bool
	Variation(key string, def any) any
	Identify(ctx context.Context, user *identity.User, hash string) *async.Future[flags.Map]
	Track(key any, data any)
	Flush(ctx context.Context, unloading bool) error
	User() *identity.User
	IsReady() bool
	StreamState() stream.State
}

// Options configures an API.
type Options struct {
	// APIKeyHash is the SHA-256 hex digest of the accepted X-API-Key value.
	// Empty disables authentication.
	APIKeyHash string
	// IdentifyTimeout defaults to DefaultIdentifyTimeout.
	IdentifyTimeout time.Duration
	Logger          *slog.Logger
}

// API holds the router and the client it drives.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	client          Client
	apiKeyHash      string
	identifyTimeout time.Duration
	log             *slog.Logger
}

// NewAPI creates an API for client. Panics if client is nil.
func NewAPI(client Client, opts Options) *API {
	validation.AssertImplemented(client, "control api client")

	if opts.IdentifyTimeout <= 0 {
		opts.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	api := &API{
		Router:          chi.NewRouter(),
		client:          client,
		apiKeyHash:      opts.APIKeyHash,
		identifyTimeout: opts.IdentifyTimeout,
		log:             opts.Logger.With(slog.String("component", "controlapi")),
	}

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.requestLogger)
	a.Router.Use(recordMetrics)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Get("/health", a.handleHealthCheck)

	a.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(a.authenticateAPIKey)

		r.Get("/status", a.handleStatus)

		r.Route("/flags", func(r chi.Router) {
			r.Get("/", a.handleListFlags)
			r.Get("/{key}", a.handleGetFlag)
		})

		r.Get("/user", a.handleGetUser)
		r.Put("/user", a.handleIdentify)

		r.Post("/events", a.handleTrack)
		r.Post("/events/flush", a.handleFlush)
	})
}

func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "ok"})
}
