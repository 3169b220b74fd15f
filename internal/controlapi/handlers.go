package controlapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/rafaeljc/flagsync/internal/logger"
)

// handleStatus processes GET /api/v1/status.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Ready:  a.client.IsReady(),
		Stream: a.client.StreamState().String(),
	}
	if u := a.client.User(); u != nil {
		resp.UserKey = u.Key
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleListFlags processes GET /api/v1/flags.
func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	all := a.client.AllFlags()

	render.Status(r, http.StatusOK)
	render.JSON(w, r, FlagsResponse{Data: all, Count: len(all)})
}

// handleGetFlag processes GET /api/v1/flags/{key}. Only the requested flag
// is evaluated, so exactly one evaluation event is recorded.
func (a *API) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if !a.client.HasFlag(key) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_NOT_FOUND",
			Message: "Flag not found",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, FlagResponse{Key: key, Value: a.client.Variation(key, nil)})
}

// handleGetUser processes GET /api/v1/user.
func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, a.client.User())
}

// handleIdentify processes PUT /api/v1/user. It waits for the flags of the
// new user to be fetched and applied.
func (a *API) handleIdentify(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req IdentifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.identifyTimeout)
	defer cancel()

	future := a.client.Identify(ctx, req.User, req.Hash)
	settings, err := future.Await(ctx)
	if err != nil {
		future.Cancel()

		status, code := http.StatusBadGateway, "ERR_UPSTREAM"
		if errors.Is(err, context.DeadlineExceeded) {
			status, code = http.StatusGatewayTimeout, "ERR_TIMEOUT"
		}
		log.Error("identify failed", slog.String("user_key", req.User.Key), slog.String("error", err.Error()))
		render.Status(r, status)
		render.JSON(w, r, ErrorResponse{
			Code:    code,
			Message: "Failed to load flags for user",
		})
		return
	}

	log.Info("user identified", slog.String("user_key", req.User.Key), slog.Int("flags", len(settings)))
	render.Status(r, http.StatusOK)
	render.JSON(w, r, IdentifyResponse{User: req.User, Flags: settings})
}

// handleTrack processes POST /api/v1/events.
func (a *API) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	a.client.Track(req.Key, req.Data)

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "queued"})
}

// handleFlush processes POST /api/v1/events/flush.
func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := a.client.Flush(r.Context(), false); err != nil {
		logger.FromContext(r.Context()).Error("flush failed", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_UPSTREAM",
			Message: "Failed to deliver queued events",
		})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]string{"status": "flushed"})
}
