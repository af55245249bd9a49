package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/streamrelay/internal/config"
	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/models"
	"github.com/rcourtman/streamrelay/internal/utils"
)

const (
	maxStartBodyBytes = 64 << 10
	statusTimeout     = 3 * time.Second
)

const (
	routeHealth     = "/healthz"
	routeStatus     = "/api/status"
	routePlatforms  = "/api/platforms"
	routeEvents     = "/api/events"
	routeRelayStart = "/api/relay/start"
	routeRelayStop  = "/api/relay/stop"
	routeWebSocket  = "/api/ws"
)

var knownRoutes = map[string]struct{}{
	routeHealth:     {},
	routeStatus:     {},
	routePlatforms:  {},
	routeEvents:     {},
	routeRelayStart: {},
	routeRelayStop:  {},
	routeWebSocket:  {},
}

// RelayController is the part of the relay controller the API drives.
type RelayController interface {
	Start(creds models.CredentialSet) error
	Stop() error
	CurrentStatus(ctx context.Context) models.RelaySession
	History() []models.StatusEvent
}

// SettingsLoader supplies stored keys when a start request carries none.
type SettingsLoader interface {
	Load() (config.Settings, error)
}

// Router handles HTTP routing
type Router struct {
	mux        *http.ServeMux
	controller RelayController
	settings   SettingsLoader
	wsHandler  http.Handler
	startTime  time.Time
}

// StartRequest is the body accepted by POST /api/relay/start.
type StartRequest struct {
	Credentials map[string]models.StreamKey `json:"credentials,omitempty"`
}

// PlatformInfo describes one registered platform and whether a key is stored
// for it. The key itself is never returned.
type PlatformInfo struct {
	models.PlatformSpec
	Configured bool `json:"configured"`
}

// NewRouter creates a new router instance. wsHandler may be nil.
func NewRouter(controller RelayController, settings SettingsLoader, wsHandler http.Handler) http.Handler {
	r := &Router{
		mux:        http.NewServeMux(),
		controller: controller,
		settings:   settings,
		wsHandler:  wsHandler,
		startTime:  time.Now(),
	}

	r.setupRoutes()
	return ErrorHandler(r)
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET "+routeHealth, r.handleHealth)
	r.mux.HandleFunc("GET "+routeStatus, r.handleStatus)
	r.mux.HandleFunc("GET "+routePlatforms, r.handlePlatforms)
	r.mux.HandleFunc("GET "+routeEvents, r.handleEvents)
	r.mux.HandleFunc("POST "+routeRelayStart, r.handleStart)
	r.mux.HandleFunc("POST "+routeRelayStop, r.handleStop)
	if r.wsHandler != nil {
		r.mux.Handle("GET "+routeWebSocket, r.wsHandler)
	}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.addSecurityHeaders(w)
	r.mux.ServeHTTP(w, req)
}

// addSecurityHeaders adds security headers to the response
func (r *Router) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(r.startTime).Seconds(),
	}
	if err := utils.WriteJSONResponse(w, health); err != nil {
		log.Error().Err(err).Msg("Failed to write health response")
	}
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
	defer cancel()

	if err := utils.WriteJSONResponse(w, r.controller.CurrentStatus(ctx)); err != nil {
		log.Error().Err(err).Msg("Failed to write status response")
	}
}

func (r *Router) handlePlatforms(w http.ResponseWriter, req *http.Request) {
	var enabled models.CredentialSet
	if r.settings != nil {
		settings, err := r.settings.Load()
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, "settings_unavailable",
				sanitizeErrorForClient(err, "Failed to read settings"), nil)
			return
		}
		enabled = settings.Keys
	}

	specs := models.Platforms()
	out := make([]PlatformInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, PlatformInfo{
			PlatformSpec: spec,
			Configured:   !enabled[spec.Platform].IsEmpty(),
		})
	}
	if err := utils.WriteJSONResponse(w, out); err != nil {
		log.Error().Err(err).Msg("Failed to write platforms response")
	}
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	events := r.controller.History()
	if events == nil {
		events = []models.StatusEvent{}
	}
	if err := utils.WriteJSONResponse(w, events); err != nil {
		log.Error().Err(err).Msg("Failed to write events response")
	}
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	creds, err := r.startCredentials(req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			writeErrorResponse(w, apiErr.StatusCode, apiErr.Code, apiErr.ErrorMessage, nil)
			return
		}
		writeRelayError(w, err)
		return
	}

	if err := r.controller.Start(creds); err != nil {
		writeRelayError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
	defer cancel()
	if err := utils.WriteJSONResponse(w, r.controller.CurrentStatus(ctx)); err != nil {
		log.Error().Err(err).Msg("Failed to write start response")
	}
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	if err := r.controller.Stop(); err != nil {
		writeRelayError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), statusTimeout)
	defer cancel()
	if err := utils.WriteJSONResponse(w, r.controller.CurrentStatus(ctx)); err != nil {
		log.Error().Err(err).Msg("Failed to write stop response")
	}
}

// startCredentials reads keys from the request body, falling back to the
// settings store when the body is empty or names no credentials.
func (r *Router) startCredentials(req *http.Request) (models.CredentialSet, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxStartBodyBytes+1))
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Code: "invalid_request", ErrorMessage: "Failed to read request body"}
	}
	if len(body) > maxStartBodyBytes {
		return nil, &APIError{StatusCode: http.StatusRequestEntityTooLarge, Code: "invalid_request", ErrorMessage: "Request body too large"}
	}

	var start StartRequest
	if len(body) > 0 {
		// The decoder error is not echoed back: it can quote the body.
		if err := json.Unmarshal(body, &start); err != nil {
			return nil, &APIError{StatusCode: http.StatusBadRequest, Code: "invalid_request", ErrorMessage: "Request body is not valid JSON"}
		}
	}

	if len(start.Credentials) > 0 {
		creds := make(models.CredentialSet, len(start.Credentials))
		for name, key := range start.Credentials {
			p := models.ParsePlatform(name)
			if !p.Supported() {
				return nil, relayerrors.NewConfigurationError("start", p.String(), relayerrors.ErrUnsupportedPlatform)
			}
			creds[p] = key
		}
		return creds, nil
	}

	if r.settings == nil {
		return models.CredentialSet{}, nil
	}
	settings, err := r.settings.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read stored stream keys")
		return nil, relayerrors.NewConfigurationError("load settings", "", relayerrors.ErrInvalidConfig)
	}
	return settings.Keys, nil
}

// sanitizeErrorForClient returns a generic, safe message for an internal error.
// The raw error is logged server-side; the client only sees the generic message.
func sanitizeErrorForClient(err error, genericMsg string) string {
	if err != nil {
		log.Error().Err(err).Msg(genericMsg)
	}
	return genericMsg
}
