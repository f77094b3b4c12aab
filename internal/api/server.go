// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api provides the HTTP surface of the occupancy daemon: the scan
// endpoint, the operator surface, forecast queries and the SSE notification
// stream.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/spacegate/internal/health"
	"github.com/ManuGH/spacegate/internal/hub"
	"github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/occupancy/engine"
	"github.com/ManuGH/spacegate/internal/occupancy/store"
	"github.com/ManuGH/spacegate/internal/ratelimit"
)

// Options wires the server dependencies.
type Options struct {
	Engine *engine.Engine
	Hub    *hub.Hub
	Store  store.Store
	Health *health.Manager
	// Limiter is optional; nil disables the per-surface limits.
	Limiter *ratelimit.Limiter
	// APIToken protects the operator surface when non-empty.
	APIToken string
	// AllowedOrigins feeds the CORS allow list.
	AllowedOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	engine   *engine.Engine
	hub      *hub.Hub
	store    store.Store
	health   *health.Manager
	limiter  *ratelimit.Limiter
	apiToken string
	origins  []string
	logger   zerolog.Logger
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	return &Server{
		engine:   opts.Engine,
		hub:      opts.Hub,
		store:    opts.Store,
		health:   opts.Health,
		limiter:  opts.Limiter,
		apiToken: opts.APIToken,
		origins:  opts.AllowedOrigins,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(CORS(s.origins))
	r.Use(SecurityHeaders)
	r.Use(Metrics)
	r.Use(Logging)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Sliding-window global backstop in front of the surface limits.
		r.Use(httprate.Limit(600, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

		r.Group(func(r chi.Router) {
			r.Use(s.surfaceLimit("scan"))
			r.Post("/scan", s.handleScan)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.surfaceLimit("read"))
			r.Get("/occupancy", s.handleOccupancy)
			r.Get("/status", s.handleGetStatus)
			r.Get("/sessions/{id}", s.handleSession)
			r.Get("/forecast", s.handleForecast)
			r.Get("/events", s.handleEvents)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.surfaceLimit("admin"))
			r.Use(s.requireToken)
			r.Get("/sessions/scored", s.handleListScored)
			r.Post("/sessions/remove-top", s.handleRemoveTop)
			r.Put("/capacity", s.handleSetCapacity)
			r.Post("/occupancy/adjust", s.handleAdjust)
			r.Put("/status", s.handleSetStatus)
			r.Put("/occupants/{id}", s.handlePutOccupant)
			r.Post("/forecast/history", s.handleIngestHistory)
		})
	})

	return r
}

func (s *Server) surfaceLimit(surface string) func(http.Handler) http.Handler {
	if s.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.limiter.Middleware(surface)
}

// requireToken guards the operator surface. Accepts X-API-Token or a Bearer
// token; a constant-time compare keeps timing side channels out.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-API-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			s.logger.Warn().Str("path", r.URL.Path).Msg("rejected operator request with bad token")
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
