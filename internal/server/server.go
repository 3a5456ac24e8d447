// Package server sets up the HTTP router, middleware, and request handlers
// for the gateway's external interface (spec §6): function/model inference,
// feedback, health, and Prometheus metrics.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/dispatch"
	"github.com/tensorzero-go/tensorgate/internal/obs"
)

// Server holds the HTTP router and the dependencies every handler needs.
type Server struct {
	router chi.Router
	cfg    *config.Store
	disp   *dispatch.Dispatcher
	sink   obs.Sink
}

// New creates a Server, wires up routes and middleware, and returns it ready
// to use as an http.Handler.
func New(cfg *config.Store, disp *dispatch.Dispatcher, sink obs.Sink) *Server {
	s := &Server{cfg: cfg, disp: disp, sink: sink}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/inference", s.handleInference)
	r.Post("/v1/feedback", s.handleFeedback)

	if mc := s.cfg.Get().Metrics; mc.Enabled {
		path := mc.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
