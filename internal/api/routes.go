package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/correlator-io/sentinel/internal/api/middleware"
	"github.com/correlator-io/sentinel/internal/scheduler"
)

const (
	healthCheckTimeout     = 2 * time.Second
	storeTimeout           = 5 * time.Second
	expectedRouteParts     = 2
	contentTypeProblemJSON = "application/problem+json"
)

// Route pairs a mux pattern with its handler.
type Route struct {
	Path    string
	Handler http.Handler
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	routes := []Route{
		{"GET /ping", http.HandlerFunc(s.handlePing)},
		{"GET /ready", http.HandlerFunc(s.handleReady)},
		{"GET /health", http.HandlerFunc(s.handleHealth)},
		{"GET /api/v1/windows", http.HandlerFunc(s.handleListWindows)},
		{"/", http.HandlerFunc(s.handleNotFound)},
	}

	if s.deps.Gatherer != nil {
		routes = append(routes, Route{"GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})})
	}

	s.registerPublicRoutes(mux, routes...)

	if s.verifier != nil {
		mux.HandleFunc("DELETE /api/v1/windows/{tenant}/{fingerprint}", s.handleResetWindow)
	}
}

// registerPublicRoutes registers routes that bypass admin authentication and rate
// limiting. Only read-only operational endpoints belong here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// "GET /ping" patterns match on r.URL.Path "/ping".
		path := route.Path
		if parts := strings.Fields(path); len(parts) == expectedRouteParts {
			path = parts[1]
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		s.public.Add(path)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Sentinel-Version", s.deps.Version)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady answers 200 when the storage backend passes its health check and 503
// otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			s.logger.Error("Storage health check failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, ServiceUnavailable("storage unavailable"))

			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ready")); err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "sentinel",
		Version:     s.deps.Version,
	}

	if !s.startTime.IsZero() {
		health.Uptime = s.now().Sub(s.startTime).Round(time.Second).String()
	}

	if s.deps.Pairs != nil {
		health.Pairs = make(map[scheduler.PairState]int)
		for _, pair := range s.deps.Pairs.Snapshot() {
			health.Pairs[pair.State]++
		}

		if health.Pairs[scheduler.StateBackoff] > 0 {
			health.Status = "degraded"
		}
	}

	s.writeJSON(w, r, http.StatusOK, health)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v before writing headers so encoding failures still produce a
// problem response.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Sentinel-Version", s.deps.Version)
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
