package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/correlator-io/sentinel/internal/api/middleware"
	"github.com/correlator-io/sentinel/internal/scheduler"
)

// handleListWindows returns persisted windows and live scheduler pair states,
// optionally narrowed with ?tenant=.
func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	states, err := s.deps.Windows.ListWindows(ctx, tenant)
	if err != nil {
		s.logger.Error("Failed to list windows",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("tenant", tenant),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list windows"))

		return
	}

	now := s.now()

	response := WindowsResponse{
		Windows:   make([]WindowView, 0, len(states)),
		Pairs:     make([]scheduler.PairStatus, 0),
		Timestamp: now.UTC(),
	}

	for _, state := range states {
		response.Windows = append(response.Windows, WindowView{
			Tenant:       state.Tenant,
			Query:        state.QueryName,
			Fingerprint:  state.Fingerprint,
			QueriedUntil: state.QueriedUntil,
			UpdatedAt:    state.UpdatedAt,
			LagSeconds:   now.Sub(state.QueriedUntil).Seconds(),
		})
	}

	for _, pair := range s.pairs() {
		if tenant == "" || pair.Tenant == tenant {
			response.Pairs = append(response.Pairs, pair)
		}
	}

	s.writeJSON(w, r, http.StatusOK, response)
}

// handleResetWindow deletes the stored window of one pair so its next run starts
// from the configured floor as a bootstrap run. A pair that is currently running
// cannot be reset, and the pair is held off the scheduler until the delete is done.
func (s *Server) handleResetWindow(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	fingerprint := r.PathValue("fingerprint")
	correlationID := middleware.GetCorrelationID(r.Context())

	if tenant == "" || fingerprint == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("tenant and fingerprint are required"))

		return
	}

	if s.deps.Pairs != nil {
		release, err := s.deps.Pairs.Hold(tenant, fingerprint)
		if errors.Is(err, scheduler.ErrPairRunning) {
			WriteErrorResponse(w, r, s.logger, Conflict("query is currently running, retry after it completes"))

			return
		}

		if err != nil {
			s.logger.Error("Failed to hold pair for reset",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to reset window"))

			return
		}

		defer release()
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	removed, err := s.deps.Windows.ResetWindow(ctx, tenant, fingerprint)
	if err != nil {
		s.logger.Error("Failed to reset window",
			slog.String("correlation_id", correlationID),
			slog.String("tenant", tenant),
			slog.String("fingerprint", fingerprint),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to reset window"))

		return
	}

	if !removed {
		WriteErrorResponse(w, r, s.logger, NotFound("no window stored for this tenant and fingerprint"))

		return
	}

	s.logger.Warn("Window reset by administrator",
		slog.String("correlation_id", correlationID),
		slog.String("tenant", tenant),
		slog.String("fingerprint", fingerprint),
	)

	s.writeJSON(w, r, http.StatusOK, ResetResponse{
		Tenant:      tenant,
		Fingerprint: fingerprint,
		Reset:       true,
	})
}

func (s *Server) pairs() []scheduler.PairStatus {
	if s.deps.Pairs == nil {
		return nil
	}

	return s.deps.Pairs.Snapshot()
}
