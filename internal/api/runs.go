package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ingestrelay/ingestrelay/internal/api/middleware"
	"github.com/ingestrelay/ingestrelay/internal/storage"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// RunsResponse lists the most recent runs of a connector, newest first.
type RunsResponse struct {
	ConnectorID string               `json:"connector_id"`
	Runs        []*storage.RunRecord `json:"runs"`
}

func (s *Server) handleConnectorRuns(w http.ResponseWriter, r *http.Request) {
	connectorID := r.PathValue("connector_id")

	if client, ok := middleware.GetClientContext(r.Context()); ok && !client.Allows(connectorID) {
		WriteErrorResponse(w, r, s.logger,
			Forbidden(fmt.Sprintf("API key is not allowed to read connector '%s'", connectorID)))

		return
	}

	limit := defaultRunsLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxRunsLimit {
			WriteErrorResponse(w, r, s.logger,
				BadRequest(fmt.Sprintf("limit must be an integer between 1 and %d", maxRunsLimit)))

			return
		}

		limit = parsed
	}

	runs, err := s.runs.RecentRuns(r.Context(), connectorID, limit)
	if err != nil {
		s.logger.Error("Failed to list runs",
			slog.String("connector_id", connectorID),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list runs"))

		return
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, r, http.StatusOK, RunsResponse{ConnectorID: connectorID, Runs: runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	run, err := s.runs.Run(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Run '%s' not found", runID)))

			return
		}

		s.logger.Error("Failed to load run",
			slog.String("run_id", runID),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load run"))

		return
	}

	if client, ok := middleware.GetClientContext(r.Context()); ok && !client.Allows(run.ConnectorID) {
		WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Run '%s' not found", runID)))

		return
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, r, http.StatusOK, run)
}
