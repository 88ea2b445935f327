package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ingestrelay/ingestrelay/internal/api/middleware"
	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/push"
)

// IdempotencyKeyHeader carries the caller's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// handlePushEvents stages documents for a rest_push connector.
//
// Response codes:
//   - 202 Accepted: documents staged, or a retry of an earlier request replayed
//   - 400 Bad Request: missing Idempotency-Key, connector not in rest_push mode, malformed body
//   - 403 Forbidden: API key not scoped to the connector
//   - 404 Not Found: unknown connector
//   - 409 Conflict: idempotency key reused with a different body
//   - 413 Request Entity Too Large: body over the configured limit
func (s *Server) handlePushEvents(w http.ResponseWriter, r *http.Request) {
	connectorID := r.PathValue("connector_id")
	correlationID := middleware.GetCorrelationID(r.Context())

	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest(push.ErrMissingIdempotencyKey.Error()))

		return
	}

	if client, ok := middleware.GetClientContext(r.Context()); ok && !client.Allows(connectorID) {
		WriteErrorResponse(w, r, s.logger,
			Forbidden(fmt.Sprintf("API key is not allowed to push to connector '%s'", connectorID)))

		return
	}

	_, cfg, err := s.connectors.Find(connectorID)
	if err != nil {
		if errors.Is(err, connector.ErrConnectorNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Connector '%s' not found", connectorID)))

			return
		}

		s.logger.Error("Failed to load connector",
			slog.String("connector_id", connectorID),
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load connector configuration"))

		return
	}

	if cfg.Spec.Mode != connector.ModeRESTPush {
		WriteErrorResponse(w, r, s.logger,
			BadRequest(fmt.Sprintf("Connector '%s' is not configured for rest_push mode", connectorID)))

		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorResponse(w, r, s.logger, RequestEntityTooLarge(
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit)))

			return
		}

		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	result, err := s.pusher.Accept(r.Context(), connectorID, key, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.writePushError(w, r, connectorID, err)

		return
	}

	s.logger.Info("Push request accepted",
		slog.String("connector_id", connectorID),
		slog.String("run_id", result.Response.RunID),
		slog.Int("accepted", result.Response.Accepted),
		slog.Int("rejected", result.Response.Rejected),
		slog.Bool("replayed", result.Replayed),
		slog.String("correlation_id", correlationID),
	)

	s.writeBody(w, r, http.StatusAccepted, result.Body)
}

func (s *Server) writePushError(w http.ResponseWriter, r *http.Request, connectorID string, err error) {
	switch {
	case errors.Is(err, push.ErrMissingIdempotencyKey), errors.Is(err, push.ErrMalformedBody):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	case errors.Is(err, push.ErrIdempotencyConflict):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	default:
		s.logger.Error("Failed to stage push request",
			slog.String("connector_id", connectorID),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to stage documents"))
	}
}
