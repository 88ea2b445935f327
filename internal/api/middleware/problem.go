// Package middleware provides the HTTP middleware of the IngestRelay push API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemTypeBase prefixes the type URI of every problem document.
const ProblemTypeBase = "https://ingestrelay.dev/problems/"

// problem is an RFC 7807 problem document. The api package has the full builder; middleware
// keeps its own copy to avoid an import cycle.
type problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, detail string) {
	correlationID := GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(problem{
		Type:          fmt.Sprintf("%s%d", ProblemTypeBase, status),
		Title:         http.StatusText(status),
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	})
	if err != nil {
		logger.Error("Failed to encode problem response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("encode_error", err),
		)
	}
}
