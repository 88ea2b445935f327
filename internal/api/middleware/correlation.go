package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

const correlationIDLength = 16

type correlationIDKey struct{}

// CorrelationID adds a correlation id to the request context and the response headers,
// reusing the caller's X-Correlation-ID when present.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := strings.TrimSpace(r.Header.Get(CorrelationHeader))
			if correlationID == "" || strings.ContainsAny(correlationID, "\r\n") {
				correlationID = generateCorrelationID()
			}

			w.Header().Set(CorrelationHeader, correlationID)

			ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID returns the correlation id of ctx, or "unknown" outside the middleware.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

func generateCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:correlationIDLength]
}
