package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ingestrelay/ingestrelay/internal/storage"
)

// Authentication errors. Unknown and malformed keys share ErrInvalidAPIKey so callers cannot
// probe which keys exist.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for malformed or unknown keys.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrAPIKeyExpired is returned when the API key has expired.
	ErrAPIKeyExpired = errors.New("API key expired")

	// ErrAPIKeyInactive is returned when the API key was deactivated.
	ErrAPIKeyInactive = errors.New("API key inactive")
)

// dummyHash is compared against when a key is rejected before any stored hash was checked, so
// every rejection costs about one bcrypt comparison.
//
//nolint:gochecknoglobals
var dummyHash = sync.OnceValue(func() string {
	hash, _ := storage.HashAPIKey("ingestrelay-dummy-key")

	return hash
})

func performDummyBcryptComparison(key string) {
	_ = storage.CompareAPIKeyHash(dummyHash(), key)
}

type (
	// AuthError is an authentication failure of a given type.
	AuthError struct {
		Type    error
		Message string
	}

	clientContextKey struct{}

	// ClientContext describes the API key that authenticated a request.
	ClientContext struct {
		KeyID        string
		Name         string
		ConnectorIDs []string
		AuthTime     time.Time
	}
)

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

// Unwrap exposes the error type to errors.Is.
func (e *AuthError) Unwrap() error {
	return e.Type
}

// Allows reports whether the authenticated key may push to connectorID.
func (c ClientContext) Allows(connectorID string) bool {
	return slices.Contains(c.ConnectorIDs, storage.AllConnectors) || slices.Contains(c.ConnectorIDs, connectorID)
}

// GetClientContext returns the authenticated client of ctx, if any.
func GetClientContext(ctx context.Context) (ClientContext, bool) {
	client, ok := ctx.Value(clientContextKey{}).(ClientContext)

	return client, ok
}

// SetClientContext attaches client to ctx.
func SetClientContext(ctx context.Context, client ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey{}, client)
}

// Authenticate validates the API key of every request whose path is not in publicPaths and
// stores the matching ClientContext in the request context. Keys are read from X-Api-Key,
// then from "Authorization: Bearer". Connector scoping is left to the handlers, which know
// the connector of the request.
func Authenticate(store storage.APIKeyStore, logger *slog.Logger, publicPaths ...string) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(publicPaths))
	for _, path := range publicPaths {
		public[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{Type: ErrMissingAPIKey, Message: "Missing API key"})

				return
			}

			authenticated, err := authenticateRequest(r.Context(), store, apiKey, authStart)
			if err != nil {
				writeAuthError(w, r, logger, err)

				return
			}

			client := ClientContext{
				KeyID:        authenticated.ID,
				Name:         authenticated.Name,
				ConnectorIDs: authenticated.ConnectorIDs,
				AuthTime:     authStart,
			}

			logger.Debug("API key authenticated",
				slog.String("key_id", client.KeyID),
				slog.String("key", authenticated.Key),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
			)

			next.ServeHTTP(w, r.WithContext(SetClientContext(r.Context(), client)))
		})
	}
}

// extractAPIKey reads the key from X-Api-Key, falling back to a Bearer token. Values with
// line breaks are rejected.
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return cleanAPIKey(apiKey)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return cleanAPIKey(token)
	}

	return "", false
}

func cleanAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)

	return key, key != ""
}

func authenticateRequest(
	ctx context.Context,
	store storage.APIKeyStore,
	apiKey string,
	now time.Time,
) (*storage.APIKey, error) {
	invalid := &AuthError{Type: ErrInvalidAPIKey, Message: "Invalid or missing API key"}

	parsedKey, err := storage.ParseAPIKey(apiKey)
	if err != nil {
		performDummyBcryptComparison(apiKey)

		return nil, invalid
	}

	foundKey, exists := store.FindByKey(ctx, parsedKey)
	if !exists {
		performDummyBcryptComparison(parsedKey)

		return nil, invalid
	}

	if !foundKey.Active {
		return nil, &AuthError{Type: ErrAPIKeyInactive, Message: "API key is inactive"}
	}

	if foundKey.Expired(now) {
		return nil, &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}
	}

	return foundKey, nil
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := http.StatusUnauthorized
	if errors.Is(err, ErrAPIKeyInactive) {
		status = http.StatusForbidden
	}

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", GetCorrelationID(r.Context())),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user_agent", r.UserAgent()),
	)

	writeProblem(w, r, logger, status, err.Error())
}
