package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestrelay/ingestrelay/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func addKey(t *testing.T, store *storage.InMemoryKeyStore, connectorIDs []string, expiresAt *time.Time) *storage.APIKey {
	t.Helper()

	apiKey, err := storage.NewAPIKey("test", connectorIDs, expiresAt)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), apiKey))

	return apiKey
}

func TestAuthenticate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := storage.NewInMemoryKeyStore()
	valid := addKey(t, store, []string{"kb"}, nil)

	past := time.Now().Add(-time.Hour)
	expired := addKey(t, store, []string{"kb"}, &past)

	inactive := addKey(t, store, []string{"kb"}, nil)
	require.NoError(t, store.Delete(context.Background(), inactive.ID))

	unknown, err := storage.GenerateAPIKey()
	require.NoError(t, err)

	var seen ClientContext

	handler := Authenticate(store, discardLogger(), "/ping")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetClientContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "public path", path: "/ping", wantStatus: http.StatusOK},
		{name: "missing key", path: "/v1/x", wantStatus: http.StatusUnauthorized},
		{name: "malformed key", path: "/v1/x", headers: map[string]string{"X-Api-Key": "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "unknown key", path: "/v1/x", headers: map[string]string{"X-Api-Key": unknown}, wantStatus: http.StatusUnauthorized},
		{name: "expired key", path: "/v1/x", headers: map[string]string{"X-Api-Key": expired.Key}, wantStatus: http.StatusUnauthorized},
		{name: "inactive key", path: "/v1/x", headers: map[string]string{"X-Api-Key": inactive.Key}, wantStatus: http.StatusForbidden},
		{name: "header key", path: "/v1/x", headers: map[string]string{"X-Api-Key": valid.Key}, wantStatus: http.StatusOK},
		{name: "bearer token", path: "/v1/x", headers: map[string]string{"Authorization": "Bearer " + valid.Key}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/x", nil)
	req.Header.Set("X-Api-Key", valid.Key)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, valid.ID, seen.KeyID)
	assert.True(t, seen.Allows("kb"))
	assert.False(t, seen.Allows("other"))
}

func TestAuthErrorUnwrap(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	err := &AuthError{Type: ErrAPIKeyExpired, Message: "API key has expired"}

	require.ErrorIs(t, err, ErrAPIKeyExpired)
	assert.Equal(t, "authentication failed: API key expired: API key has expired", err.Error())
	assert.Equal(t, "authentication failed: missing API key", (&AuthError{Type: ErrMissingAPIKey}).Error())
}

func TestCorrelationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var got string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = GetCorrelationID(r.Context())
	}))

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationHeader, "abc123")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "abc123", got)
		assert.Equal(t, "abc123", rec.Header().Get(CorrelationHeader))
	})

	t.Run("generates id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, got, correlationIDLength)
		assert.Equal(t, got, rec.Header().Get(CorrelationHeader))
	})

	assert.Equal(t, "unknown", GetCorrelationID(context.Background()))
}

func TestRecovery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), WithCorrelationID(), WithRecovery(discardLogger()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ProblemTypeBase+"500", body.Type)
	assert.Equal(t, rec.Header().Get(CorrelationHeader), body.CorrelationID)
}

func TestRequestLogger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}), WithCorrelationID(), WithRequestLogger(logger))

	req := httptest.NewRequest(http.MethodPost, "/v1/connectors/kb/events", nil)
	req.Header.Set(CorrelationHeader, "corr-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "HTTP request completed", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.InDelta(t, http.StatusAccepted, line["status_code"], 0)
	assert.InDelta(t, 6, line["bytes"], 0)
	assert.Equal(t, "corr-1", line["correlation_id"])
}

func TestApplyOrder(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var order []string

	tag := func(name string) Option {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), tag("outer"), WithAuthentication(nil, nil), WithRateLimit(nil, nil), tag("inner"))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
