package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/secrets"
)

type tokenServer struct {
	mu        sync.Mutex
	issued    int
	expiresIn int
	forms     []map[string]string
	basic     []string
	omitToken bool
	status    int
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	form := make(map[string]string)
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}

	s.forms = append(s.forms, form)

	if user, pass, ok := r.BasicAuth(); ok {
		s.basic = append(s.basic, user+":"+pass)
	}

	if s.status != 0 {
		w.WriteHeader(s.status)

		return
	}

	s.issued++

	body := map[string]any{"token_type": "bearer"}
	if !s.omitToken {
		body["access_token"] = fmt.Sprintf("token-%d", s.issued)
	}

	if s.expiresIn > 0 {
		body["expires_in"] = s.expiresIn
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newSettings(tokenURL string) connector.OAuth {
	return connector.OAuth{
		GrantType:        connector.GrantClientCredentials,
		TokenURL:         tokenURL,
		ClientID:         "relay",
		ClientSecretRef:  "kb-oauth",
		ClientAuthMethod: connector.ClientSecretPost,
		Scopes:           []string{"kb.read"},
		Audience:         "kb-api",
	}
}

func TestAuthorizationHeaderCachesToken(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := &tokenServer{expiresIn: 3600}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	provider := NewProvider(newSettings(srv.URL), "", secrets.StaticResolver{"kb-oauth": "s3cret"},
		WithHTTPClient(srv.Client()))

	ctx := context.Background()

	first, err := provider.AuthorizationHeader(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-1", first)

	second, err := provider.AuthorizationHeader(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	forced, err := provider.AuthorizationHeader(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-2", forced)

	require.Len(t, server.forms, 2)
	assert.Equal(t, "client_credentials", server.forms[0]["grant_type"])
	assert.Equal(t, "relay", server.forms[0]["client_id"])
	assert.Equal(t, "s3cret", server.forms[0]["client_secret"])
	assert.Equal(t, "kb.read", server.forms[0]["scope"])
	assert.Equal(t, "kb-api", server.forms[0]["audience"])
	assert.Empty(t, server.basic)
}

func TestAuthorizationHeaderClientSecretBasic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := &tokenServer{expiresIn: 3600}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	settings := newSettings(srv.URL)
	settings.ClientAuthMethod = connector.ClientSecretBasic
	settings.ClientSecretRef = ""

	provider := NewProvider(settings, "fallback", secrets.StaticResolver{"fallback": "from-source"},
		WithHTTPClient(srv.Client()))

	_, err := provider.AuthorizationHeader(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, server.basic, 1)
	assert.Equal(t, "relay:from-source", server.basic[0])
	assert.Empty(t, server.forms[0]["client_secret"])
}

func TestAuthorizationHeaderRefreshesNearExpiry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := &tokenServer{expiresIn: 40}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	now := time.Date(2026, 2, 16, 8, 0, 0, 0, time.UTC)
	provider := NewProvider(newSettings(srv.URL), "", secrets.StaticResolver{"kb-oauth": "s3cret"},
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return now }))

	ctx := context.Background()

	header, err := provider.AuthorizationHeader(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-1", header)

	now = now.Add(5 * time.Second)

	header, err = provider.AuthorizationHeader(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-1", header, "35s left is outside the refresh window")

	now = now.Add(6 * time.Second)

	header, err = provider.AuthorizationHeader(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-2", header)
}

func TestAuthorizationHeaderErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("missing access token", func(t *testing.T) {
		srv := httptest.NewServer(&tokenServer{omitToken: true})
		t.Cleanup(srv.Close)

		provider := NewProvider(newSettings(srv.URL), "", secrets.StaticResolver{"kb-oauth": "x"},
			WithHTTPClient(srv.Client()))

		_, err := provider.AuthorizationHeader(context.Background(), false)
		assert.ErrorIs(t, err, ErrTokenRequest)
	})

	t.Run("endpoint rejects", func(t *testing.T) {
		srv := httptest.NewServer(&tokenServer{status: http.StatusUnauthorized})
		t.Cleanup(srv.Close)

		provider := NewProvider(newSettings(srv.URL), "", secrets.StaticResolver{"kb-oauth": "x"},
			WithHTTPClient(srv.Client()))

		_, err := provider.AuthorizationHeader(context.Background(), false)
		assert.ErrorIs(t, err, ErrTokenRequest)
	})

	t.Run("no secret reference", func(t *testing.T) {
		settings := newSettings("http://127.0.0.1:1/token")
		settings.ClientSecretRef = ""

		provider := NewProvider(settings, "", secrets.StaticResolver{})

		_, err := provider.AuthorizationHeader(context.Background(), false)
		assert.ErrorIs(t, err, ErrNoClientSecret)
	})

	t.Run("unresolved secret", func(t *testing.T) {
		provider := NewProvider(newSettings("http://127.0.0.1:1/token"), "", secrets.StaticResolver{})

		_, err := provider.AuthorizationHeader(context.Background(), false)

		var resolution *secrets.ResolutionError
		assert.True(t, errors.As(err, &resolution))
	})
}
