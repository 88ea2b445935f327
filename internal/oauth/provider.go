// Package oauth implements a client-credentials token provider for authenticated REST sources.
// A Provider caches one access token and refreshes it shortly before it expires or when the
// caller reports that the current token was rejected.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/secrets"
)

// RefreshWindow is how long before expiry a cached token is considered stale.
const RefreshWindow = 30 * time.Second

var (
	// ErrTokenRequest is returned when the token endpoint cannot issue a token.
	ErrTokenRequest = errors.New("OAuth token request failed")

	// ErrNoClientSecret is returned when neither the OAuth block nor the source names a secret.
	ErrNoClientSecret = errors.New("oauth.clientSecretRef or source.secretRef is required")
)

type cachedToken struct {
	accessToken string
	tokenType   string
	expiresAt   time.Time // zero when the endpoint did not say
}

func (t *cachedToken) header() string {
	return t.tokenType + " " + t.accessToken
}

// Provider hands out Authorization header values for one OAuth configuration.
// It is safe for concurrent use.
type Provider struct {
	settings          connector.OAuth
	fallbackSecretRef string
	secrets           secrets.Resolver
	client            *http.Client
	now               func() time.Time

	mu    sync.Mutex
	token *cachedToken
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// NewProvider returns a provider for settings. fallbackSecretRef is used when settings
// carries no clientSecretRef.
func NewProvider(settings connector.OAuth, fallbackSecretRef string, resolver secrets.Resolver, opts ...Option) *Provider {
	p := &Provider{
		settings:          settings,
		fallbackSecretRef: fallbackSecretRef,
		secrets:           resolver,
		client:            http.DefaultClient,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// AuthorizationHeader returns the value for the Authorization header, refreshing the token
// when force is set, when nothing is cached, or when the cached token is inside RefreshWindow.
func (p *Provider) AuthorizationHeader(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && p.token != nil && !p.stale(p.token) {
		return p.token.header(), nil
	}

	token, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	p.token = token

	return token.header(), nil
}

func (p *Provider) stale(token *cachedToken) bool {
	if token.expiresAt.IsZero() {
		return false
	}

	return !p.now().Add(RefreshWindow).Before(token.expiresAt)
}

func (p *Provider) fetch(ctx context.Context) (*cachedToken, error) {
	ref := p.settings.ClientSecretRef
	if ref == "" {
		ref = p.fallbackSecretRef
	}

	if ref == "" {
		return nil, ErrNoClientSecret
	}

	secret, err := p.secrets.Resolve(ref)
	if err != nil {
		return nil, err
	}

	cfg := clientcredentials.Config{
		ClientID:     p.settings.ClientID,
		ClientSecret: secret,
		TokenURL:     p.settings.TokenURL,
		Scopes:       p.settings.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	if p.settings.ClientAuthMethod == connector.ClientSecretBasic {
		cfg.AuthStyle = oauth2.AuthStyleInHeader
	}

	if p.settings.Audience != "" {
		cfg.EndpointParams = url.Values{"audience": {p.settings.Audience}}
	}

	issuedAt := p.now()

	token, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, p.client))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenRequest, err)
	}

	cached := &cachedToken{
		accessToken: token.AccessToken,
		tokenType:   token.Type(),
	}

	if seconds, ok := expiresIn(token.Extra("expires_in")); ok {
		cached.expiresAt = issuedAt.Add(time.Duration(seconds * float64(time.Second)))
	}

	return cached, nil
}

func expiresIn(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)

		return f, err == nil
	default:
		return 0, false
	}
}
