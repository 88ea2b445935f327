package extract

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ingestrelay/ingestrelay/internal/config"
)

// Default HTTP client settings.
const (
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = time.Second
	DefaultRetryMaxBackoff   = 10 * time.Second
	DefaultHTTPClientTimeout = 30 * time.Second
)

var (
	ErrInvalidMaxRetries = errors.New("MAX_RETRIES must be at least 1")
	ErrInvalidBackoff    = errors.New("retry backoff must be positive and not exceed the maximum backoff")
	ErrInvalidTimeout    = errors.New("HTTP_TIMEOUT must be positive")

	// ErrRetryableStatus marks a 429 or 5xx answer that is worth another attempt.
	ErrRetryableStatus = errors.New("retryable HTTP status")
)

// Config controls outbound HTTP behavior for the REST adapter and the OAuth provider.
type Config struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	Timeout         time.Duration
}

// DefaultConfig returns the built-in client settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      DefaultMaxRetries,
		RetryBackoff:    DefaultRetryBackoff,
		RetryMaxBackoff: DefaultRetryMaxBackoff,
		Timeout:         DefaultHTTPClientTimeout,
	}
}

// LoadConfig reads client settings from the environment.
func LoadConfig() Config {
	return Config{
		MaxRetries:      config.GetEnvInt("MAX_RETRIES", DefaultMaxRetries),
		RetryBackoff:    config.GetEnvSeconds("RETRY_BACKOFF_SECONDS", DefaultRetryBackoff),
		RetryMaxBackoff: config.GetEnvSeconds("RETRY_MAX_BACKOFF_SECONDS", DefaultRetryMaxBackoff),
		Timeout:         config.GetEnvDuration("HTTP_TIMEOUT", DefaultHTTPClientTimeout),
	}
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxRetries, c.MaxRetries)
	}

	if c.RetryBackoff <= 0 || c.RetryMaxBackoff < c.RetryBackoff {
		return fmt.Errorf("%w: backoff=%s max=%s", ErrInvalidBackoff, c.RetryBackoff, c.RetryMaxBackoff)
	}

	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// NewHTTPClient returns a client whose transport retries transient failures.
func NewHTTPClient(cfg Config, logger *slog.Logger) *http.Client {
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &RetryTransport{
			Base:       &http.Transport{Proxy: http.ProxyFromEnvironment},
			Attempts:   cfg.MaxRetries,
			Initial:    cfg.RetryBackoff,
			MaxBackoff: cfg.RetryMaxBackoff,
			Logger:     logger,
		},
	}
}

// RetryTransport retries requests that fail at the transport level or answer with 429 or 5xx.
// When attempts run out, the last response (or error) is returned unchanged.
type RetryTransport struct {
	Base       http.RoundTripper
	Attempts   int
	Initial    time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// retryableStatus reports whether a response status should be retried.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	attempts := t.Attempts
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.Initial
	policy.MaxInterval = t.MaxBackoff
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var (
		last    *http.Response
		lastErr error
		attempt int
	)

	operation := func() error {
		attempt++

		outgoing := req
		if attempt > 1 {
			clone, err := rewind(req)
			if err != nil {
				lastErr = err

				return backoff.Permanent(err)
			}

			outgoing = clone
		}

		resp, err := base.RoundTrip(outgoing)
		if err != nil {
			lastErr = err

			if req.Context().Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		if !retryableStatus(resp.StatusCode) || attempt >= attempts {
			last = resp

			return nil
		}

		drain(resp)

		lastErr = fmt.Errorf("%w: status %d", ErrRetryableStatus, resp.StatusCode)

		return lastErr
	}

	notify := func(err error, wait time.Duration) {
		if t.Logger != nil {
			t.Logger.Warn("Retrying HTTP request",
				slog.String("method", req.Method),
				slog.String("url", req.URL.Redacted()),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("reason", err.Error()))
		}
	}

	policyWithCtx := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), req.Context())

	if err := backoff.RetryNotify(operation, policyWithCtx, notify); err != nil && last == nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, lastErr
	}

	return last, nil
}

// rewind clones req with a fresh copy of its body.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())

	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}

	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}

	clone.Body = body

	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
