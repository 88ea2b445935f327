package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ingestrelay/ingestrelay/internal/connector"
	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/oauth"
	"github.com/ingestrelay/ingestrelay/internal/secrets"
)

const (
	restAdapter = "rest_pull"

	watermarkQueryParam = "watermark"
	maxResponseBytes    = 64 << 20
)

var (
	ErrUnsupportedPayload = errors.New("unsupported REST payload, expected a list or an object with 'items'")
	ErrItemsNotList       = errors.New("REST 'items' must be a list")
)

// Authorizer supplies Authorization header values, optionally forcing a fresh credential.
type Authorizer interface {
	AuthorizationHeader(ctx context.Context, force bool) (string, error)
}

// RESTExtractor pages through a JSON API.
type RESTExtractor struct {
	secrets secrets.Resolver
	client  *http.Client
	now     func() time.Time
}

var _ Extractor = (*RESTExtractor)(nil)

// NewRESTExtractor returns an extractor that sends requests through client.
func NewRESTExtractor(resolver secrets.Resolver, client *http.Client) *RESTExtractor {
	return &RESTExtractor{secrets: resolver, client: client, now: time.Now}
}

// Extract requests every page of source.url and collects object-shaped items.
func (e *RESTExtractor) Extract(ctx context.Context, source *connector.Source, previous string) (*Result, error) {
	if source.URL == "" {
		return nil, newError(restAdapter, source, nil, "source.url is required for rest_pull mode")
	}

	headers, auth, err := e.prepareAuth(source)
	if err != nil {
		return nil, err
	}

	var (
		rows   []document.Row
		cursor string
	)

	for {
		payload, err := e.fetchPage(ctx, source, headers, auth, previous, cursor)
		if err != nil {
			return nil, err
		}

		page, err := pageItems(payload)
		if err != nil {
			return nil, newError(restAdapter, source, err, "malformed response")
		}

		for _, item := range page {
			if obj, ok := item.(map[string]any); ok {
				rows = append(rows, document.Row(obj))
			}
		}

		obj, isObject := payload.(map[string]any)
		if source.PaginationNextCursorJSONPath == "" || !isObject {
			break
		}

		next := jsonPath(obj, source.PaginationNextCursorJSONPath)
		if !truthy(next) {
			break
		}

		cursor = document.Stringify(next)
	}

	return &Result{
		Rows:      rows,
		Watermark: MaxWatermark(rows, source.WatermarkField, previous),
	}, nil
}

func (e *RESTExtractor) prepareAuth(source *connector.Source) (http.Header, Authorizer, error) {
	headers := make(http.Header, len(source.Headers)+2)
	for key, value := range source.Headers {
		headers.Set(key, value)
	}

	if headers.Get("Accept") == "" {
		headers.Set("Accept", "application/json")
	}

	if source.OAuth != nil {
		provider := oauth.NewProvider(*source.OAuth, source.SecretRef, e.secrets,
			oauth.WithHTTPClient(e.client),
			oauth.WithClock(e.now))

		return headers, provider, nil
	}

	if source.SecretRef == "" {
		return nil, nil, newError(restAdapter, source, nil, "source.secretRef is required for rest_pull mode")
	}

	token, err := e.secrets.Resolve(source.SecretRef)
	if err != nil {
		return nil, nil, err
	}

	if headers.Get("Authorization") == "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	return headers, nil, nil
}

func (e *RESTExtractor) fetchPage(
	ctx context.Context,
	source *connector.Source,
	headers http.Header,
	auth Authorizer,
	previous, cursor string,
) (any, error) {
	target, err := url.Parse(source.URL)
	if err != nil {
		return nil, newError(restAdapter, source, err, "invalid source.url")
	}

	query := target.Query()
	if previous != "" {
		query.Set(watermarkQueryParam, previous)
	}

	if cursor != "" && source.PaginationCursorField != "" {
		query.Set(source.PaginationCursorField, cursor)
	}

	target.RawQuery = query.Encode()

	var body []byte
	if source.Payload != nil {
		if body, err = json.Marshal(source.Payload); err != nil {
			return nil, newError(restAdapter, source, err, "invalid source.payload")
		}
	}

	resp, err := e.send(ctx, source.Method, target.String(), body, headers, auth, false)
	if err != nil {
		return nil, newError(restAdapter, source, err, "request failed")
	}

	if resp.StatusCode == http.StatusUnauthorized && auth != nil {
		drain(resp)

		resp, err = e.send(ctx, source.Method, target.String(), body, headers, auth, true)
		if err != nil {
			return nil, newError(restAdapter, source, err, "request failed")
		}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, newError(restAdapter, source, nil, "%s %s returned HTTP %d",
			source.Method, target.Redacted(), resp.StatusCode)
	}

	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	decoder.UseNumber()

	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, newError(restAdapter, source, err, "response is not valid JSON")
	}

	return payload, nil
}

func (e *RESTExtractor) send(
	ctx context.Context,
	method, target string,
	body []byte,
	headers http.Header,
	auth Authorizer,
	force bool,
) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	req.Header = headers.Clone()

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth != nil {
		value, err := auth.AuthorizationHeader(ctx, force)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Authorization", value)
	}

	return e.client.Do(req)
}

func pageItems(payload any) ([]any, error) {
	switch v := payload.(type) {
	case []any:
		return v, nil
	case map[string]any:
		raw, ok := v["items"]
		if !ok {
			return nil, nil
		}

		items, ok := raw.([]any)
		if !ok {
			return nil, ErrItemsNotList
		}

		return items, nil
	default:
		return nil, ErrUnsupportedPayload
	}
}

// jsonPath follows a dotted path through nested objects. It returns nil when any segment
// is missing or not an object.
func jsonPath(data map[string]any, dotted string) any {
	var cursor any = data

	for _, part := range strings.Split(dotted, ".") {
		obj, ok := cursor.(map[string]any)
		if !ok {
			return nil
		}

		cursor = obj[part]
	}

	return cursor
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()

		return err != nil || f != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
