// Package push accepts documents pushed by external producers and stages them for the next
// rest_push run.
//
// Every request carries an idempotency key. A retried request with the same body gets the
// stored response back byte for byte; reusing a key for a different body is a conflict. The
// key and the staged documents are written in one transaction, so a retry can never stage
// the same documents twice.
package push

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ingestrelay/ingestrelay/internal/document"
	"github.com/ingestrelay/ingestrelay/internal/safety"
)

// NDJSONContentType selects line-delimited parsing of the request body.
const NDJSONContentType = "application/x-ndjson"

var (
	// ErrMissingIdempotencyKey is returned when the caller sends no idempotency key.
	ErrMissingIdempotencyKey = errors.New("Idempotency-Key header is required")

	// ErrIdempotencyConflict is returned when a key is reused with a different body.
	ErrIdempotencyConflict = errors.New("idempotency key already used with a different request payload")

	// ErrMalformedBody is returned when the body is not a JSON object, array or NDJSON stream.
	ErrMalformedBody = errors.New("body must be a JSON object, JSON array, or NDJSON")

	// ErrKeyExists is returned by Store.StageBatch when another request stored the key first.
	ErrKeyExists = errors.New("idempotency key already exists")
)

// Response is the acknowledgement returned to the producer.
type Response struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	RunID    string `json:"run_id"`
}

// StoredKey is a previously recorded idempotency key.
type StoredKey struct {
	ConnectorID string
	RequestHash string
	Response    []byte
}

// Batch is one accepted request ready to be staged.
type Batch struct {
	ConnectorID    string
	RunID          string
	IdempotencyKey string
	RequestHash    string
	Accepted       int
	Rejected       int
	Documents      []*document.Document
	Response       []byte
}

// Store persists idempotency keys and staged batches. internal/storage provides the
// PostgreSQL implementation.
type Store interface {
	// IdempotencyKey returns the stored key, or (nil, nil) when it was never used.
	IdempotencyKey(ctx context.Context, key string) (*StoredKey, error)

	// StageBatch stores the batch, its documents and the idempotency key atomically. It returns
	// ErrKeyExists, and stores nothing, when the key is already present.
	StageBatch(ctx context.Context, batch *Batch) error
}

// Result is the outcome of Accept. Body is the exact response to send.
type Result struct {
	Response Response
	Body     []byte
	Replayed bool
}

// Service validates and stages pushed documents.
type Service struct {
	store    Store
	newRunID func() string
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRunIDs overrides run id generation.
func WithRunIDs(next func() string) Option {
	return func(s *Service) {
		s.newRunID = next
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService returns a push Service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		newRunID: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
		logger: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Accept processes one push request for connectorID. Invalid or unsafe documents are counted
// as rejected and never fail the request.
func (s *Service) Accept(ctx context.Context, connectorID, key string, body []byte, contentType string) (*Result, error) {
	if key == "" {
		return nil, ErrMissingIdempotencyKey
	}

	sum := sha256.Sum256(body)
	requestHash := hex.EncodeToString(sum[:])

	existing, err := s.store.IdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	if existing != nil {
		return replay(existing, connectorID, requestHash)
	}

	events, err := parseEvents(contentType, body)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		ConnectorID:    connectorID,
		RunID:          s.newRunID(),
		IdempotencyKey: key,
		RequestHash:    requestHash,
	}

	for _, raw := range events {
		doc, err := validate(raw)
		if err != nil {
			batch.Rejected++

			s.logger.Debug("Rejected pushed document",
				slog.String("connector_id", connectorID),
				slog.String("error", err.Error()))

			continue
		}

		batch.Accepted++
		batch.Documents = append(batch.Documents, doc)
	}

	response := Response{Accepted: batch.Accepted, Rejected: batch.Rejected, RunID: batch.RunID}

	batch.Response, err = json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push response: %w", err)
	}

	if err := s.store.StageBatch(ctx, batch); err != nil {
		if !errors.Is(err, ErrKeyExists) {
			return nil, fmt.Errorf("failed to stage push batch: %w", err)
		}

		// A concurrent request with the same key won the insert.
		existing, err = s.store.IdempotencyKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read idempotency key after conflict: %w", err)
		}

		if existing == nil {
			return nil, fmt.Errorf("%w: key %s vanished after conflict", ErrKeyExists, key)
		}

		return replay(existing, connectorID, requestHash)
	}

	s.logger.Info("Staged push batch",
		slog.String("connector_id", connectorID),
		slog.String("run_id", batch.RunID),
		slog.Int("accepted", batch.Accepted),
		slog.Int("rejected", batch.Rejected))

	return &Result{Response: response, Body: batch.Response}, nil
}

func replay(existing *StoredKey, connectorID, requestHash string) (*Result, error) {
	if existing.RequestHash != requestHash || existing.ConnectorID != connectorID {
		return nil, ErrIdempotencyConflict
	}

	var response Response
	if err := json.Unmarshal(existing.Response, &response); err != nil {
		return nil, fmt.Errorf("stored push response is corrupt: %w", err)
	}

	// JSONB does not keep the stored bytes, re-encoding restores the original body.
	body, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to encode push response: %w", err)
	}

	return &Result{Response: response, Body: body, Replayed: true}, nil
}

// parseEvents splits body into raw JSON values. NDJSON lines must each be valid JSON; a JSON
// array keeps only its objects.
func parseEvents(contentType string, body []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	if strings.Contains(contentType, NDJSONContentType) {
		var events []json.RawMessage

		for _, line := range bytes.Split(body, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			if !json.Valid(line) {
				return nil, ErrMalformedBody
			}

			events = append(events, json.RawMessage(line))
		}

		return events, nil
	}

	trimmed := bytes.TrimSpace(body)

	switch {
	case !json.Valid(trimmed):
		return nil, ErrMalformedBody
	case trimmed[0] == '{':
		return []json.RawMessage{trimmed}, nil
	case trimmed[0] == '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, ErrMalformedBody
		}

		objects := make([]json.RawMessage, 0, len(items))

		for _, item := range items {
			if isObject(item) {
				objects = append(objects, item)
			}
		}

		return objects, nil
	default:
		return nil, ErrMalformedBody
	}
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)

	return len(trimmed) > 0 && trimmed[0] == '{'
}

func validate(raw json.RawMessage) (*document.Document, error) {
	if !isObject(raw) {
		return nil, fmt.Errorf("%w: expected a JSON object", document.ErrInvalidDocument)
	}

	doc, err := document.Decode(raw)
	if err != nil {
		return nil, err
	}

	if err := safety.Check(doc.Title, doc.Content); err != nil {
		return nil, err
	}

	return doc, nil
}
