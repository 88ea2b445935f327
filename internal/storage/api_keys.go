package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// APIKeyPrefix starts every push API key.
	APIKeyPrefix = "ingestrelay_ak_"

	// AllConnectors in APIKey.ConnectorIDs grants access to every connector.
	AllConnectors = "*"

	randomBytesSize = 32
	apiKeyLength    = len(APIKeyPrefix) + 2*randomBytesSize
	prefixLen       = len(APIKeyPrefix) + 4
	suffixLen       = 4
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil or empty API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrKeyNameEmpty is returned when a key is minted without a name.
	ErrKeyNameEmpty = errors.New("API key name cannot be empty")
	// ErrConnectorScopeEmpty is returned when a key is minted without any connector.
	ErrConnectorScopeEmpty = errors.New("API key must be scoped to at least one connector")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// APIKey authorizes pushes to a set of connectors. Key holds the plaintext only between
// minting and Add; keys read back from a store carry a masked value.
type APIKey struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	ConnectorIDs []string   `json:"connector_ids"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// APIKeyStore finds and manages push API keys.
type APIKeyStore interface {
	// FindByKey returns the key matching the plaintext key, active or not.
	FindByKey(ctx context.Context, key string) (*APIKey, bool)
	// Add stores a new key. Only a hash of apiKey.Key is persisted.
	Add(ctx context.Context, apiKey *APIKey) error
	// Delete deactivates a key.
	Delete(ctx context.Context, keyID string) error
	// ListByConnector returns the active keys that may push to connectorID.
	ListByConnector(ctx context.Context, connectorID string) ([]*APIKey, error)
}

// NewAPIKey mints a key for name scoped to connectorIDs. The plaintext is in Key and is
// never recoverable once the key is stored.
func NewAPIKey(name string, connectorIDs []string, expiresAt *time.Time) (*APIKey, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrKeyNameEmpty
	}

	if len(connectorIDs) == 0 {
		return nil, ErrConnectorScopeEmpty
	}

	key, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	return &APIKey{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		Key:          key,
		Name:         name,
		ConnectorIDs: slices.Clone(connectorIDs),
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    expiresAt,
	}, nil
}

// Allows reports whether the key may push to connectorID.
func (k *APIKey) Allows(connectorID string) bool {
	return slices.Contains(k.ConnectorIDs, AllConnectors) || slices.Contains(k.ConnectorIDs, connectorID)
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// SecureCompare performs constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Keep the timing of a same-length comparison.
		subtle.ConstantTimeCompare([]byte(a), make([]byte, len(a)))

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey shows the prefix and last four characters of a well-formed key and hides
// everything of any other string.
func MaskKey(key string) string {
	if len(key) != apiKeyLength {
		return strings.Repeat("*", len(key))
	}

	return key[:prefixLen] + strings.Repeat("*", apiKeyLength-prefixLen-suffixLen) + key[apiKeyLength-suffixLen:]
}

// GenerateAPIKey returns APIKeyPrefix followed by 64 random hex characters.
func GenerateAPIKey() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey validates a key taken from a header, with or without a "Bearer " prefix.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, APIKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	if _, err := hex.DecodeString(keyString[len(APIKeyPrefix):]); err != nil {
		return "", ErrInvalidKeyFormat
	}

	return keyString, nil
}
