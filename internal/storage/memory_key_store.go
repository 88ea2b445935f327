package storage

import (
	"context"
	"slices"
	"sync"
)

// InMemoryKeyStore is a thread-safe APIKeyStore for tests and single-process development.
// It keeps plaintext keys indexed by their lookup hash.
type InMemoryKeyStore struct {
	// byLookup maps LookupHash(key) to the stored key.
	byLookup map[string]*APIKey
	// byID maps key ids to the same entries.
	byID  map[string]*APIKey
	mutex sync.RWMutex
}

var _ APIKeyStore = (*InMemoryKeyStore)(nil)

// NewInMemoryKeyStore creates an empty key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		byLookup: make(map[string]*APIKey),
		byID:     make(map[string]*APIKey),
	}
}

// FindByKey returns a masked copy of the key matching key.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stored, exists := s.byLookup[LookupHash(key)]
	if !exists || !SecureCompare(stored.Key, key) {
		return nil, false
	}

	return maskedCopy(stored), true
}

// Add stores a copy of apiKey.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil || apiKey.Key == "" { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	lookup := LookupHash(apiKey.Key)

	if _, exists := s.byID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.byLookup[lookup]; exists {
		return ErrKeyAlreadyExists
	}

	keyCopy := *apiKey
	keyCopy.ConnectorIDs = slices.Clone(apiKey.ConnectorIDs)

	s.byLookup[lookup] = &keyCopy
	s.byID[keyCopy.ID] = &keyCopy

	return nil
}

// Delete deactivates the key with keyID.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, exists := s.byID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	stored.Active = false

	return nil
}

// ListByConnector returns masked copies of the active keys allowed to push to connectorID,
// ordered by creation time.
func (s *InMemoryKeyStore) ListByConnector(_ context.Context, connectorID string) ([]*APIKey, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys := []*APIKey{}

	for _, stored := range s.byID {
		if stored.Active && stored.Allows(connectorID) {
			keys = append(keys, maskedCopy(stored))
		}
	}

	slices.SortFunc(keys, func(a, b *APIKey) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return keys, nil
}

func maskedCopy(k *APIKey) *APIKey {
	keyCopy := *k
	keyCopy.Key = MaskKey(k.Key)
	keyCopy.ConnectorIDs = slices.Clone(k.ConnectorIDs)

	return &keyCopy
}
