package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.Len(t, key, 79)

	other, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)

	parsed, err := ParseAPIKey("Bearer " + key)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "empty", input: "", wantErr: ErrKeyStringEmpty},
		{name: "foreign prefix", input: "sk_live_" + strings.Repeat("a", 71), wantErr: ErrInvalidKeyFormat},
		{name: "short", input: APIKeyPrefix + "abc", wantErr: ErrInvalidKeyLength},
		{name: "not hex", input: APIKeyPrefix + strings.Repeat("z", 64), wantErr: ErrInvalidKeyFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAPIKey(tt.input)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMaskKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key := APIKeyPrefix + "0123" + strings.Repeat("a", 56) + "beef"

	assert.Equal(t, APIKeyPrefix+"0123"+strings.Repeat("*", 56)+"beef", MaskKey(key))
	assert.Equal(t, "******", MaskKey("secret"))
	assert.Empty(t, MaskKey(""))
}

func TestNewAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	apiKey, err := NewAPIKey("crm bridge", []string{"kb-crm"}, &expires)
	require.NoError(t, err)
	assert.Len(t, apiKey.ID, 32)
	assert.True(t, apiKey.Active)
	assert.True(t, apiKey.Allows("kb-crm"))
	assert.False(t, apiKey.Allows("kb-hr"))
	assert.False(t, apiKey.Expired(expires.Add(-time.Second)))
	assert.True(t, apiKey.Expired(expires))

	_, err = ParseAPIKey(apiKey.Key)
	require.NoError(t, err)

	wildcard := &APIKey{ConnectorIDs: []string{AllConnectors}}
	assert.True(t, wildcard.Allows("anything"))

	_, err = NewAPIKey(" ", []string{"kb"}, nil)
	require.ErrorIs(t, err, ErrKeyNameEmpty)

	_, err = NewAPIKey("bridge", nil, nil)
	require.ErrorIs(t, err, ErrConnectorScopeEmpty)
}

func TestHashAPIKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	long := strings.Repeat("k", 100)

	for _, key := range []string{"short-key", APIKeyPrefix + strings.Repeat("0", 64), long} {
		hash, err := HashAPIKey(key)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(hash, "$2a$10$"))
		assert.True(t, CompareAPIKeyHash(hash, key))
		assert.False(t, CompareAPIKeyHash(hash, key+"x"))

		again, err := HashAPIKey(key)
		require.NoError(t, err)
		assert.NotEqual(t, hash, again, "each hash is salted")
	}

	_, err := HashAPIKey("")
	require.ErrorIs(t, err, ErrKeyNil)

	assert.False(t, CompareAPIKeyHash("", "key"))
	assert.False(t, CompareAPIKeyHash("not-a-hash", "key"))

	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", LookupHash("abc"))
}

func TestSecureCompare(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
}

func TestInMemoryKeyStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := NewInMemoryKeyStore()

	crm, err := NewAPIKey("crm", []string{"kb-crm"}, nil)
	require.NoError(t, err)

	all, err := NewAPIKey("ops", []string{AllConnectors}, nil)
	require.NoError(t, err)
	all.CreatedAt = crm.CreatedAt.Add(time.Second)

	require.NoError(t, store.Add(ctx, crm))
	require.NoError(t, store.Add(ctx, all))
	require.ErrorIs(t, store.Add(ctx, crm), ErrKeyAlreadyExists)
	require.ErrorIs(t, store.Add(ctx, nil), ErrKeyNil)

	found, ok := store.FindByKey(ctx, crm.Key)
	require.True(t, ok)
	assert.Equal(t, crm.ID, found.ID)
	assert.Equal(t, MaskKey(crm.Key), found.Key)

	_, ok = store.FindByKey(ctx, APIKeyPrefix+strings.Repeat("0", 64))
	assert.False(t, ok)

	keys, err := store.ListByConnector(ctx, "kb-crm")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, crm.ID, keys[0].ID)
	assert.Equal(t, all.ID, keys[1].ID)

	require.NoError(t, store.Delete(ctx, crm.ID))
	require.ErrorIs(t, store.Delete(ctx, "missing"), ErrKeyNotFound)

	found, ok = store.FindByKey(ctx, crm.Key)
	require.True(t, ok)
	assert.False(t, found.Active)

	keys, err = store.ListByConnector(ctx, "kb-crm")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, all.ID, keys[0].ID)
}
