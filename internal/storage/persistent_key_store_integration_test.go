package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentKeyStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	store, err := NewPersistentKeyStore(newTestConnection(ctx, t), nil)
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)

	crm, err := NewAPIKey("crm bridge", []string{"kb-crm", "kb-sales"}, &expires)
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, crm))

	ops, err := NewAPIKey("ops", []string{AllConnectors}, nil)
	require.NoError(t, err)
	ops.CreatedAt = crm.CreatedAt.Add(time.Second)
	require.NoError(t, store.Add(ctx, ops))

	t.Run("finds by plaintext key", func(t *testing.T) {
		found, ok := store.FindByKey(ctx, crm.Key)
		require.True(t, ok)
		assert.Equal(t, crm.ID, found.ID)
		assert.Equal(t, "crm bridge", found.Name)
		assert.Equal(t, []string{"kb-crm", "kb-sales"}, found.ConnectorIDs)
		assert.Equal(t, MaskKey(crm.Key), found.Key)
		require.NotNil(t, found.ExpiresAt)
		assert.True(t, expires.Equal(*found.ExpiresAt))
	})

	t.Run("unknown key", func(t *testing.T) {
		other, err := GenerateAPIKey()
		require.NoError(t, err)

		_, ok := store.FindByKey(ctx, other)
		assert.False(t, ok)

		_, ok = store.FindByKey(ctx, "")
		assert.False(t, ok)
	})

	t.Run("duplicate key", func(t *testing.T) {
		dup := *crm
		dup.ID = "another-id"

		require.ErrorIs(t, store.Add(ctx, &dup), ErrKeyAlreadyExists)
	})

	t.Run("lists by connector", func(t *testing.T) {
		keys, err := store.ListByConnector(ctx, "kb-sales")
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, crm.ID, keys[0].ID)
		assert.Equal(t, ops.ID, keys[1].ID)
		assert.Empty(t, keys[0].Key)

		keys, err = store.ListByConnector(ctx, "kb-hr")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, ops.ID, keys[0].ID)
	})

	t.Run("delete deactivates", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, crm.ID))
		require.ErrorIs(t, store.Delete(ctx, "missing"), ErrKeyNotFound)

		found, ok := store.FindByKey(ctx, crm.Key)
		require.True(t, ok)
		assert.False(t, found.Active)

		keys, err := store.ListByConnector(ctx, "kb-crm")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, ops.ID, keys[0].ID)
	})
}
