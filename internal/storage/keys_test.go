package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-warden/agent-warden/pkg/models"
)

func testKey(id string) *models.APIKey {
	return &models.APIKey{
		ID:          id,
		Name:        "test-key",
		SecretHash:  []byte("$2a$10$fakehashfortesting"),
		Role:        models.RoleOperator,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Enabled:     true,
		IPAllowlist: []string{"10.0.0.5"},
		Scopes:      models.NewPermissionSet(models.RolePermissions[models.RoleOperator]),
	}
}

func TestKeyStore_SaveAndList(t *testing.T) {
	db := newTestDB(t)
	store := NewKeyStore(db)
	ctx := context.Background()

	key := testKey("awk_001")
	require.NoError(t, store.SaveKey(ctx, key))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	got := keys[0]
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, key.Name, got.Name)
	assert.Equal(t, key.SecretHash, got.SecretHash)
	assert.Equal(t, models.RoleOperator, got.Role)
	assert.True(t, got.Enabled)
	assert.Equal(t, []string{"10.0.0.5"}, got.IPAllowlist)
	assert.True(t, got.Scopes.Has(models.PermUnitDeploy))
	assert.False(t, got.Scopes.Has(models.PermSystemAdmin))
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestKeyStore_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	store := NewKeyStore(db)
	ctx := context.Background()

	require.NoError(t, store.SaveKey(ctx, testKey("awk_dup")))
	err := store.SaveKey(ctx, testKey("awk_dup"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestKeyStore_SetKeyEnabled(t *testing.T) {
	db := newTestDB(t)
	store := NewKeyStore(db)
	ctx := context.Background()

	require.NoError(t, store.SaveKey(ctx, testKey("awk_002")))
	require.NoError(t, store.SetKeyEnabled(ctx, "awk_002", false))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Enabled)
}

func TestKeyStore_SetKeyEnabledNotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewKeyStore(db)

	err := store.SetKeyEnabled(context.Background(), "awk_missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyStore_UpdateKeyUsage(t *testing.T) {
	db := newTestDB(t)
	store := NewKeyStore(db)
	ctx := context.Background()

	require.NoError(t, store.SaveKey(ctx, testKey("awk_003")))

	used := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpdateKeyUsage(ctx, "awk_003", used, 7))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, int64(7), keys[0].UseCount)
	assert.WithinDuration(t, used, keys[0].LastUsed, time.Second)
}

func TestKeyStore_UpdateKeyUsageNotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewKeyStore(db)

	err := store.UpdateKeyUsage(context.Background(), "awk_missing", time.Now(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyStore_ListOrderedByCreation(t *testing.T) {
	db := newTestDB(t)
	store := NewKeyStore(db)
	ctx := context.Background()

	first := testKey("awk_first")
	first.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	second := testKey("awk_second")
	require.NoError(t, store.SaveKey(ctx, second))
	require.NoError(t, store.SaveKey(ctx, first))

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "awk_first", keys[0].ID)
	assert.Equal(t, "awk_second", keys[1].ID)
}
