//go:build integration

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditledger/internal/testutil"
)

func TestPostgresStore_KeyLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	m := NewManager(NewPostgresStore(db))
	ctx := context.Background()

	raw, key, err := m.GenerateKey(ctx, "order-service", "primary", 0)
	require.NoError(t, err)
	_, _, err = m.GenerateKey(ctx, "payment-service", "", 0)
	require.NoError(t, err)

	got, err := m.ValidateKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	keys, err := m.ListKeys(ctx, "order-service")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "primary", keys[0].Name)

	all, err := m.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = m.RevokeKey(ctx, key.ID)
	require.NoError(t, err)
	_, err = m.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = m.RevokeKey(ctx, "ak_missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
