package tokenstore_test

import (
	"context"
	"path/filepath"
	"testing"

	ierrors "github.com/jrsteele09/go-auth-compat/internal/errors"
	"github.com/jrsteele09/go-auth-compat/tokenstore"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store tokenstore.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, tokenstore.KeySessionToken)
	require.ErrorIs(t, err, ierrors.ErrNotFound)

	require.NoError(t, store.Set(ctx, tokenstore.KeySessionToken, "tok-1"))
	require.NoError(t, store.Set(ctx, tokenstore.KeySessionToken, "tok-2"))
	v, err := store.Get(ctx, tokenstore.KeySessionToken)
	require.NoError(t, err)
	require.Equal(t, "tok-2", v)

	require.NoError(t, store.Delete(ctx, tokenstore.KeySessionToken))
	require.NoError(t, store.Delete(ctx, tokenstore.KeySessionToken))
	_, err = store.Get(ctx, tokenstore.KeySessionToken)
	require.ErrorIs(t, err, ierrors.ErrNotFound)
}

func TestMemory(t *testing.T) {
	store := tokenstore.NewMemory()
	defer store.Close()
	exerciseStore(t, store)
}

func TestBolt(t *testing.T) {
	store, err := tokenstore.OpenBolt(filepath.Join(t.TempDir(), "nested", "auth.db"))
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestBolt_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")
	ctx := context.Background()

	store, err := tokenstore.OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, tokenstore.VerifierKey("state-1"), "verifier"))
	require.NoError(t, store.Close())

	store, err = tokenstore.OpenBolt(path)
	require.NoError(t, err)
	defer store.Close()
	v, err := store.Get(ctx, tokenstore.VerifierKey("state-1"))
	require.NoError(t, err)
	require.Equal(t, "verifier", v)
}
