package casstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGetExistsDelete_RoundTrips(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	hash, err := store.Put(ctx, []byte("wasm-plugin-bytes"))
	require.NoError(t, err)
	assert.True(t, len(hash) > len(hashPrefix))

	ok, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm-plugin-bytes"), data)

	require.NoError(t, store.Delete(ctx, hash))
	ok, err = store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_Put_IsContentAddressedAndIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	h1, err := store.Put(ctx, []byte("same-bytes"))
	require.NoError(t, err)
	h2, err := store.Put(ctx, []byte("same-bytes"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFileStore_Get_RejectsMalformedHash(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "not-a-hash")
	assert.Error(t, err)
}

func TestOpen_SelectsBackendByName(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, "local", t.TempDir(), "", "")
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = Open(ctx, "unknown-backend", t.TempDir(), "", "")
	assert.Error(t, err)
}
