package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/provara/provara/pkg/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndWriteAndVerify(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "events"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events", "events.ndjson"), []byte("{}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "identity"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "identity", "genesis.json"), []byte(`{"uid":"v1"}`), 0o644))

	m, warnings, err := Build(dir, 1)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 2, m.FileCount)

	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	_, merkleRoot, err := Write(dir, m, priv, kid)
	require.NoError(t, err)
	assert.NotEmpty(t, merkleRoot)

	ok, err := VerifySignature(dir, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	merkleTxt, err := os.ReadFile(filepath.Join(dir, MerkleRootFileName))
	require.NoError(t, err)
	assert.Contains(t, string(merkleTxt), merkleRoot)
}

func TestBuild_SortedByPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0o644))

	m, _, err := Build(dir, 1)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)
	assert.Equal(t, "a.json", m.Files[0].Path)
	assert.Equal(t, "b.json", m.Files[1].Path)
}

func TestMerkleRoot_EmptyManifest(t *testing.T) {
	m := &Manifest{Files: nil}
	root, err := MerkleRoot(m)
	require.NoError(t, err)
	assert.NotEmpty(t, root)
}
