package keyring

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIDFromPublicBytes_Stable(t *testing.T) {
	pub, _, err := GenerateKeypair()
	require.NoError(t, err)

	id1 := KeyIDFromPublicBytes(pub)
	id2 := KeyIDFromPublicBytes(pub)
	assert.Equal(t, id1, id2)
	assert.Regexp(t, `^bp1_[0-9a-f]{16}$`, id1)
}

func TestSignAndVerifyBytes(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	data := []byte("hello vault")
	sig := SignBytes(priv, data)
	assert.True(t, VerifyBytes(pub, data, sig))
	assert.False(t, VerifyBytes(pub, []byte("tampered"), sig))
}

func TestVerifyBytes_TotalOnMalformedInput(t *testing.T) {
	pub, _, err := GenerateKeypair()
	require.NoError(t, err)

	assert.False(t, VerifyBytes(pub, []byte("x"), "not-base64!!"))
	assert.False(t, VerifyBytes(nil, []byte("x"), base64.StdEncoding.EncodeToString([]byte("short"))))
}

func TestRegistry_ResolvePublicKeyServesRevoked(t *testing.T) {
	pub, _, err := GenerateKeypair()
	require.NoError(t, err)
	kid := KeyIDFromPublicBytes(pub)

	reg := NewRegistry()
	reg.Admit(&Key{
		KeyID:        kid,
		Algorithm:    "Ed25519",
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		Status:       StatusActive,
	})

	require.NoError(t, reg.Revoke(kid, "compromised", time.Now().UTC().Format(time.RFC3339), "evt_abc"))

	resolved, ok := reg.ResolvePublicKey(kid)
	require.True(t, ok)
	assert.Equal(t, []byte(pub), []byte(resolved))
	assert.False(t, reg.IsActive(kid))
}

func TestSignManifest_RoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	kid := KeyIDFromPublicBytes(pub)

	rec, err := SignManifest("deadbeef", "cafebabe", kid, priv, "2026-07-29T00:00:00Z", "1.0")
	require.NoError(t, err)

	assert.True(t, VerifyManifestSignature(rec, pub))

	rec.MerkleRoot = "tampered"
	assert.False(t, VerifyManifestSignature(rec, pub))
}

func TestSortedKeyIDs(t *testing.T) {
	reg := NewRegistry()
	reg.Admit(&Key{KeyID: "bp1_bbbb000000000000"})
	reg.Admit(&Key{KeyID: "bp1_aaaa000000000000"})
	ids := reg.SortedKeyIDs()
	assert.Equal(t, []string{"bp1_aaaa000000000000", "bp1_bbbb000000000000"}, ids)
}
