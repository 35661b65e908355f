package rotation

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/provara/provara/pkg/event"
	"github.com/provara/provara/pkg/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryWith(t *testing.T, keys ...*keyring.Key) *keyring.Registry {
	t.Helper()
	reg := keyring.NewRegistry()
	for _, k := range keys {
		reg.Admit(k)
	}
	return reg
}

func activeKey(kid string, pub []byte, roles ...string) *keyring.Key {
	return &keyring.Key{
		KeyID:        kid,
		Algorithm:    "ed25519",
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		Status:       keyring.StatusActive,
		Roles:        roles,
	}
}

func TestRotateKey_BlocksSelfSign(t *testing.T) {
	rootPub, rootPriv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	rootKID := keyring.KeyIDFromPublicBytes(rootPub)
	reg := registryWith(t, activeKey(rootKID, rootPub, "root"))

	newPub, _, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	res, log, err := RotateKey(reg, rootKID, rootPriv, rootKID, newPub, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, log)
	assert.Contains(t, res.Errors[0], "cannot sign rotation with the compromised key")
}

func TestRotateKey_SucceedsWithSurvivingAuthority(t *testing.T) {
	rootPub, rootPriv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	rootKID := keyring.KeyIDFromPublicBytes(rootPub)

	compromisedPub, _, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	compromisedKID := keyring.KeyIDFromPublicBytes(compromisedPub)

	reg := registryWith(t, activeKey(rootKID, rootPub, "root"), activeKey(compromisedKID, compromisedPub, "device"))

	newPub, _, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	res, log, err := RotateKey(reg, compromisedKID, rootPriv, rootKID, newPub, []string{"device"}, nil, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, log, 2)
	assert.Equal(t, event.TypeKeyRevocation, log[0].Type)
	assert.Equal(t, event.TypeKeyPromotion, log[1].Type)
	assert.Equal(t, log[0].EventID, *log[1].PrevEventHash)

	next, err := ApplyToRegistry(reg, res, newPub, []string{"all"}, []string{"device"})
	require.NoError(t, err)
	oldEntry, ok := next.Get(compromisedKID)
	require.True(t, ok)
	assert.Equal(t, keyring.StatusRevoked, oldEntry.Status)
	newEntry, ok := next.Get(res.NewKeyID)
	require.True(t, ok)
	assert.Equal(t, keyring.StatusActive, newEntry.Status)
}

func TestRotateKey_RejectsRevokedSigner(t *testing.T) {
	rootPub, rootPriv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	rootKID := keyring.KeyIDFromPublicBytes(rootPub)
	revokedSigner := activeKey(rootKID, rootPub, "root")
	revokedSigner.Status = keyring.StatusRevoked

	compromisedPub, _, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	compromisedKID := keyring.KeyIDFromPublicBytes(compromisedPub)
	reg := registryWith(t, revokedSigner, activeKey(compromisedKID, compromisedPub, "device"))

	newPub, _, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	res, _, err := RotateKey(reg, compromisedKID, rootPriv, rootKID, newPub, nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors[0], "is revoked")
}

func TestVerifyRotationEvents_FlagsSelfSignedRevocation(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e := event.New(event.TypeKeyRevocation, "canonical", "key_rotation_authority", map[string]any{
		"revoked_key_id": kid,
		"reason":         "key_compromise",
	}, nil, nil)
	require.NoError(t, e.Sign(priv, kid))

	checks := VerifyRotationEvents([]*event.Event{e}, map[string]ed25519.PublicKey{kid: pub})
	require.Len(t, checks, 1)
	assert.True(t, checks[0].SelfSigned)
	assert.True(t, checks[0].SignatureValid)
}

func TestRedactEvent_ReplacesPayloadPreservesIdentity(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	target := event.New(event.TypeObservation, "canonical", "actor-a", map[string]any{
		"subject": "x", "predicate": "y", "value": "secret",
	}, nil, nil)
	require.NoError(t, target.Sign(priv, kid))
	originalID, originalSig := target.EventID, target.Sig

	log := []*event.Event{target}

	redactionEvent, newLog, err := RedactEvent(log, target.EventID, "gdpr_request", "data_subject", "TOMBSTONE", "", priv, kid)
	require.NoError(t, err)
	assert.Equal(t, event.TypeRedaction, redactionEvent.Type)
	assert.Len(t, newLog, 2)

	redactedTarget := newLog[0]
	assert.Equal(t, originalID, redactedTarget.EventID)
	assert.Equal(t, originalSig, redactedTarget.Sig)
	assert.Equal(t, true, redactedTarget.Payload["redacted"])
	assert.False(t, redactedTarget.VerifySignature(pub), "tombstoned payload must break the original signature")
}

func TestRedactEvent_Idempotent(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	target := event.New(event.TypeObservation, "canonical", "actor-a", map[string]any{
		"subject": "x", "predicate": "y", "value": "secret",
	}, nil, nil)
	require.NoError(t, target.Sign(priv, kid))

	log := []*event.Event{target}
	firstRedaction, log, err := RedactEvent(log, target.EventID, "gdpr_request", "data_subject", "TOMBSTONE", "", priv, kid)
	require.NoError(t, err)

	secondRedaction, log2, err := RedactEvent(log, target.EventID, "gdpr_request", "data_subject", "TOMBSTONE", "", priv, kid)
	require.NoError(t, err)
	assert.Equal(t, firstRedaction.EventID, secondRedaction.EventID)
	assert.Len(t, log2, 2)
}
