package event

import (
	"testing"

	"github.com/provara/provara/pkg/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventID_DerivationAndVerification(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "door_01", "predicate": "opens", "value": "inward"}, nil, nil)
	require.NoError(t, e.Sign(priv, kid))

	assert.True(t, e.VerifyEventID())
	assert.Regexp(t, `^evt_[0-9a-f]{24}$`, e.EventID)
}

func TestSignature_VerifiesAndAvalanches(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "door_01", "predicate": "opens", "value": "inward"}, nil, nil)
	require.NoError(t, e.Sign(priv, kid))

	assert.True(t, e.VerifySignature(pub))

	tampered := *e
	tampered.Payload = map[string]any{"subject": "door_01", "predicate": "opens", "value": "outward"}
	assert.False(t, tampered.VerifySignature(pub))
}

func TestVerifySignature_TotalOnMissingFields(t *testing.T) {
	var e Event
	assert.False(t, e.VerifySignature(nil))
}

func TestVerifyChain_ValidSequence(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "x", "predicate": "y", "value": 1}, nil, nil)
	require.NoError(t, e1.Sign(priv, kid))

	id1 := e1.EventID
	e2 := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "x", "predicate": "y", "value": 2}, &id1, nil)
	require.NoError(t, e2.Sign(priv, kid))

	problems := VerifyChain([]*Event{e1, e2}, "robot_a")
	assert.Empty(t, problems)
}

func TestVerifyChain_DetectsBreak(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "x", "predicate": "y", "value": 1}, nil, nil)
	require.NoError(t, e1.Sign(priv, kid))

	bogus := "evt_000000000000000000000000"
	e2 := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "x", "predicate": "y", "value": 2}, &bogus, nil)
	require.NoError(t, e2.Sign(priv, kid))

	problems := VerifyChain([]*Event{e1, e2}, "robot_a")
	assert.NotEmpty(t, problems)
}

func TestDetectForks(t *testing.T) {
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "x", "predicate": "y", "value": 1}, nil, nil)
	require.NoError(t, e1.Sign(priv, kid))
	id1 := e1.EventID

	e2a := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "x", "predicate": "y", "value": 2}, &id1, nil)
	require.NoError(t, e2a.Sign(priv, kid))
	e2b := New(TypeObservation, string(NamespaceLocal), "robot_a", map[string]any{"subject": "x", "predicate": "y", "value": 3}, &id1, nil)
	require.NoError(t, e2b.Sign(priv, kid))

	forks := DetectForks([]*Event{e1, e2a, e2b})
	require.Len(t, forks, 1)
	assert.Len(t, forks[0].Events, 2)
}

func TestNormalizeNamespace(t *testing.T) {
	assert.Equal(t, NamespaceCanonical, NormalizeNamespace("canonical"))
	assert.Equal(t, NamespaceLocal, NormalizeNamespace("bogus"))
}
