// Package keyring implements the key registry and Ed25519 signing contract
// (C3): keypair generation, key-id derivation, event/manifest signing and
// verification, and key-status resolution for historical audit.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/provara/provara/pkg/canonicaljson"
)

// KeyStatus is the lifecycle state of a registered key. Keys transition
// only from active to revoked, never back.
type KeyStatus string

const (
	StatusActive  KeyStatus = "active"
	StatusRevoked KeyStatus = "revoked"
)

// Key is the registry record for one Ed25519 public key (§3 Key).
type Key struct {
	KeyID             string    `json:"key_id"`
	Algorithm         string    `json:"algorithm"`
	PublicKeyB64      string    `json:"public_key_b64"`
	Status            KeyStatus `json:"status"`
	Roles             []string  `json:"roles,omitempty"`
	Scopes            []string  `json:"scopes,omitempty"`
	RevokedAtUTC      string    `json:"revoked_at_utc,omitempty"`
	RevocationEventID string    `json:"revocation_event_id,omitempty"`
	PromotionEventID  string    `json:"promotion_event_id,omitempty"`
}

// Revocation records one rotation event for keys.json's revocations list.
type Revocation struct {
	RevokedKeyID      string `json:"revoked_key_id"`
	Reason            string `json:"reason"`
	RevocationEventID string `json:"revocation_event_id"`
	NewKeyID          string `json:"new_key_id"`
	PromotionEventID  string `json:"promotion_event_id"`
}

// Registry is an in-memory snapshot of identity/keys.json. Per spec.md §9
// "Global mutable key registry", rotation produces a new snapshot rather
// than mutating shared state in place — callers that need concurrent-safe
// mutation use Registry's locked methods, but verifiers should treat a
// Registry value as an immutable parameter.
type Registry struct {
	mu           sync.RWMutex
	Keys         map[string]*Key `json:"-"`
	Revocations  []Revocation    `json:"-"`
}

// NewRegistry returns an empty key registry.
func NewRegistry() *Registry {
	return &Registry{Keys: make(map[string]*Key)}
}

// KeyIDFromPublicBytes derives key_id = "bp1_" + first 16 hex chars of
// SHA-256 over the raw 32-byte public key.
func KeyIDFromPublicBytes(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "bp1_" + hex.EncodeToString(sum[:])[:16]
}

// GenerateKeypair emits an Ed25519 keypair per RFC 8032.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("keyring: generate keypair: %w", err)
	}
	return pub, priv, nil
}

// Admit adds k to the registry under its KeyID, with the status k already
// carries. Keys are immutable once admitted.
func (r *Registry) Admit(k *Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Keys[k.KeyID] = k
}

// Add is an alias for Admit kept for call-site readability at genesis time.
func (r *Registry) Add(k *Key) { r.Admit(k) }

// Revoke flips a key's status to revoked and records the transition. It
// never removes the key: revoked keys must remain resolvable for audit.
func (r *Registry) Revoke(keyID, reason, revokedAtUTC, revocationEventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.Keys[keyID]
	if !ok {
		return fmt.Errorf("keyring: revoke: unknown key %s", keyID)
	}
	k.Status = StatusRevoked
	k.RevokedAtUTC = revokedAtUTC
	k.RevocationEventID = revocationEventID
	r.Revocations = append(r.Revocations, Revocation{
		RevokedKeyID:      keyID,
		Reason:            reason,
		RevocationEventID: revocationEventID,
	})
	return nil
}

// ResolvePublicKey returns the registered public key for kid regardless of
// status — revoked keys must remain verifiable for historical audit
// (spec.md §4.3).
func (r *Registry) ResolvePublicKey(kid string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.Keys[kid]
	if !ok {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(k.PublicKeyB64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// Get returns the registry record for kid, if present.
func (r *Registry) Get(kid string) (*Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.Keys[kid]
	return k, ok
}

// IsActive reports whether kid is registered and not revoked.
func (r *Registry) IsActive(kid string) bool {
	k, ok := r.Get(kid)
	return ok && k.Status == StatusActive
}

// SortedKeyIDs returns all key ids in deterministic (lexicographic) order,
// used when a single canonical key must be chosen among several.
func (r *Registry) SortedKeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.Keys))
	for id := range r.Keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Event signing is implemented by package event (Event.Sign) to avoid an import cycle
// between keyring and event; keyring exposes the primitive signing step
// both event and manifest signing build on.

// SignBytes signs data with priv and returns the base64-encoded signature.
func SignBytes(priv ed25519.PrivateKey, data []byte) string {
	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyBytes verifies a base64 Ed25519 signature over data. It is total:
// malformed base64 or a wrong-length key return false rather than error.
func VerifyBytes(pub ed25519.PublicKey, data []byte, sigB64 string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// ManifestSignature is the signed record produced by SignManifest (§4.3).
type ManifestSignature struct {
	ManifestSHA256 string `json:"manifest_sha256"`
	MerkleRoot     string `json:"merkle_root"`
	KeyID          string `json:"key_id"`
	Sig            string `json:"sig,omitempty"`
	SignedAtUTC    string `json:"signed_at_utc"`
	SpecVersion    string `json:"spec_version"`
}

// SignManifest signs the manifest+Merkle-root pair. The signed payload is
// the canonical JSON of the record minus sig.
func SignManifest(manifestSHA256, merkleRoot, kid string, priv ed25519.PrivateKey, signedAtUTC, specVersion string) (*ManifestSignature, error) {
	rec := &ManifestSignature{
		ManifestSHA256: manifestSHA256,
		MerkleRoot:     merkleRoot,
		KeyID:          kid,
		SignedAtUTC:    signedAtUTC,
		SpecVersion:    specVersion,
	}
	bytesToSign, err := canonicalBytesMinusSig(rec)
	if err != nil {
		return nil, err
	}
	rec.Sig = SignBytes(priv, bytesToSign)
	return rec, nil
}

// VerifyManifestSignature verifies a ManifestSignature record against pub.
// Total: returns false rather than erroring on malformed input.
func VerifyManifestSignature(rec *ManifestSignature, pub ed25519.PublicKey) bool {
	if rec == nil || rec.Sig == "" {
		return false
	}
	cp := *rec
	cp.Sig = ""
	bytesToSign, err := canonicalBytesMinusSig(&cp)
	if err != nil {
		return false
	}
	return VerifyBytes(pub, bytesToSign, rec.Sig)
}

func canonicalBytesMinusSig(rec *ManifestSignature) ([]byte, error) {
	m := map[string]any{
		"manifest_sha256": rec.ManifestSHA256,
		"merkle_root":     rec.MerkleRoot,
		"key_id":          rec.KeyID,
		"signed_at_utc":   rec.SignedAtUTC,
		"spec_version":    rec.SpecVersion,
	}
	return canonicaljson.Bytes(m)
}
