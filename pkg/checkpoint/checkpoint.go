// Package checkpoint implements signed state snapshots for replay
// acceleration (C6).
package checkpoint

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/provara/provara/pkg/canonicaljson"
	"github.com/provara/provara/pkg/keyring"
	"github.com/provara/provara/pkg/reducer"
)

// SpecVersion is the persisted-layout version checkpoints are stamped with
// (spec.md §6 "Persisted layout versioning").
const SpecVersion = "1.0"

// Checkpoint is CP (§3).
type Checkpoint struct {
	MerkleRoot  string          `json:"merkle_root"`
	LastEventID *string         `json:"last_event_id"`
	EventCount  int             `json:"event_count"`
	State       *reducer.State  `json:"state"`
	KeyID       string          `json:"key_id"`
	SignedAtUTC string          `json:"signed_at_utc"`
	Sig         string          `json:"sig"`
	SpecVersion string          `json:"spec_version"`
}

func (cp *Checkpoint) canonicalMap(omitSig bool) map[string]any {
	m := map[string]any{
		"merkle_root":   cp.MerkleRoot,
		"last_event_id": cp.LastEventID,
		"event_count":   cp.EventCount,
		"state":         cp.State,
		"key_id":        cp.KeyID,
		"signed_at_utc": cp.SignedAtUTC,
		"spec_version":  cp.SpecVersion,
	}
	if !omitSig {
		m["sig"] = cp.Sig
	}
	return m
}

// Create assembles and signs a checkpoint from the given state and merkle
// root (read from merkle_root.txt by the caller, if present).
func Create(merkleRoot string, s *reducer.State, priv ed25519.PrivateKey, kid, signedAtUTC string) (*Checkpoint, error) {
	cp := &Checkpoint{
		MerkleRoot:  merkleRoot,
		LastEventID: s.Metadata.LastEventID,
		EventCount:  s.Metadata.EventCount,
		State:       s,
		KeyID:       kid,
		SignedAtUTC: signedAtUTC,
		SpecVersion: SpecVersion,
	}
	b, err := canonicaljson.Bytes(cp.canonicalMap(true))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: canonicalize: %w", err)
	}
	cp.Sig = keyring.SignBytes(priv, b)
	return cp, nil
}

// Verify checks CP's signature over its canonical bytes minus sig.
func Verify(cp *Checkpoint, pub ed25519.PublicKey) bool {
	if cp == nil || cp.Sig == "" {
		return false
	}
	b, err := canonicaljson.Bytes(cp.canonicalMap(true))
	if err != nil {
		return false
	}
	return keyring.VerifyBytes(pub, b, cp.Sig)
}

// FileName formats the zero-padded checkpoint filename for eventCount.
func FileName(eventCount int) string {
	return fmt.Sprintf("%010d.chk", eventCount)
}

// Save writes cp as canonical JSON to checkpoints/NNNNNNNNNN.chk under dir,
// via a temp-file + atomic rename so a crash mid-write never leaves a
// truncated checkpoint visible.
func Save(dir string, cp *Checkpoint) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: mkdir: %w", err)
	}
	b, err := canonicaljson.Bytes(cp.canonicalMap(false))
	if err != nil {
		return "", fmt.Errorf("checkpoint: canonicalize: %w", err)
	}

	name := FileName(cp.EventCount)
	dst := filepath.Join(dir, name)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("checkpoint: rename: %w", err)
	}
	return dst, nil
}

// LoadLatest returns the checkpoint with the highest numeric filename
// prefix in dir, or nil if none exists.
func LoadLatest(dir string) (*Checkpoint, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("checkpoint: read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".chk") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, "", nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	path := filepath.Join(dir, names[0])
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, "", fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}
	return &cp, path, nil
}
