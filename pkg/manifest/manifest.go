// Package manifest builds the directory-wide file index and Merkle anchor
// (C7): walk the vault, hash every content file, sort, and emit the signed
// manifest triplet (manifest.json, merkle_root.txt, manifest.sig).
package manifest

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/provara/provara/pkg/canonicaljson"
	"github.com/provara/provara/pkg/integrity"
	"github.com/provara/provara/pkg/keyring"
)

const (
	BackpackSpecVersion = "1.0"
	ManifestFileName    = "manifest.json"
	MerkleRootFileName  = "merkle_root.txt"
	ManifestSigFileName = "manifest.sig"
)

// excludedFiles are the three manifest meta-files, never themselves part
// of the manifest's file list (spec.md §3).
var excludedFiles = map[string]bool{
	ManifestFileName:    true,
	MerkleRootFileName:  true,
	ManifestSigFileName: true,
}

// FileEntry is one entry of Manifest.Files.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is M (§3).
type Manifest struct {
	BackpackSpecVersion string      `json:"backpack_spec_version"`
	ManifestVersion     int         `json:"manifest_version"`
	FileCount           int         `json:"file_count"`
	CreatedAtUTC        string      `json:"created_at_utc"`
	Files               []FileEntry `json:"files"`
}

// Warning records a recoverable condition encountered while walking (e.g. a
// symlink escaping the vault root), per spec.md §4.7.
type Warning struct {
	Path    string
	Message string
}

// Build walks root (no symlink following), hashes every file except the
// three manifest meta-files, and returns the sorted Manifest plus any
// recoverable warnings.
func Build(root string, manifestVersion int) (*Manifest, []Warning, error) {
	var entries []FileEntry
	var warnings []Warning

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			warnings = append(warnings, Warning{Path: path, Message: err.Error()})
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// filepath.Walk doesn't follow symlinks (Lstat-based), but a
			// symlink entry can still point outside root; skip with warning
			// rather than silently including or erroring.
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil || !integrity.IsSafeRelativePath(root, rel) {
				warnings = append(warnings, Warning{Path: path, Message: "symlink escapes vault root, skipped"})
				return nil
			}
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			warnings = append(warnings, Warning{Path: path, Message: err.Error()})
			return nil
		}
		rel = filepath.ToSlash(rel)
		if excludedFiles[rel] {
			return nil
		}
		if !integrity.IsSafeRelativePath(root, rel) {
			warnings = append(warnings, Warning{Path: path, Message: "path escapes vault root, skipped"})
			return nil
		}

		sum, err := integrity.SHA256File(path)
		if err != nil {
			warnings = append(warnings, Warning{Path: path, Message: err.Error()})
			return nil
		}

		entries = append(entries, FileEntry{Path: rel, SHA256: sum, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, warnings, fmt.Errorf("manifest: walk %s: %w", root, err)
	}

	sortEntries(entries)

	m := &Manifest{
		BackpackSpecVersion: BackpackSpecVersion,
		ManifestVersion:     manifestVersion,
		FileCount:           len(entries),
		CreatedAtUTC:        time.Now().UTC().Format(time.RFC3339),
		Files:               entries,
	}
	return m, warnings, nil
}

func sortEntries(entries []FileEntry) {
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}
	byPath := map[string]FileEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	sortedPaths := integrity.SortedLeafPaths(paths)
	for i, p := range sortedPaths {
		entries[i] = byPath[p]
	}
}

// Leaves returns the Merkle leaves for m: canonical JSON bytes of each
// files[i], in the manifest's already-sorted order.
func Leaves(m *Manifest) ([][]byte, error) {
	leaves := make([][]byte, len(m.Files))
	for i, f := range m.Files {
		b, err := canonicaljson.Bytes(map[string]any{"path": f.Path, "sha256": f.SHA256, "size": f.Size})
		if err != nil {
			return nil, fmt.Errorf("manifest: canonicalize leaf %s: %w", f.Path, err)
		}
		leaves[i] = b
	}
	return leaves, nil
}

// MerkleRoot computes the lowercase-hex Merkle root of m's leaves.
func MerkleRoot(m *Manifest) (string, error) {
	leaves, err := Leaves(m)
	if err != nil {
		return "", err
	}
	return integrity.MerkleRootHex(leaves), nil
}

// Write persists manifest.json, merkle_root.txt, and manifest.sig under
// root via temp-file + atomic rename.
func Write(root string, m *Manifest, priv ed25519.PrivateKey, kid string) (root2, merkleRoot string, err error) {
	manifestBytes, err := canonicaljson.Bytes(m)
	if err != nil {
		return "", "", fmt.Errorf("manifest: canonicalize: %w", err)
	}
	if err := atomicWrite(filepath.Join(root, ManifestFileName), manifestBytes); err != nil {
		return "", "", err
	}

	merkle, err := MerkleRoot(m)
	if err != nil {
		return "", "", err
	}
	if err := atomicWrite(filepath.Join(root, MerkleRootFileName), []byte(merkle+"\n")); err != nil {
		return "", "", err
	}

	manifestSHA256, err := canonicaljson.Hash(m)
	if err != nil {
		return "", "", err
	}
	rec, err := keyring.SignManifest(manifestSHA256, merkle, kid, priv, time.Now().UTC().Format(time.RFC3339), BackpackSpecVersion)
	if err != nil {
		return "", "", err
	}
	sigBytes, err := canonicaljson.Bytes(rec)
	if err != nil {
		return "", "", err
	}
	if err := atomicWrite(filepath.Join(root, ManifestSigFileName), sigBytes); err != nil {
		return "", "", err
	}

	return root, merkle, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write temp %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest: rename %s: %w", path, err)
	}
	return nil
}

// VerifySignature loads manifest.json/merkle_root.txt/manifest.sig from
// root and verifies manifest.sig against pub.
func VerifySignature(root string, pub ed25519.PublicKey) (bool, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(root, ManifestFileName))
	if err != nil {
		return false, fmt.Errorf("manifest: read manifest.json: %w", err)
	}
	sigBytes, err := os.ReadFile(filepath.Join(root, ManifestSigFileName))
	if err != nil {
		return false, fmt.Errorf("manifest: read manifest.sig: %w", err)
	}

	var rec keyring.ManifestSignature
	if err := json.Unmarshal(sigBytes, &rec); err != nil {
		return false, fmt.Errorf("manifest: parse manifest.sig: %w", err)
	}

	v, err := canonicaljson.Decode(manifestBytes)
	if err != nil {
		return false, err
	}
	manifestSHA256, err := canonicaljson.Hash(v)
	if err != nil {
		return false, err
	}
	if manifestSHA256 != rec.ManifestSHA256 {
		return false, nil
	}

	return keyring.VerifyManifestSignature(&rec, pub), nil
}
