package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/provara/provara/pkg/keyring"
)

// keysFileShape mirrors spec.md §6's identity/keys.json:
// {keys:[…], revocations:[…]}.
type keysFileShape struct {
	Keys        []*keyring.Key        `json:"keys"`
	Revocations []keyring.Revocation  `json:"revocations"`
}

// SaveRegistry writes reg to vaultPath/identity/keys.json via a
// temp-file + atomic rename, matching the rest of the vault's
// crash-safe persistence idiom.
func SaveRegistry(vaultPath string, reg *keyring.Registry) error {
	shape := keysFileShape{Revocations: reg.Revocations}
	for _, kid := range reg.SortedKeyIDs() {
		k, _ := reg.Get(kid)
		shape.Keys = append(shape.Keys, k)
	}

	b, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal keys.json: %w", err)
	}

	dir := filepath.Join(vaultPath, identityDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vault: mkdir identity: %w", err)
	}
	dst := filepath.Join(dir, keysFile)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("vault: write keys.json: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("vault: rename keys.json: %w", err)
	}
	return nil
}

// LoadRegistry reads vaultPath/identity/keys.json into a fresh Registry.
func LoadRegistry(vaultPath string) (*keyring.Registry, error) {
	b, err := os.ReadFile(filepath.Join(vaultPath, identityDir, keysFile))
	if err != nil {
		return nil, fmt.Errorf("vault: read keys.json: %w", err)
	}
	var shape keysFileShape
	if err := json.Unmarshal(b, &shape); err != nil {
		return nil, fmt.Errorf("vault: parse keys.json: %w", err)
	}

	reg := keyring.NewRegistry()
	for _, k := range shape.Keys {
		reg.Admit(k)
	}
	reg.Revocations = append(reg.Revocations, shape.Revocations...)
	return reg, nil
}
