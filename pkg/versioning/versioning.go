// Package versioning tracks backpack_spec_version compatibility and the
// migration path between persisted-layout versions (spec.md §6/§7
// "Persisted layout versioning").
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SupportedVersions lists every backpack_spec_version this build can read,
// oldest first. Readers reject anything newer than the last entry.
var SupportedVersions = []string{"1.0", "1.1", "1.2"}

// Step is one migration hop between adjacent supported versions.
type Step struct {
	From, To string
}

// MigrationFunc applies one Step's changes in place and returns a
// human-readable summary of what it did, for the migration event's payload.
type MigrationFunc func() ([]string, error)

// Registry maps (from, to) steps to the function that performs them.
type Registry struct {
	steps map[Step]MigrationFunc
}

// NewRegistry returns an empty migration registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[Step]MigrationFunc)}
}

// Register installs the migration function for exactly one adjacent step.
func (r *Registry) Register(from, to string, fn MigrationFunc) {
	r.steps[Step{From: from, To: to}] = fn
}

// Compatible reports whether a reader built for readerVersion can open a
// vault stamped with vaultVersion: same major version, reader >= vault
// minor (readers tolerate older minor versions but not newer ones).
func Compatible(readerVersion, vaultVersion string) (bool, error) {
	rv, err := semver.NewVersion(normalizeTriple(readerVersion))
	if err != nil {
		return false, fmt.Errorf("versioning: invalid reader version %q: %w", readerVersion, err)
	}
	vv, err := semver.NewVersion(normalizeTriple(vaultVersion))
	if err != nil {
		return false, fmt.Errorf("versioning: invalid vault version %q: %w", vaultVersion, err)
	}
	if rv.Major() != vv.Major() {
		return false, nil
	}
	return vv.Compare(rv) <= 0, nil
}

// normalizeTriple pads a "1.0"-style backpack_spec_version out to the
// major.minor.patch form semver.NewVersion requires.
func normalizeTriple(v string) string {
	s, err := semver.NewVersion(v)
	if err == nil {
		return s.String()
	}
	return v + ".0"
}

// Path returns the ordered list of adjacent steps from source to target,
// inclusive of neither endpoint's own version. An empty, nil-error result
// means the vault is already at target. Downgrades are rejected.
func Path(source, target string) ([]Step, error) {
	sIdx, err := indexOf(source)
	if err != nil {
		return nil, err
	}
	tIdx, err := indexOf(target)
	if err != nil {
		return nil, err
	}
	if sIdx > tIdx {
		return nil, fmt.Errorf("versioning: downgrade not supported: %s -> %s", source, target)
	}

	path := make([]Step, 0, tIdx-sIdx)
	for i := sIdx; i < tIdx; i++ {
		path = append(path, Step{From: SupportedVersions[i], To: SupportedVersions[i+1]})
	}
	return path, nil
}

func indexOf(v string) (int, error) {
	for i, sv := range SupportedVersions {
		if sv == v {
			return i, nil
		}
	}
	return 0, fmt.Errorf("versioning: unsupported spec version %q", v)
}

// Latest returns the newest backpack_spec_version this build supports.
func Latest() string {
	return SupportedVersions[len(SupportedVersions)-1]
}

// Report summarizes a completed or dry-run migration, mirrored into the
// com.provara.migration event payload by the caller.
type Report struct {
	SourceVersion    string   `json:"from_version"`
	TargetVersion    string   `json:"to_version"`
	Changes          []string `json:"changes"`
	MigrationEventID string   `json:"-"`
}

// Migrate runs every step from source to target in order, accumulating
// each step's change log. It does not itself append the migration event or
// rebuild the manifest; callers (pkg/vault) own that orchestration so this
// package stays free of event/manifest dependencies.
func (r *Registry) Migrate(source, target string) (*Report, error) {
	steps, err := Path(source, target)
	if err != nil {
		return nil, err
	}
	rep := &Report{SourceVersion: source, TargetVersion: target}
	if len(steps) == 0 {
		rep.Changes = []string{"vault already at target version; no migration needed"}
		return rep, nil
	}
	for _, step := range steps {
		fn, ok := r.steps[step]
		if !ok {
			return nil, fmt.Errorf("versioning: no migration registered for %s -> %s", step.From, step.To)
		}
		changes, err := fn()
		if err != nil {
			return nil, fmt.Errorf("versioning: migrating %s -> %s: %w", step.From, step.To, err)
		}
		rep.Changes = append(rep.Changes, changes...)
	}
	return rep, nil
}
