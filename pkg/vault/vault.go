// Package vault is the thin facade wiring C1-C11 into vault directory
// operations: bootstrap/genesis, append, replay, checkpoint, manifest,
// sync, rotate_key, redaction, layout migration and verification
// (crypto-shred is driven through pkg/cryptoshred directly). It
// reproduces the shape the
// Python SDK's Vault facade offers callers (create, append_event,
// checkpoint, replay_state) without its sprawling extension surface
// (messaging/X25519/Solana/market/agent-lifecycle are out of scope per
// spec.md §1's non-goals).
package vault

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/provara/provara/pkg/checkpoint"
	"github.com/provara/provara/pkg/event"
	"github.com/provara/provara/pkg/keyring"
	"github.com/provara/provara/pkg/manifest"
	"github.com/provara/provara/pkg/reducer"
	"github.com/provara/provara/pkg/rotation"
	"github.com/provara/provara/pkg/sync"
	"github.com/provara/provara/pkg/validator"
	"github.com/provara/provara/pkg/verrors"
	"github.com/provara/provara/pkg/versioning"
)

const (
	eventsDir       = "events"
	eventsFile      = "events.ndjson"
	identityDir     = "identity"
	keysFile        = "keys.json"
	genesisFile     = "genesis.json"
	checkpointsDir  = "checkpoints"
	defaultThreshold = 0.8
	migrationActor  = "migration_tool"
)

// Vault is a bound handle to a vault directory on disk. Validator is
// optional; when set, Append rejects payloads for any registered custom
// event type that fail their schema/expression rule (spec.md §6's plugin
// extension point) before they ever reach the signed log.
type Vault struct {
	Path      string
	Validator *validator.Registry
}

// Open binds a Vault to an existing directory without validating its
// contents; use VerifyVault to check structural compliance.
func Open(path string) *Vault {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Vault{Path: abs}
}

// Genesis is identity/genesis.json's shape (spec.md §6).
type Genesis struct {
	UID                    string            `json:"uid"`
	BirthTimestampUTC      string            `json:"birth_timestamp"`
	RootKeyID              string            `json:"root_key_id"`
	GovernanceModel        string            `json:"governance_model,omitempty"`
	InitialOntologyVersions map[string]string `json:"initial_ontology_versions,omitempty"`
	PredecessorVault       string            `json:"predecessor_vault,omitempty"`
	SpecVersion            string            `json:"spec_version,omitempty"`
}

// BootstrapResult reports the outcome of Bootstrap.
type BootstrapResult struct {
	Vault            *Vault
	RootKeyID        string
	RootPrivateKeyB64 string
	GenesisEventID   string
}

// Bootstrap creates a new, empty vault at path: the directory layout,
// a freshly generated root Ed25519 keypair admitted as identity/keys.json,
// identity/genesis.json, and a signed GENESIS event as events.ndjson's
// first line. Bootstrap refuses if path already holds events/events.ndjson.
func Bootstrap(path, uid, actor string) (*BootstrapResult, error) {
	if uid == "" {
		uid = uuid.NewString()
	}
	if actor == "" {
		actor = "sovereign_genesis"
	}

	v := Open(path)
	if _, err := os.Stat(filepath.Join(v.Path, eventsDir, eventsFile)); err == nil {
		return nil, verrors.VaultStructureInvalid(fmt.Sprintf("vault already bootstrapped at %s", v.Path))
	}

	for _, dir := range []string{eventsDir, identityDir, checkpointsDir} {
		if err := os.MkdirAll(filepath.Join(v.Path, dir), 0o755); err != nil {
			return nil, fmt.Errorf("vault: mkdir %s: %w", dir, err)
		}
	}

	pub, priv, err := keyring.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("vault: generate root keypair: %w", err)
	}
	rootKID := keyring.KeyIDFromPublicBytes(pub)

	reg := keyring.NewRegistry()
	reg.Admit(&keyring.Key{
		KeyID:        rootKID,
		Algorithm:    "ed25519",
		PublicKeyB64: publicKeyB64(pub),
		Status:       keyring.StatusActive,
		Roles:        []string{"root"},
	})
	if err := SaveRegistry(v.Path, reg); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	gen := Genesis{
		UID:               uid,
		BirthTimestampUTC: now,
		RootKeyID:         rootKID,
		SpecVersion:       manifest.BackpackSpecVersion,
	}
	genBytes, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("vault: marshal genesis: %w", err)
	}
	if err := os.WriteFile(filepath.Join(v.Path, identityDir, genesisFile), genBytes, 0o644); err != nil {
		return nil, fmt.Errorf("vault: write genesis: %w", err)
	}

	genesisEvent := event.New(event.TypeGenesis, string(event.NamespaceCanonical), actor, map[string]any{
		"uid":           uid,
		"root_key_id":   rootKID,
		"spec_version":  manifest.BackpackSpecVersion,
	}, nil, nil)
	if err := genesisEvent.Sign(priv, rootKID); err != nil {
		return nil, fmt.Errorf("vault: sign genesis event: %w", err)
	}

	genesisID := genesisEvent.EventID
	initTS := int64(1)
	readyEvent := event.New(event.TypeObservation, string(event.NamespaceCanonical), actor, map[string]any{
		"subject":   "system",
		"predicate": "status",
		"value":     "initialized",
	}, &genesisID, &initTS)
	if err := readyEvent.Sign(priv, rootKID); err != nil {
		return nil, fmt.Errorf("vault: sign initialization event: %w", err)
	}
	if err := sync.WriteEvents(v.eventsPath(), []*event.Event{genesisEvent, readyEvent}); err != nil {
		return nil, err
	}

	return &BootstrapResult{
		Vault:             v,
		RootKeyID:         rootKID,
		RootPrivateKeyB64: privateKeyB64(priv),
		GenesisEventID:    genesisEvent.EventID,
	}, nil
}

func (v *Vault) eventsPath() string {
	return filepath.Join(v.Path, eventsDir, eventsFile)
}

func (v *Vault) identityPath() string {
	return filepath.Join(v.Path, identityDir)
}

func (v *Vault) checkpointsPath() string {
	return filepath.Join(v.Path, checkpointsDir)
}

// LoadEvents returns every event currently appended to this vault's log.
func (v *Vault) LoadEvents() ([]*event.Event, error) {
	return sync.LoadEvents(v.eventsPath())
}

// Append signs a new event chained after actor's most recent event in
// this vault and appends it to events.ndjson.
func (v *Vault) Append(typ, actor string, payload map[string]any, priv ed25519.PrivateKey, kid string) (*event.Event, error) {
	if v.Validator != nil {
		if err := v.Validator.Validate(typ, payload); err != nil {
			return nil, err
		}
	}

	log, err := v.LoadEvents()
	if err != nil {
		return nil, err
	}

	var prevEventHash *string
	var tsLogical *int64
	var maxTS int64
	for _, e := range log {
		if e.Actor != actor {
			continue
		}
		id := e.EventID
		prevEventHash = &id
		if e.TSLogical != nil && *e.TSLogical > maxTS {
			maxTS = *e.TSLogical
		}
	}
	if prevEventHash != nil || maxTS > 0 {
		next := maxTS + 1
		tsLogical = &next
	}

	e := event.New(typ, string(event.NamespaceCanonical), actor, payload, prevEventHash, tsLogical)
	if err := e.Sign(priv, kid); err != nil {
		return nil, fmt.Errorf("vault: sign %s: %w", typ, err)
	}
	if err := appendLine(v.eventsPath(), e); err != nil {
		return nil, err
	}
	return e, nil
}

// ReplayState rebuilds the reducer state from the full event log
// (spec.md §4.5's pure replay contract — use pkg/streamreducer above
// ~100k events instead).
func (v *Vault) ReplayState(threshold float64) (*reducer.State, error) {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	log, err := v.LoadEvents()
	if err != nil {
		return nil, err
	}
	r := reducer.New(threshold)
	r.ApplyEvents(toRawEvents(log))
	return r.State(), nil
}

func toRawEvents(log []*event.Event) []reducer.RawEvent {
	raw := make([]reducer.RawEvent, len(log))
	for i, e := range log {
		raw[i] = reducer.RawEvent{
			Type:      e.Type,
			EventID:   e.EventID,
			Actor:     e.Actor,
			Namespace: e.Namespace,
			Payload:   e.Payload,
		}
	}
	return raw
}

// CreateCheckpoint replays the current state, signs a checkpoint over it
// (reading merkle_root.txt if present), and saves it under checkpoints/.
func (v *Vault) CreateCheckpoint(priv ed25519.PrivateKey, kid string, threshold float64) (*checkpoint.Checkpoint, string, error) {
	state, err := v.ReplayState(threshold)
	if err != nil {
		return nil, "", err
	}

	merkleRoot := ""
	if b, err := os.ReadFile(filepath.Join(v.Path, manifest.MerkleRootFileName)); err == nil {
		merkleRoot = trimNewline(string(b))
	}

	cp, err := checkpoint.Create(merkleRoot, state, priv, kid, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", err
	}
	path, err := checkpoint.Save(v.checkpointsPath(), cp)
	if err != nil {
		return nil, "", err
	}
	return cp, path, nil
}

// LoadLatestCheckpoint returns the newest checkpoint in this vault, or
// nil if none has been created yet.
func (v *Vault) LoadLatestCheckpoint() (*checkpoint.Checkpoint, string, error) {
	return checkpoint.LoadLatest(v.checkpointsPath())
}

// BuildManifest walks this vault's directory and writes the signed
// manifest triplet (manifest.json, merkle_root.txt, manifest.sig).
func (v *Vault) BuildManifest(priv ed25519.PrivateKey, kid string) (merkleRoot string, warnings []manifest.Warning, err error) {
	m, warnings, err := manifest.Build(v.Path, 1)
	if err != nil {
		return "", warnings, err
	}
	_, merkleRoot, err = manifest.Write(v.Path, m, priv, kid)
	return merkleRoot, warnings, err
}

// SyncFrom merges remote's event log into this vault's, returning the
// union-merged result; the caller is responsible for persisting it back
// with WriteEvents if it wants the merge applied.
func (v *Vault) SyncFrom(remotePath string) (*sync.MergeResult, error) {
	return sync.MergeEventLogs(v.eventsPath(), filepath.Join(remotePath, eventsDir, eventsFile))
}

// ApplyMerge overwrites this vault's event log with a merge result's
// deduplicated, sorted event set.
func (v *Vault) ApplyMerge(res *sync.MergeResult) error {
	return sync.WriteEvents(v.eventsPath(), res.MergedEvents)
}

// ExportDelta exports events after sinceHash (or the whole log if nil)
// as a signed delta bundle, embedding reg's keys for recipient-side
// verification.
func (v *Vault) ExportDelta(sinceHash *string, reg *keyring.Registry) ([]byte, error) {
	return sync.ExportDelta(v.eventsPath(), sinceHash, reg)
}

// ImportDelta merges a delta bundle into this vault's log, verifying
// every bundled event's signature against this vault's registry
// combined with the bundle's embedded keys. Rate-limited variants should
// call sync.ImportDeltaWithLimiter directly for untrusted peers.
func (v *Vault) ImportDelta(ctx context.Context, deltaBytes []byte, localReg *keyring.Registry) (*sync.ImportResult, error) {
	res, err := sync.ImportDelta(v.eventsPath(), deltaBytes, localReg)
	if err != nil || len(res.MergedEvents) == 0 {
		return res, err
	}
	if err := sync.WriteEvents(v.eventsPath(), res.MergedEvents); err != nil {
		return res, err
	}
	return res, nil
}

// RotateKey revokes compromisedKeyID and promotes newPub, persisting the
// two-event sequence to this vault's log and returning the registry
// snapshot the caller should save with SaveRegistry.
func (v *Vault) RotateKey(reg *keyring.Registry, compromisedKeyID string, signingPriv ed25519.PrivateKey, signingKeyID string, newPub ed25519.PublicKey, newKeyRoles []string) (*rotation.Result, *keyring.Registry, error) {
	log, err := v.LoadEvents()
	if err != nil {
		return nil, nil, err
	}
	res, updatedLog, err := rotation.RotateKey(reg, compromisedKeyID, signingPriv, signingKeyID, newPub, newKeyRoles, nil, log)
	if err != nil || !res.Success {
		return res, nil, err
	}
	if err := sync.WriteEvents(v.eventsPath(), updatedLog); err != nil {
		return res, nil, err
	}
	nextReg, err := rotation.ApplyToRegistry(reg, res, newPub, newKeyRoles, newKeyRoles)
	if err != nil {
		return res, nil, err
	}
	return res, nextReg, nil
}

// RedactEvent appends a redaction tombstone over targetEventID and
// persists the rewritten log.
func (v *Vault) RedactEvent(targetEventID, reason, authority string, priv ed25519.PrivateKey, kid string) (*event.Event, error) {
	log, err := v.LoadEvents()
	if err != nil {
		return nil, err
	}
	redactionEvent, newLog, err := rotation.RedactEvent(log, targetEventID, reason, authority, "TOMBSTONE", "", priv, kid)
	if err != nil {
		return nil, err
	}
	if err := sync.WriteEvents(v.eventsPath(), newLog); err != nil {
		return nil, err
	}
	return redactionEvent, nil
}

// loadGenesis reads identity/genesis.json.
func (v *Vault) loadGenesis() (*Genesis, error) {
	b, err := os.ReadFile(filepath.Join(v.identityPath(), genesisFile))
	if err != nil {
		return nil, fmt.Errorf("vault: read genesis: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("vault: parse genesis: %w", err)
	}
	return &g, nil
}

// saveGenesis rewrites identity/genesis.json in place.
func (v *Vault) saveGenesis(g *Genesis) error {
	b, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshal genesis: %w", err)
	}
	return os.WriteFile(filepath.Join(v.identityPath(), genesisFile), b, 0o644)
}

// MigrateLayout runs every registered step from the vault's current
// identity/genesis.json spec_version up to targetVersion (spec.md §6/§7
// "Persisted layout versioning"), appending one signed `com.provara.
// migration` event per call (not per step — mirrors original_source/src/
// provara/migrate.py's single audit event covering the whole hop) into the
// "local" namespace under actor "migration_tool", then stamping the new
// version into genesis.json. A vault already at targetVersion returns a
// no-op report and appends nothing.
func (v *Vault) MigrateLayout(reg *versioning.Registry, targetVersion string, priv ed25519.PrivateKey, kid string) (*versioning.Report, error) {
	gen, err := v.loadGenesis()
	if err != nil {
		return nil, err
	}
	sourceVersion := gen.SpecVersion
	if sourceVersion == "" {
		sourceVersion = manifest.BackpackSpecVersion
	}

	report, err := reg.Migrate(sourceVersion, targetVersion)
	if err != nil {
		return nil, err
	}
	if sourceVersion == targetVersion {
		return report, nil
	}

	log, err := v.LoadEvents()
	if err != nil {
		return nil, err
	}
	var prevEventHash *string
	for _, e := range log {
		if e.Actor != migrationActor {
			continue
		}
		id := e.EventID
		prevEventHash = &id
	}

	migrationEvent := event.New(event.TypeMigration, string(event.NamespaceLocal), migrationActor, map[string]any{
		"from_version": report.SourceVersion,
		"to_version":   report.TargetVersion,
		"changes":      report.Changes,
	}, prevEventHash, nil)
	if err := migrationEvent.Sign(priv, kid); err != nil {
		return nil, fmt.Errorf("vault: sign migration event: %w", err)
	}
	if err := appendLine(v.eventsPath(), migrationEvent); err != nil {
		return nil, err
	}
	report.MigrationEventID = migrationEvent.EventID

	gen.SpecVersion = targetVersion
	if err := v.saveGenesis(gen); err != nil {
		return nil, err
	}

	return report, nil
}

// VerifyReport is the outcome of VerifyVault: a total, never-panicking
// structural + cryptographic audit of the vault directory.
type VerifyReport struct {
	EventCount        int
	SignatureProblems []verrors.Problem
	ChainProblems     []verrors.Problem
	ManifestOK        bool
	CheckpointOK      *bool
	Errors            []string
}

// VerifyVault reverses the C1+C3 -> C4 -> C5 -> C7 data-flow contract
// (spec.md §2): per event, invariant 1 (event_id matches its declared
// derivation) and invariant 2 (sig verifies under the public key its
// actor_key_id names, when reg can resolve one); invariants 3/4 (per-actor
// causal chain); the manifest's Merkle anchor, if present; and the latest
// checkpoint's signature, if present. It never panics; problems accumulate
// into the report rather than aborting the scan.
func (v *Vault) VerifyVault(rootPub ed25519.PublicKey, reg *keyring.Registry) (*VerifyReport, error) {
	report := &VerifyReport{}

	log, err := v.LoadEvents()
	if err != nil {
		return nil, err
	}
	report.EventCount = len(log)

	for _, e := range log {
		if !e.VerifyEventID() {
			report.SignatureProblems = append(report.SignatureProblems, verrors.Problem{
				Code:    verrors.CodeHashMismatch,
				Message: fmt.Sprintf("event %s: event_id does not match its canonical derivation", e.EventID),
				Detail:  map[string]any{"event_id": e.EventID},
			})
		}
		if reg == nil {
			continue
		}
		pub, ok := reg.ResolvePublicKey(e.ActorKeyID)
		if !ok {
			continue
		}
		if !e.VerifySignature(pub) {
			report.SignatureProblems = append(report.SignatureProblems, verrors.Problem{
				Code:    verrors.CodeInvalidSignature,
				Message: fmt.Sprintf("event %s: signature does not verify under key %s", e.EventID, e.ActorKeyID),
				Detail:  map[string]any{"event_id": e.EventID, "actor_key_id": e.ActorKeyID},
			})
		}
	}

	actors := map[string]bool{}
	for _, e := range log {
		actors[e.Actor] = true
	}
	for actor := range actors {
		report.ChainProblems = append(report.ChainProblems, event.VerifyChain(log, actor)...)
	}

	if ok, err := manifest.VerifySignature(v.Path, rootPub); err == nil {
		report.ManifestOK = ok
	} else if !errors.Is(err, os.ErrNotExist) {
		report.Errors = append(report.Errors, err.Error())
	}

	if cp, _, err := v.LoadLatestCheckpoint(); err == nil && cp != nil {
		ok := checkpoint.Verify(cp, rootPub)
		report.CheckpointOK = &ok
	}

	return report, nil
}

func appendLine(path string, e *event.Event) error {
	existing, err := sync.LoadEvents(path)
	if err != nil {
		return err
	}
	return sync.WriteEvents(path, append(existing, e))
}

func publicKeyB64(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func privateKeyB64(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
