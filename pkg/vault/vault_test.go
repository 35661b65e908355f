package vault

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provara/provara/pkg/keyring"
	"github.com/provara/provara/pkg/sync"
	"github.com/provara/provara/pkg/validator"
	"github.com/provara/provara/pkg/versioning"
)

func mustDecodePriv(t *testing.T, b64 string) ed25519.PrivateKey {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	return ed25519.PrivateKey(b)
}

func mustDecodePub(t *testing.T, b64 string) ed25519.PublicKey {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	return ed25519.PublicKey(b)
}

func TestBootstrap_CreatesLayoutAndGenesisEvent(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	assert.NotEmpty(t, res.RootKeyID)
	assert.NotEmpty(t, res.GenesisEventID)

	events, err := res.Vault.LoadEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "GENESIS", events[0].Type)
	assert.Equal(t, "OBSERVATION", events[1].Type)
	assert.Equal(t, "system", events[1].Payload["subject"])
	assert.Equal(t, "initialized", events[1].Payload["value"])

	reg, err := LoadRegistry(dir)
	require.NoError(t, err)
	_, ok := reg.Get(res.RootKeyID)
	assert.True(t, ok)
}

func TestBootstrap_RejectsReBootstrap(t *testing.T) {
	dir := t.TempDir()
	_, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)

	_, err = Bootstrap(dir, "", "operator")
	require.Error(t, err)
}

func TestAppendAndReplayState(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)

	reg, err := LoadRegistry(dir)
	require.NoError(t, err)
	rootKey, _ := reg.Get(res.RootKeyID)
	require.NotNil(t, rootKey)

	priv := mustDecodePriv(t, res.RootPrivateKeyB64)

	_, err = res.Vault.Append("OBSERVATION", "actor-a", map[string]any{
		"subject": "x", "predicate": "y", "value": "z",
	}, priv, res.RootKeyID)
	require.NoError(t, err)

	state, err := res.Vault.ReplayState(0)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Metadata.EventCount)
}

func TestCreateAndLoadCheckpoint(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	priv := mustDecodePriv(t, res.RootPrivateKeyB64)

	cp, path, err := res.Vault.CreateCheckpoint(priv, res.RootKeyID, 0)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 2, cp.EventCount)

	loaded, loadedPath, err := res.Vault.LoadLatestCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, path, loadedPath)
	assert.Equal(t, cp.EventCount, loaded.EventCount)
}

func TestSyncFromMergesRemoteVault(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	resA, err := Bootstrap(dirA, "", "operator-a")
	require.NoError(t, err)
	resB, err := Bootstrap(dirB, "", "operator-b")
	require.NoError(t, err)

	mergeResult, err := resA.Vault.SyncFrom(resB.Vault.Path)
	require.NoError(t, err)
	assert.Len(t, mergeResult.MergedEvents, 4)

	require.NoError(t, resA.Vault.ApplyMerge(mergeResult))
	events, err := resA.Vault.LoadEvents()
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestRotateKey_PersistsEventsAndRegistry(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	priv := mustDecodePriv(t, res.RootPrivateKeyB64)
	reg, err := LoadRegistry(dir)
	require.NoError(t, err)

	newPub, _, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	rotRes, nextReg, err := res.Vault.RotateKey(reg, res.RootKeyID, priv, res.RootKeyID, newPub, nil)
	require.NoError(t, err)
	assert.False(t, rotRes.Success, "self-signed rotation must fail")
	assert.Nil(t, nextReg)
}

func TestVerifyVault_ReportsChainIntegrity(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	reg, err := LoadRegistry(dir)
	require.NoError(t, err)
	rootKey, _ := reg.Get(res.RootKeyID)
	pub := mustDecodePub(t, rootKey.PublicKeyB64)

	report, err := res.Vault.VerifyVault(pub, reg)
	require.NoError(t, err)
	assert.Equal(t, 2, report.EventCount)
	assert.Empty(t, report.ChainProblems)
	assert.Empty(t, report.SignatureProblems)
}

func TestVerifyVault_FlagsForgedEventIDAndSignature(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	priv := mustDecodePriv(t, res.RootPrivateKeyB64)
	reg, err := LoadRegistry(dir)
	require.NoError(t, err)

	e, err := res.Vault.Append("OBSERVATION", "actor-a", map[string]any{
		"subject": "x", "predicate": "y", "value": "z",
	}, priv, res.RootKeyID)
	require.NoError(t, err)

	log, err := res.Vault.LoadEvents()
	require.NoError(t, err)
	for _, logged := range log {
		if logged.EventID == e.EventID {
			logged.Payload["value"] = "tampered"
		}
	}
	require.NoError(t, sync.WriteEvents(filepath.Join(dir, eventsDir, eventsFile), log))

	rootKey, _ := reg.Get(res.RootKeyID)
	pub := mustDecodePub(t, rootKey.PublicKeyB64)

	report, err := res.Vault.VerifyVault(pub, reg)
	require.NoError(t, err)
	require.NotEmpty(t, report.SignatureProblems)

	var sawBadID, sawBadSig bool
	for _, p := range report.SignatureProblems {
		if p.Code == "E001" {
			sawBadID = true
		}
		if p.Code == "E003" {
			sawBadSig = true
		}
	}
	assert.True(t, sawBadID, "tampering the payload must break the event_id derivation")
	assert.True(t, sawBadSig, "tampering the payload must break the signature")
}

func TestVerifyVault_SkipsSignatureCheckForUnresolvableKey(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)

	report, err := res.Vault.VerifyVault(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, report.SignatureProblems, "a nil registry must skip signature checks rather than error")
}

func TestExportImportDelta_BetweenVaults(t *testing.T) {
	ctx := context.Background()
	dirA := t.TempDir()
	dirB := t.TempDir()
	resA, err := Bootstrap(dirA, "", "operator-a")
	require.NoError(t, err)
	resB, err := Bootstrap(dirB, "", "operator-b")
	require.NoError(t, err)

	regA, err := LoadRegistry(dirA)
	require.NoError(t, err)
	regB, err := LoadRegistry(dirB)
	require.NoError(t, err)

	delta, err := resA.Vault.ExportDelta(nil, regA)
	require.NoError(t, err)

	result, err := resB.Vault.ImportDelta(ctx, delta, regB)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.ImportedCount)

	_ = filepath.Join(dirB, eventsDir, eventsFile)
}

func TestMigrateLayout_AppendsEventAndStampsGenesis(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	priv := mustDecodePriv(t, res.RootPrivateKeyB64)

	reg := versioning.NewRegistry()
	reg.Register("1.0", "1.1", func() ([]string, error) {
		return []string{"step to 1.1"}, nil
	})
	reg.Register("1.1", "1.2", func() ([]string, error) {
		return []string{"step to 1.2"}, nil
	})

	report, err := res.Vault.MigrateLayout(reg, "1.2", priv, res.RootKeyID)
	require.NoError(t, err)
	assert.Equal(t, "1.0", report.SourceVersion)
	assert.Equal(t, "1.2", report.TargetVersion)
	assert.Equal(t, []string{"step to 1.1", "step to 1.2"}, report.Changes)
	assert.NotEmpty(t, report.MigrationEventID)

	events, err := res.Vault.LoadEvents()
	require.NoError(t, err)
	require.Len(t, events, 3)
	migrationEvent := events[2]
	assert.Equal(t, "com.provara.migration", migrationEvent.Type)
	assert.Equal(t, "local", migrationEvent.Namespace)
	assert.Equal(t, "1.2", migrationEvent.Payload["to_version"])

	gen, err := res.Vault.loadGenesis()
	require.NoError(t, err)
	assert.Equal(t, "1.2", gen.SpecVersion)
}

func TestAppend_RejectsPayloadFailingRegisteredValidator(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	priv := mustDecodePriv(t, res.RootPrivateKeyB64)

	reg, err := validator.NewRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.RegisterExpression("com.provara.custom_sensor", `payload.value > 0.0`))
	res.Vault.Validator = reg

	_, err = res.Vault.Append("com.provara.custom_sensor", "actor-a", map[string]any{
		"value": -1.0,
	}, priv, res.RootKeyID)
	require.Error(t, err)

	events, err := res.Vault.LoadEvents()
	require.NoError(t, err)
	assert.Len(t, events, 2, "a rejected payload must never reach the signed log")

	e, err := res.Vault.Append("com.provara.custom_sensor", "actor-a", map[string]any{
		"value": 1.0,
	}, priv, res.RootKeyID)
	require.NoError(t, err)
	assert.Equal(t, "com.provara.custom_sensor", e.Type)
}

func TestMigrateLayout_NoOpAtTargetVersion(t *testing.T) {
	dir := t.TempDir()
	res, err := Bootstrap(dir, "", "operator")
	require.NoError(t, err)
	priv := mustDecodePriv(t, res.RootPrivateKeyB64)

	reg := versioning.NewRegistry()
	report, err := res.Vault.MigrateLayout(reg, "1.0", priv, res.RootKeyID)
	require.NoError(t, err)
	assert.Empty(t, report.MigrationEventID)

	events, err := res.Vault.LoadEvents()
	require.NoError(t, err)
	assert.Len(t, events, 2, "no-op migration appends nothing")
}
