package sync

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/provara/provara/pkg/event"
	"github.com/provara/provara/pkg/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func signedEvent(t *testing.T, priv []byte, kid, actor string, prev *string, ts string) *event.Event {
	t.Helper()
	e := event.New(event.TypeObservation, "canonical", actor, map[string]any{
		"subject": "x", "predicate": "y", "value": "v",
	}, prev, nil)
	e.TimestampUTC = ts
	require.NoError(t, e.Sign(priv, kid))
	return e
}

func writeLog(t *testing.T, dir, name string, events []*event.Event) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, WriteEvents(path, events))
	return path
}

func TestMergeEventLogs_UnionDedup(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := signedEvent(t, priv, kid, "actor-a", nil, "2026-01-01T00:00:00Z")
	e2 := signedEvent(t, priv, kid, "actor-a", &e1.EventID, "2026-01-01T00:01:00Z")

	localPath := writeLog(t, dir, "local.ndjson", []*event.Event{e1})
	remotePath := writeLog(t, dir, "remote.ndjson", []*event.Event{e1, e2})

	res, err := MergeEventLogs(localPath, remotePath)
	require.NoError(t, err)
	assert.Len(t, res.MergedEvents, 2)
	assert.Equal(t, 1, res.NewCount)
	assert.Empty(t, res.Forks)
}

func TestMergeEventLogs_DetectsForks(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	genesis := signedEvent(t, priv, kid, "actor-a", nil, "2026-01-01T00:00:00Z")
	branchA := signedEvent(t, priv, kid, "actor-a", &genesis.EventID, "2026-01-01T00:01:00Z")
	branchB := signedEvent(t, priv, kid, "actor-a", &genesis.EventID, "2026-01-01T00:01:30Z")

	localPath := writeLog(t, dir, "local.ndjson", []*event.Event{genesis, branchA})
	remotePath := writeLog(t, dir, "remote.ndjson", []*event.Event{genesis, branchB})

	res, err := MergeEventLogs(localPath, remotePath)
	require.NoError(t, err)
	assert.Len(t, res.Forks, 1)
	assert.NotEmpty(t, res.Conflicts)
}

func TestFencingToken_CreateAndValidate(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := signedEvent(t, priv, kid, "actor-a", nil, "2026-01-01T00:00:00Z")
	eventsPath := writeLog(t, dir, "events.ndjson", []*event.Event{e1})

	tok, err := CreateFencingToken(eventsPath, priv, kid)
	require.NoError(t, err)
	assert.Equal(t, e1.EventID, tok.LatestEventID)

	reg := keyring.NewRegistry()
	reg.Admit(&keyring.Key{
		KeyID:        kid,
		Algorithm:    "ed25519",
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		Status:       keyring.StatusActive,
	})

	assert.True(t, ValidateFencingToken(tok, reg, eventsPath))

	tok.TokenHash = "tampered"
	assert.False(t, ValidateFencingToken(tok, reg, eventsPath))
}

func TestFencingToken_RejectsStaleReferenceAfterTruncation(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := signedEvent(t, priv, kid, "actor-a", nil, "2026-01-01T00:00:00Z")
	eventsPath := writeLog(t, dir, "events.ndjson", []*event.Event{e1})

	tok, err := CreateFencingToken(eventsPath, priv, kid)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(eventsPath, []byte(""), 0o644))

	reg := keyring.NewRegistry()
	reg.Admit(&keyring.Key{
		KeyID:        kid,
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		Status:       keyring.StatusActive,
	})
	assert.False(t, ValidateFencingToken(tok, reg, eventsPath))
}

func TestExportImportDelta_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := signedEvent(t, priv, kid, "actor-a", nil, "2026-01-01T00:00:00Z")
	e2 := signedEvent(t, priv, kid, "actor-a", &e1.EventID, "2026-01-01T00:01:00Z")

	sourcePath := writeLog(t, dir, "source.ndjson", []*event.Event{e1, e2})

	reg := keyring.NewRegistry()
	reg.Admit(&keyring.Key{
		KeyID:        kid,
		Algorithm:    "ed25519",
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		Status:       keyring.StatusActive,
	})

	since := e1.EventID
	bundle, err := ExportDelta(sourcePath, &since, reg)
	require.NoError(t, err)

	destPath := writeLog(t, dir, "dest.ndjson", []*event.Event{e1})
	res, err := ImportDelta(destPath, bundle, reg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ImportedCount)
	assert.Equal(t, 0, res.RejectedCount)
	assert.Len(t, res.MergedEvents, 2)
}

func TestImportDelta_RejectsBadSignature(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	_, otherPriv, err := keyring.GenerateKeypair()
	require.NoError(t, err)

	e1 := signedEvent(t, otherPriv, kid, "actor-a", nil, "2026-01-01T00:00:00Z")
	bundlePath := writeLog(t, dir, "bundle_source.ndjson", []*event.Event{e1})

	reg := keyring.NewRegistry()
	reg.Admit(&keyring.Key{
		KeyID:        kid,
		PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		Status:       keyring.StatusActive,
	})

	bundle, err := ExportDelta(bundlePath, nil, reg)
	require.NoError(t, err)

	destPath := writeLog(t, dir, "dest.ndjson", nil)
	res, err := ImportDelta(destPath, bundle, reg)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.RejectedCount)
}

func TestImportDeltaWithLimiter_PacesImport(t *testing.T) {
	dir := t.TempDir()
	pub, priv, err := keyring.GenerateKeypair()
	require.NoError(t, err)
	kid := keyring.KeyIDFromPublicBytes(pub)

	e1 := signedEvent(t, priv, kid, "actor-a", nil, "2026-01-01T00:00:00Z")
	e2 := signedEvent(t, priv, kid, "actor-a", &e1.EventID, "2026-01-01T00:01:00Z")
	sourcePath := writeLog(t, dir, "source.ndjson", []*event.Event{e1, e2})

	reg := keyring.NewRegistry()
	reg.Admit(&keyring.Key{KeyID: kid, PublicKeyB64: base64.StdEncoding.EncodeToString(pub), Status: keyring.StatusActive})

	bundle, err := ExportDelta(sourcePath, nil, reg)
	require.NoError(t, err)

	destPath := writeLog(t, dir, "dest.ndjson", nil)
	limiter := rate.NewLimiter(rate.Inf, 10)
	res, err := ImportDeltaWithLimiter(context.Background(), destPath, bundle, reg, limiter)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.ImportedCount)
}

func TestImportDelta_UnknownBundleType(t *testing.T) {
	dir := t.TempDir()
	destPath := filepath.Join(dir, "dest.ndjson")
	require.NoError(t, os.WriteFile(destPath, []byte(""), 0o644))

	res, err := ImportDelta(destPath, []byte(`{"type":"not_a_delta"}`+"\n"), keyring.NewRegistry())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Errors[0], "unknown delta type")
}
