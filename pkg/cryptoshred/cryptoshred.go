// Package cryptoshred implements crypto-shredding (C10): event payloads
// are wrapped in AES-256-GCM before they are ever written to the
// append-only log, with per-event data-encryption-keys held only in a
// mutable SQLite sidecar (identity/privacy_keys.db) outside the log.
// GDPR Art. 17 erasure is achieved by deleting a DEK row: the ciphertext
// in the signed, hash-chained event becomes permanently unrecoverable
// while event_id, sig and chain linkage are untouched.
package cryptoshred

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	_ "modernc.org/sqlite"

	"github.com/provara/provara/pkg/event"
)

const privacyMarker = "_privacy"
const privacyAlgo = "aes-gcm-v1"
const defaultActor = "provara_privacy_authority"

// KeyStore is the mutable SQLite sidecar holding per-event DEKs. It lives
// outside the append-only event log so that deleting a row ("shredding")
// never mutates or re-signs any event.
type KeyStore struct {
	db *sql.DB
}

// OpenKeyStore opens (and migrates) the sidecar database at db. Callers
// typically pass a *sql.DB opened against identity/privacy_keys.db with
// the modernc.org/sqlite driver.
func OpenKeyStore(db *sql.DB) (*KeyStore, error) {
	s := &KeyStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeyStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS privacy_keys (
		key_id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		wrapped_dek BLOB NOT NULL,
		wrap_nonce BLOB NOT NULL,
		created_at_utc TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// putDEK wraps dek under the store's root seed and persists it keyed by
// kid. kid is independent of any Ed25519 key registry key id; it is a
// per-event identifier minted at encrypt time.
func (s *KeyStore) putDEK(ctx context.Context, root []byte, kid, eventID, actor string, dek []byte) error {
	wrapKey, err := deriveWrapKey(root, kid)
	if err != nil {
		return err
	}
	wrapped, nonce, err := aesGCMSeal(wrapKey, dek)
	if err != nil {
		return fmt.Errorf("cryptoshred: wrap dek: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO privacy_keys (key_id, event_id, actor, wrapped_dek, wrap_nonce, created_at_utc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		kid, eventID, actor, wrapped, nonce, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cryptoshred: store dek: %w", err)
	}
	return nil
}

// getDEK recovers a previously stored DEK, or (nil, false, nil) if kid
// has been shredded (or never existed).
func (s *KeyStore) getDEK(ctx context.Context, root []byte, kid string) ([]byte, bool, error) {
	var wrapped, nonce []byte
	err := s.db.QueryRowContext(ctx, `SELECT wrapped_dek, wrap_nonce FROM privacy_keys WHERE key_id = ?`, kid).Scan(&wrapped, &nonce)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cryptoshred: read dek: %w", err)
	}
	wrapKey, err := deriveWrapKey(root, kid)
	if err != nil {
		return nil, false, err
	}
	dek, err := aesGCMOpen(wrapKey, nonce, wrapped)
	if err != nil {
		return nil, false, fmt.Errorf("cryptoshred: unwrap dek: %w", err)
	}
	return dek, true, nil
}

// DeleteDEK destroys kid's wrapped DEK. Once gone, every ciphertext ever
// produced under kid is permanently unrecoverable; this is the entire
// mechanism of crypto-shredding.
func (s *KeyStore) DeleteDEK(ctx context.Context, kid string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM privacy_keys WHERE key_id = ?`, kid)
	if err != nil {
		return false, fmt.Errorf("cryptoshred: delete dek: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// KeyIDsForActor returns every DEK key_id ever minted for actor, for bulk
// ShredActor use.
func (s *KeyStore) KeyIDsForActor(ctx context.Context, actor string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id FROM privacy_keys WHERE actor = ?`, actor)
	if err != nil {
		return nil, fmt.Errorf("cryptoshred: list actor deks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deriveWrapKey derives a per-DEK wrapping key from root via HKDF-SHA256,
// mirroring the tenant-key-derivation idiom used elsewhere in this
// codebase: a single root secret never directly encrypts data, only
// derives disposable per-context keys.
func deriveWrapKey(root []byte, kid string) ([]byte, error) {
	reader := hkdf.New(sha256.New, root, []byte("provara-privacy-kdf"), []byte(kid))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("cryptoshred: derive wrap key: %w", err)
	}
	return key, nil
}

func aesGCMSeal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func aesGCMOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// EncryptedPayload is the wrapper shape stored as an event's payload when
// the event's data is privacy-sensitive.
type EncryptedPayload struct {
	Privacy    string `json:"_privacy"`
	KeyID      string `json:"kid"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptPayload seals plain (an arbitrary event payload) under a fresh
// per-event DEK, stores that DEK (wrapped) in store keyed by a newly
// minted key id, and returns the wrapper map to use as the event's actual
// payload plus the minted key id.
func EncryptPayload(ctx context.Context, store *KeyStore, root []byte, eventID, actor string, plain map[string]any) (map[string]any, string, error) {
	plainBytes, err := jsonMarshal(plain)
	if err != nil {
		return nil, "", fmt.Errorf("cryptoshred: marshal plaintext payload: %w", err)
	}

	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, "", fmt.Errorf("cryptoshred: generate dek: %w", err)
	}
	ciphertext, nonce, err := aesGCMSeal(dek, plainBytes)
	if err != nil {
		return nil, "", fmt.Errorf("cryptoshred: seal payload: %w", err)
	}

	kid, err := newDEKID()
	if err != nil {
		return nil, "", err
	}
	if err := store.putDEK(ctx, root, kid, eventID, actor, dek); err != nil {
		return nil, "", err
	}

	wrapper := map[string]any{
		privacyMarker: privacyAlgo,
		"kid":         kid,
		"nonce":       b64(nonce),
		"ciphertext":  b64(ciphertext),
	}
	return wrapper, kid, nil
}

// IsEncrypted reports whether payload is a cryptoshred wrapper.
func IsEncrypted(payload map[string]any) bool {
	v, _ := payload[privacyMarker].(string)
	return v == privacyAlgo
}

// DecryptPayload reverses EncryptPayload. It returns (nil, false, nil) if
// the wrapper's DEK has been shredded — the caller should treat the event
// as "erased" rather than as an error.
func DecryptPayload(ctx context.Context, store *KeyStore, root []byte, payload map[string]any) (map[string]any, bool, error) {
	if !IsEncrypted(payload) {
		return payload, true, nil
	}
	kid, _ := payload["kid"].(string)
	nonceB64, _ := payload["nonce"].(string)
	ctB64, _ := payload["ciphertext"].(string)

	dek, ok, err := store.getDEK(ctx, root, kid)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	nonce, err := unb64(nonceB64)
	if err != nil {
		return nil, false, fmt.Errorf("cryptoshred: decode nonce: %w", err)
	}
	ciphertext, err := unb64(ctB64)
	if err != nil {
		return nil, false, fmt.Errorf("cryptoshred: decode ciphertext: %w", err)
	}
	plainBytes, err := aesGCMOpen(dek, nonce, ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("cryptoshred: decrypt payload: %w", err)
	}

	var plain map[string]any
	if err := jsonUnmarshal(plainBytes, &plain); err != nil {
		return nil, false, fmt.Errorf("cryptoshred: unmarshal plaintext payload: %w", err)
	}
	return plain, true, nil
}

// ShredResult reports the outcome of destroying one event's DEK.
type ShredResult struct {
	EventID         string
	ShredEventID    string
	AlreadyShredded bool
}

// ShredEvent appends a com.provara.crypto_shred event recording the
// erasure of targetEventID, then destroys its DEK. The target event
// itself is never rewritten — unlike redaction, crypto-shred requires no
// payload mutation, because the payload was already unreadable ciphertext
// and deleting its DEK is what makes it unrecoverable.
func ShredEvent(ctx context.Context, store *KeyStore, log []*event.Event, targetEventID, reason, authority string, priv shredSigner, kid string) (*ShredResult, []*event.Event, error) {
	var target *event.Event
	for _, e := range log {
		if e.EventID == targetEventID {
			target = e
			break
		}
	}
	if target == nil {
		return nil, nil, fmt.Errorf("cryptoshred: target event %q not found", targetEventID)
	}
	if !IsEncrypted(target.Payload) {
		return nil, nil, fmt.Errorf("cryptoshred: target event %q has no encrypted payload to shred", targetEventID)
	}
	dekKID, _ := target.Payload["kid"].(string)

	payload := map[string]any{
		"target_event_id": targetEventID,
		"reason":          reason,
		"authority":       authority,
		"shredded_at_utc": time.Now().UTC().Format(time.RFC3339Nano),
	}
	shredEvent, updatedLog, err := appendActorEvent(event.TypeCryptoShred, payload, defaultActor, log, priv, kid)
	if err != nil {
		return nil, nil, err
	}

	destroyed, err := store.DeleteDEK(ctx, dekKID)
	if err != nil {
		return nil, nil, err
	}

	return &ShredResult{EventID: targetEventID, ShredEventID: shredEvent.EventID, AlreadyShredded: !destroyed}, updatedLog, nil
}

// ShredActor runs ShredEvent for every encrypted event by actorID in log
// whose DEK key id is recorded for actorID in store, appending one
// com.provara.crypto_shred event per affected event id, chained after the
// provara_privacy_authority actor's most recent event. DEKs recorded for
// actorID whose events are not in log are left in place. It is the bulk form of ShredEvent
// used to service a single GDPR erasure request covering all of an
// actor's contributions to the log.
func ShredActor(ctx context.Context, store *KeyStore, log []*event.Event, actorID, reason, authority string, priv shredSigner, kid string) ([]*ShredResult, []*event.Event, error) {
	dekIDs, err := store.KeyIDsForActor(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}

	var results []*ShredResult
	currentLog := log
	for _, e := range log {
		if e.Actor != actorID || !IsEncrypted(e.Payload) {
			continue
		}
		targetKID, _ := e.Payload["kid"].(string)
		if !containsID(dekIDs, targetKID) {
			continue
		}
		res, nextLog, err := ShredEvent(ctx, store, currentLog, e.EventID, reason, authority, priv, kid)
		if err != nil {
			return results, currentLog, err
		}
		currentLog = nextLog
		results = append(results, res)
	}
	return results, currentLog, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// newDEKID mints a random DEK identifier, independent of any event id —
// the event carrying an encrypted payload does not exist yet (its
// event_id is derived from that payload) when the DEK must be created.
func newDEKID() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("cryptoshred: generate dek id: %w", err)
	}
	return "dek_" + hex16(b), nil
}
