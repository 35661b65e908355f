// Package rotation implements the key-rotation and redaction protocol
// (C9): a two-event KEY_REVOCATION/KEY_PROMOTION sequence that can never
// be self-authorized by the key it replaces, and the sole permitted
// mutation of a signed event — tombstone redaction.
package rotation

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/provara/provara/pkg/canonicaljson"
	"github.com/provara/provara/pkg/event"
	"github.com/provara/provara/pkg/keyring"
)

const defaultRotationActor = "key_rotation_authority"

// Result reports the outcome of a rotation attempt.
type Result struct {
	Success           bool
	RevocationEventID string
	PromotionEventID  string
	NewKeyID          string
	OldKeyID          string
	SignedBy          string
	Errors            []string
	Warnings          []string
}

// RotateKey revokes compromisedKeyID and promotes newPub, appending exactly
// two canonical/namespace events signed by signingPriv/signingKeyID. It
// refuses outright — before writing anything — if signingKeyID equals
// compromisedKeyID (spec.md's self-sign blocking constraint), if either
// key is missing from reg, or if the signing key is revoked. A compromised
// key that is already revoked only adds a warning; the rotation proceeds.
func RotateKey(
	reg *keyring.Registry,
	compromisedKeyID string,
	signingPriv ed25519.PrivateKey,
	signingKeyID string,
	newPub ed25519.PublicKey,
	newKeyRoles []string,
	trustBoundaryEventID *string,
	priorEventsForActor []*event.Event,
) (*Result, []*event.Event, error) {
	res := &Result{OldKeyID: compromisedKeyID}

	if signingKeyID == compromisedKeyID {
		res.Errors = append(res.Errors, "security violation: cannot sign rotation with the compromised key")
		return res, nil, nil
	}

	compromised, ok := reg.Get(compromisedKeyID)
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("compromised key %q not found", compromisedKeyID))
		return res, nil, nil
	}
	if compromised.Status == keyring.StatusRevoked {
		res.Warnings = append(res.Warnings, fmt.Sprintf("key %q is already revoked", compromisedKeyID))
	}

	signer, ok := reg.Get(signingKeyID)
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("signing key %q not found; it must be a pre-existing trusted authority", signingKeyID))
		return res, nil, nil
	}
	if signer.Status == keyring.StatusRevoked {
		res.Errors = append(res.Errors, fmt.Sprintf("signing key %q is revoked", signingKeyID))
		return res, nil, nil
	}

	newKeyID := keyring.KeyIDFromPublicBytes(newPub)
	res.NewKeyID = newKeyID

	if len(newKeyRoles) == 0 {
		newKeyRoles = compromised.Roles
	}

	var trustBoundary any
	if trustBoundaryEventID != nil {
		trustBoundary = *trustBoundaryEventID
	}
	revocationPayload := map[string]any{
		"revoked_key_id":          compromisedKeyID,
		"reason":                  "key_compromise",
		"trust_boundary_event_id": trustBoundary,
		"revoked_at_utc":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	revocationEvent, updated, err := appendActorEvent(event.TypeKeyRevocation, revocationPayload, defaultRotationActor, priorEventsForActor, signingPriv, signingKeyID)
	if err != nil {
		return res, nil, err
	}
	res.RevocationEventID = revocationEvent.EventID

	promotionPayload := map[string]any{
		"new_key_id":         newKeyID,
		"new_public_key_b64": publicKeyB64(newPub),
		"algorithm":          "ed25519",
		"roles":              newKeyRoles,
		"promoted_by":        signingKeyID,
		"replaces_key_id":    compromisedKeyID,
		"promoted_at_utc":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	promotionEvent, updated2, err := appendActorEvent(event.TypeKeyPromotion, promotionPayload, defaultRotationActor, updated, signingPriv, signingKeyID)
	if err != nil {
		return res, nil, err
	}
	res.PromotionEventID = promotionEvent.EventID

	res.SignedBy = signingKeyID
	res.Success = true
	return res, updated2, nil
}

// appendActorEvent chains a new canonical-namespace event after actor's
// most recent event in log, signs it, and returns both the new event and
// log+event for the caller to persist.
func appendActorEvent(typ string, payload map[string]any, actor string, log []*event.Event, priv ed25519.PrivateKey, kid string) (*event.Event, []*event.Event, error) {
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
		return nil, nil, fmt.Errorf("rotation: sign %s: %w", typ, err)
	}
	return e, append(log, e), nil
}

func publicKeyB64(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ApplyToRegistry produces a new Registry snapshot reflecting a completed
// rotation: compromisedKeyID flips to revoked and a new active entry for
// newKeyID is admitted. Per spec.md §9, rotation never mutates a shared
// registry in place; callers persist the returned snapshot as the vault's
// new identity/keys.json.
func ApplyToRegistry(reg *keyring.Registry, res *Result, newPub ed25519.PublicKey, scopes []string, roles []string) (*keyring.Registry, error) {
	if !res.Success {
		return nil, fmt.Errorf("rotation: cannot apply a failed rotation result")
	}
	next := keyring.NewRegistry()
	for _, kid := range reg.SortedKeyIDs() {
		k, _ := reg.Get(kid)
		clone := *k
		if kid == res.OldKeyID {
			clone.Status = keyring.StatusRevoked
			clone.RevokedAtUTC = time.Now().UTC().Format(time.RFC3339Nano)
			clone.RevocationEventID = res.RevocationEventID
		}
		next.Admit(&clone)
	}
	next.Admit(&keyring.Key{
		KeyID:            res.NewKeyID,
		Algorithm:        "ed25519",
		PublicKeyB64:     publicKeyB64(newPub),
		Status:           keyring.StatusActive,
		Roles:            roles,
		Scopes:           scopes,
		PromotionEventID: res.PromotionEventID,
	})
	return next, nil
}

// EventCheck is one verification finding for VerifyRotationEvents.
type EventCheck struct {
	EventID          string
	Type             string
	SignerKeyID      string
	SignaturePresent bool
	SignatureValid   bool
	SignerWasActive  bool
	SelfSigned       bool
	Issues           []string
}

// VerifyRotationEvents scans log for KEY_REVOCATION/KEY_PROMOTION events
// and reports, for each, whether its signer was active (not yet revoked)
// at the time it signed, whether the event was self-signed by its own
// subject key, and whether its signature verifies against allKeys
// (including revoked keys, which remain resolvable for historical audit).
func VerifyRotationEvents(log []*event.Event, allKeys map[string]ed25519.PublicKey) []EventCheck {
	var checks []EventCheck
	revokedAtEvent := map[string]string{}

	for _, e := range log {
		if e.Type != event.TypeKeyRevocation && e.Type != event.TypeKeyPromotion {
			continue
		}

		check := EventCheck{
			EventID:          e.EventID,
			Type:             e.Type,
			SignerKeyID:      e.ActorKeyID,
			SignaturePresent: e.Sig != "",
			SignerWasActive:  true,
		}

		if revokedEvt, ok := revokedAtEvent[e.ActorKeyID]; ok {
			check.SignerWasActive = false
			check.Issues = append(check.Issues, fmt.Sprintf("signed by revoked key %q (revoked at event %s)", e.ActorKeyID, revokedEvt))
		}

		if e.Type == event.TypeKeyRevocation {
			revokedKID, _ := e.Payload["revoked_key_id"].(string)
			if e.ActorKeyID == revokedKID {
				check.SelfSigned = true
				check.Issues = append(check.Issues, "security: revocation is self-signed by the revoked key")
			}
			if revokedKID != "" {
				revokedAtEvent[revokedKID] = e.EventID
			}
		}
		if e.Type == event.TypeKeyPromotion {
			newKID, _ := e.Payload["new_key_id"].(string)
			if e.ActorKeyID == newKID {
				check.SelfSigned = true
				check.Issues = append(check.Issues, "security: promotion is self-signed by the promoted key")
			}
		}

		if pub, ok := allKeys[e.ActorKeyID]; ok {
			check.SignatureValid = e.VerifySignature(pub)
			if !check.SignatureValid {
				check.Issues = append(check.Issues, "signature verification failed")
			}
		} else {
			check.Issues = append(check.Issues, fmt.Sprintf("public key for signer %q not found", e.ActorKeyID))
		}

		checks = append(checks, check)
	}
	return checks
}

// Tombstone is the payload a redacted event's payload is rewritten to.
type Tombstone struct {
	Redacted            bool   `json:"redacted"`
	RedactionEventID    string `json:"redaction_event_id"`
	OriginalPayloadHash string `json:"original_payload_hash"`
	RedactionReason     string `json:"redaction_reason"`
}

// RedactEvent appends a com.provara.redaction event and rewrites
// targetEventID's payload to a Tombstone, preserving its event_id and sig
// (the sole permitted mutation of a signed event, spec.md §4.9). It is
// idempotent: redacting an already-redacted event returns the existing
// redaction event without appending a second one.
func RedactEvent(log []*event.Event, targetEventID, reason, authority, redactionMethod, actor string, priv ed25519.PrivateKey, kid string) (*event.Event, []*event.Event, error) {
	if actor == "" {
		actor = "provara_redactor"
	}

	targetIdx := -1
	for i, e := range log {
		if e.EventID == targetEventID {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return nil, nil, fmt.Errorf("rotation: target event %q not found", targetEventID)
	}
	target := log[targetIdx]

	if redacted, _ := target.Payload["redacted"].(bool); redacted {
		if existingID, _ := target.Payload["redaction_event_id"].(string); existingID != "" {
			for _, e := range log {
				if e.EventID == existingID {
					return e, log, nil
				}
			}
		}
		return target, log, nil
	}

	originalHash, err := canonicaljson.Hash(target.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("rotation: hash original payload: %w", err)
	}

	redactionPayload := map[string]any{
		"target_event_id":  targetEventID,
		"reason":           reason,
		"reason_detail":    nil,
		"redaction_method": redactionMethod,
		"authority":        authority,
	}
	redactionEvent, updatedLog, err := appendActorEvent(event.TypeRedaction, redactionPayload, actor, log, priv, kid)
	if err != nil {
		return nil, nil, err
	}

	tombstone := Tombstone{
		Redacted:            true,
		RedactionEventID:    redactionEvent.EventID,
		OriginalPayloadHash: originalHash,
		RedactionReason:     reason,
	}
	tombstoneMap := map[string]any{
		"redacted":              tombstone.Redacted,
		"redaction_event_id":    tombstone.RedactionEventID,
		"original_payload_hash": tombstone.OriginalPayloadHash,
		"redaction_reason":      tombstone.RedactionReason,
	}

	newTarget := *target
	newTarget.Payload = tombstoneMap
	updatedLog[targetIdx] = &newTarget

	return redactionEvent, updatedLog, nil
}
