// Package event implements the event model, content-addressed identity,
// and per-actor causal chain verification (C4).
package event

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/provara/provara/pkg/canonicaljson"
	"github.com/provara/provara/pkg/keyring"
	"github.com/provara/provara/pkg/verrors"
	"golang.org/x/text/unicode/norm"
)

// Core event types named in spec.md §3. Any reverse-DNS string is also a
// valid extension type.
const (
	TypeGenesis       = "GENESIS"
	TypeObservation   = "OBSERVATION"
	TypeAssertion     = "ASSERTION"
	TypeAttestation   = "ATTESTATION"
	TypeRetraction    = "RETRACTION"
	TypeReducerEpoch  = "REDUCER_EPOCH"
	TypeKeyRevocation = "KEY_REVOCATION"
	TypeKeyPromotion  = "KEY_PROMOTION"
	TypeRedaction     = "com.provara.redaction"
	TypeCryptoShred   = "com.provara.crypto_shred"
	TypeMigration     = "com.provara.migration"
)

// Namespace is one of the reducer's four state buckets; unknown values
// normalize to Local.
type Namespace string

const (
	NamespaceCanonical Namespace = "canonical"
	NamespaceLocal     Namespace = "local"
	NamespaceContested Namespace = "contested"
	NamespaceArchived  Namespace = "archived"
)

// NormalizeNamespace maps any string to a valid Namespace, defaulting to
// local for unrecognized values (spec.md §3 "unknown values normalize to
// local").
func NormalizeNamespace(s string) Namespace {
	switch Namespace(s) {
	case NamespaceCanonical, NamespaceLocal, NamespaceContested, NamespaceArchived:
		return Namespace(s)
	default:
		return NamespaceLocal
	}
}

// Event is the mapping described in spec.md §3.
type Event struct {
	Type          string         `json:"type"`
	Namespace     string         `json:"namespace,omitempty"`
	Actor         string         `json:"actor"`
	ActorKeyID    string         `json:"actor_key_id"`
	TSLogical     *int64         `json:"ts_logical,omitempty"`
	TimestampUTC  string         `json:"timestamp_utc"`
	PrevEventHash *string        `json:"prev_event_hash"`
	Payload       map[string]any `json:"payload"`
	EventID       string         `json:"event_id"`
	Sig           string         `json:"sig"`
}

// BeliefPayload is the typed shape of payload for OBSERVATION/ASSERTION
// events (spec.md §9's tagged-variant guidance).
type BeliefPayload struct {
	Subject    string `json:"subject"`
	Predicate  string `json:"predicate"`
	Value      any    `json:"value"`
	Confidence any    `json:"confidence,omitempty"`
}

// ToMap renders a BeliefPayload as the opaque map an Event.Payload holds,
// NFC-normalizing the free-form subject/predicate strings so that
// visually-identical subjects and predicates never diverge on Unicode form.
func (b BeliefPayload) ToMap() map[string]any {
	m := map[string]any{
		"subject":   norm.NFC.String(b.Subject),
		"predicate": norm.NFC.String(b.Predicate),
		"value":     b.Value,
	}
	if b.Confidence != nil {
		m["confidence"] = b.Confidence
	}
	return m
}

// canonicalMapMinus returns a map[string]any for e with the named fields
// omitted, suitable for canonicalization ahead of hashing or signing.
func (e *Event) canonicalMapMinus(omit ...string) map[string]any {
	m := map[string]any{
		"type":            e.Type,
		"actor":           e.Actor,
		"actor_key_id":    e.ActorKeyID,
		"timestamp_utc":   e.TimestampUTC,
		"prev_event_hash": e.PrevEventHash,
		"payload":         e.Payload,
	}
	if e.Namespace != "" {
		m["namespace"] = e.Namespace
	}
	if e.TSLogical != nil {
		m["ts_logical"] = *e.TSLogical
	}
	m["event_id"] = e.EventID
	m["sig"] = e.Sig

	for _, k := range omit {
		delete(m, k)
	}
	return m
}

// DeriveEventID computes event_id = "evt_" + first 24 hex chars of SHA-256
// over the canonical JSON of e minus event_id and sig.
func (e *Event) DeriveEventID() (string, error) {
	m := e.canonicalMapMinus("event_id", "sig")
	b, err := canonicaljson.Bytes(m)
	if err != nil {
		return "", fmt.Errorf("event: canonicalize for id: %w", err)
	}
	sum := sha256.Sum256(b)
	return "evt_" + hex.EncodeToString(sum[:])[:24], nil
}

// VerifyEventID reports whether e.EventID matches its declared derivation.
func (e *Event) VerifyEventID() bool {
	want, err := e.DeriveEventID()
	if err != nil {
		return false
	}
	return want == e.EventID
}

// bytesForSigning returns the canonical JSON of e minus sig only (event_id
// is included, matching spec.md §4.3 step 2/§3's "canonical JSON of the
// event minus sig only").
func (e *Event) bytesForSigning() ([]byte, error) {
	m := e.canonicalMapMinus("sig")
	return canonicaljson.Bytes(m)
}

// Sign fills ActorKeyID, EventID, and Sig per the append rule (§4.3-4.4).
func (e *Event) Sign(priv ed25519.PrivateKey, kid string) error {
	e.ActorKeyID = kid
	id, err := e.DeriveEventID()
	if err != nil {
		return err
	}
	e.EventID = id

	b, err := e.bytesForSigning()
	if err != nil {
		return err
	}
	e.Sig = keyring.SignBytes(priv, b)
	return nil
}

// VerifySignature is total: it returns false on any missing field,
// malformed base64, or verification failure; it never panics or errors.
func (e *Event) VerifySignature(pub ed25519.PublicKey) bool {
	if e == nil || e.Sig == "" || e.ActorKeyID == "" {
		return false
	}
	b, err := e.bytesForSigning()
	if err != nil {
		return false
	}
	return keyring.VerifyBytes(pub, b, e.Sig)
}

// New constructs an unsigned event with prevEventHash/tsLogical already
// resolved by the caller (the append rule, §4.4, steps 1-2) and fills
// timestamp_utc with the current UTC time (step 3).
func New(typ, namespace, actor string, payload map[string]any, prevEventHash *string, tsLogical *int64) *Event {
	return &Event{
		Type:          typ,
		Namespace:     namespace,
		Actor:         actor,
		TSLogical:     tsLogical,
		TimestampUTC:  time.Now().UTC().Format(time.RFC3339Nano),
		PrevEventHash: prevEventHash,
		Payload:       payload,
	}
}

// VerifyChain checks invariants 3 and 4 of spec.md §3 for actor across log
// (events in file order, unfiltered). It is total: problems are collected,
// never panicked.
func VerifyChain(log []*Event, actor string) []verrors.Problem {
	var problems []verrors.Problem
	var prevID *string
	seenAny := false

	for _, e := range log {
		if e.Actor != actor {
			continue
		}
		if !seenAny {
			if e.PrevEventHash != nil {
				problems = append(problems, verrors.Problem{
					Code:    verrors.CodeBrokenCausalChain,
					Message: fmt.Sprintf("first event for actor %s has non-null prev_event_hash", actor),
					Detail:  map[string]any{"event_id": e.EventID},
				})
			}
			seenAny = true
		} else {
			if e.PrevEventHash == nil || prevID == nil || *e.PrevEventHash != *prevID {
				problems = append(problems, verrors.Problem{
					Code:    verrors.CodeBrokenCausalChain,
					Message: fmt.Sprintf("event %s does not chain from actor %s's previous event", e.EventID, actor),
					Detail:  map[string]any{"event_id": e.EventID},
				})
			}
		}
		id := e.EventID
		prevID = &id
	}
	return problems
}

// ForkGroup is a set of events sharing (actor, prev_event_hash) of size >=2.
type ForkGroup struct {
	Actor         string
	PrevEventHash *string
	Events        []*Event
}

// DetectForks groups events by (actor, prev_event_hash) and returns every
// group of size >= 2 (§4.4 Fork detection).
func DetectForks(log []*Event) []ForkGroup {
	type key struct {
		actor string
		prev  string // "" sentinel for null, disambiguated by hasPrev
		has   bool
	}
	groups := map[key][]*Event{}
	order := []key{}

	for _, e := range log {
		var k key
		k.actor = e.Actor
		if e.PrevEventHash != nil {
			k.prev = *e.PrevEventHash
			k.has = true
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var forks []ForkGroup
	for _, k := range order {
		evs := groups[k]
		if len(evs) < 2 {
			continue
		}
		fg := ForkGroup{Actor: k.actor, Events: evs}
		if k.has {
			prev := k.prev
			fg.PrevEventHash = &prev
		}
		forks = append(forks, fg)
	}
	return forks
}

// EventIDUnique reports whether event_id is unique across log (invariant 5).
func EventIDUnique(log []*Event) []verrors.Problem {
	seen := map[string]bool{}
	var problems []verrors.Problem
	for _, e := range log {
		if seen[e.EventID] {
			problems = append(problems, verrors.Problem{
				Code:    verrors.CodeHashMismatch,
				Message: fmt.Sprintf("duplicate event_id %s", e.EventID),
			})
		}
		seen[e.EventID] = true
	}
	return problems
}

// LastEventFor returns the most recent event by this actor in file order,
// or nil if none exists.
func LastEventFor(log []*Event, actor string) *Event {
	var last *Event
	for _, e := range log {
		if e.Actor == actor {
			last = e
		}
	}
	return last
}

// MaxTSLogical returns the highest ts_logical seen for actor, or -1 if none.
func MaxTSLogical(log []*Event, actor string) int64 {
	max := int64(-1)
	for _, e := range log {
		if e.Actor == actor && e.TSLogical != nil && *e.TSLogical > max {
			max = *e.TSLogical
		}
	}
	return max
}
