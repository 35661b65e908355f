// Package reducer implements the four-namespace deterministic reducer (C5):
// a pure function from an event sequence to materialized belief state, with
// an internal evidence index for conflict analysis and contested-belief
// reporting.
package reducer

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/provara/provara/pkg/canonicaljson"
)

const (
	Name    = "SovereignReducerV0"
	Version = "0.2.0"

	DefaultConflictConfidenceThreshold = 0.50
	DefaultObservationConfidence       = 0.50
	DefaultAssertionConfidence         = 0.35
)

// Evidence is one observation/assertion contributing to a belief key.
type Evidence struct {
	EventID      string  `json:"event_id"`
	Actor        string  `json:"actor"`
	Namespace    string  `json:"namespace"`
	TimestampUTC *string `json:"timestamp_utc"`
	Value        any     `json:"value"`
	Confidence   float64 `json:"confidence"`
}

func (e Evidence) toMap() map[string]any {
	m := map[string]any{
		"event_id":   e.EventID,
		"actor":      e.Actor,
		"namespace":  e.Namespace,
		"value":      e.Value,
		"confidence": e.Confidence,
	}
	if e.TimestampUTC != nil {
		m["timestamp_utc"] = *e.TimestampUTC
	} else {
		m["timestamp_utc"] = nil
	}
	return m
}

// CanonicalEntry is canonical[K].
type CanonicalEntry struct {
	Value             any    `json:"value"`
	AttestedBy        string `json:"attested_by"`
	Provenance        string `json:"provenance"`
	AttestationEventID string `json:"attestation_event_id"`
}

// LocalEntry is local[K].
type LocalEntry struct {
	Value         any     `json:"value"`
	Confidence    float64 `json:"confidence"`
	Provenance    string  `json:"provenance"`
	Actor         string  `json:"actor"`
	Timestamp     *string `json:"timestamp"`
	EvidenceCount int     `json:"evidence_count"`
}

// ContestedEntry is contested[K].
type ContestedEntry struct {
	Status             string                      `json:"status"`
	Reason             string                      `json:"reason"`
	CanonicalValue     any                         `json:"canonical_value"`
	EvidenceByValue    map[string][]map[string]any `json:"evidence_by_value"`
	TotalEvidenceCount int                         `json:"total_evidence_count"`
}

// ArchivedEntry is one entry in archived[K], a value-copy of a prior
// canonical entry with supersession metadata.
type ArchivedEntry struct {
	Value              any    `json:"value"`
	AttestedBy         string `json:"attested_by"`
	Provenance         string `json:"provenance"`
	AttestationEventID string `json:"attestation_event_id"`
	SupersededBy       string `json:"superseded_by"`
	Retracted          bool   `json:"retracted,omitempty"`
}

// Epoch is metadata.current_epoch.
type Epoch struct {
	EpochID              any `json:"epoch_id"`
	ReducerHash          any `json:"reducer_hash"`
	EffectiveFromEventID any `json:"effective_from_event_id"`
	OntologyVersions     any `json:"ontology_versions"`
}

// ReducerMeta describes the reducer implementation that produced a state.
type ReducerMeta struct {
	Name                        string  `json:"name"`
	Version                     string  `json:"version"`
	ConflictConfidenceThreshold float64 `json:"conflict_confidence_threshold"`
}

// Metadata is state.metadata.
type Metadata struct {
	LastEventID   *string      `json:"last_event_id"`
	EventCount    int          `json:"event_count"`
	StateHash     string       `json:"state_hash"`
	CurrentEpoch  *Epoch       `json:"current_epoch"`
	Reducer       ReducerMeta  `json:"reducer"`
}

// State is the full reducer output (§3 Reducer State).
type State struct {
	Canonical map[string]*CanonicalEntry `json:"canonical"`
	Local     map[string]*LocalEntry     `json:"local"`
	Contested map[string]*ContestedEntry `json:"contested"`
	Archived  map[string][]*ArchivedEntry `json:"archived"`
	Metadata  Metadata                   `json:"metadata"`
}

// Reducer is the stateful, mutable accumulator driving State; Replay wraps
// it into the pure contract spec.md §4.5 requires.
type Reducer struct {
	threshold float64
	state     *State
	evidence  map[string][]Evidence
}

// New constructs a reducer with the given conflict-confidence threshold.
func New(threshold float64) *Reducer {
	r := &Reducer{
		threshold: threshold,
		state: &State{
			Canonical: map[string]*CanonicalEntry{},
			Local:     map[string]*LocalEntry{},
			Contested: map[string]*ContestedEntry{},
			Archived:  map[string][]*ArchivedEntry{},
			Metadata: Metadata{
				Reducer: ReducerMeta{Name: Name, Version: Version, ConflictConfidenceThreshold: threshold},
			},
		},
		evidence: map[string][]Evidence{},
	}
	r.state.Metadata.StateHash = r.computeStateHash()
	return r
}

// BeliefKey formats K = "subject:predicate".
func BeliefKey(subject, predicate string) string {
	return subject + ":" + predicate
}

// RawEvent is the generic shape ApplyEvent consumes — decoupled from
// package event's typed Event to keep the reducer a dependency-free pure
// function, matching the Python original's "this reducer does NOT verify
// signatures or hash-chains" boundary.
type RawEvent struct {
	Type      string
	EventID   string
	Actor     string
	Namespace string
	Payload   map[string]any
}

// ApplyEvents feeds a sequence through ApplyEvent, recomputing state_hash
// once at the end (the batch-efficient path).
func (r *Reducer) ApplyEvents(events []RawEvent) {
	for _, e := range events {
		r.applyInternal(e)
	}
	r.state.Metadata.StateHash = r.computeStateHash()
}

// ApplyEvent applies one event and immediately recomputes state_hash (the
// streaming-friendly path).
func (r *Reducer) ApplyEvent(e RawEvent) {
	r.applyInternal(e)
	r.state.Metadata.StateHash = r.computeStateHash()
}

func (r *Reducer) applyInternal(e RawEvent) {
	eventID := e.EventID
	if eventID == "" {
		eventID = "unknown_event"
	}
	actor := e.Actor
	if actor == "" {
		actor = "unknown"
	}
	namespace := normalizeNamespace(e.Namespace)
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	switch e.Type {
	case "OBSERVATION":
		r.handleObservation(eventID, actor, namespace, payload, false)
	case "ASSERTION":
		r.handleObservation(eventID, actor, namespace, payload, true)
	case "ATTESTATION":
		r.handleAttestation(eventID, actor, payload)
	case "RETRACTION":
		r.handleRetraction(eventID, actor, payload)
	case "REDUCER_EPOCH":
		r.handleReducerEpoch(eventID, payload)
	default:
		// Unknown/extension types (including empty-dict events, per
		// spec.md §9's permissive-leniency open question): counted toward
		// event_count below, namespaces untouched.
	}

	r.state.Metadata.LastEventID = &eventID
	r.state.Metadata.EventCount++
}

func normalizeNamespace(raw string) string {
	switch raw {
	case "canonical", "local", "contested", "archived":
		return raw
	default:
		return "local"
	}
}

func safeFloat(val any, def float64) float64 {
	if val == nil {
		return def
	}
	switch t := val.(type) {
	case float64:
		if math.IsNaN(t) {
			return def
		}
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil || math.IsNaN(f) {
			return def
		}
		return f
	default:
		return def
	}
}

func stringOrNil(v any) *string {
	if v == nil {
		return nil
	}
	s := fmt.Sprintf("%v", v)
	return &s
}

func (r *Reducer) handleObservation(eventID, actor, namespace string, payload map[string]any, isAssertion bool) {
	subject, _ := payload["subject"].(string)
	predicate, _ := payload["predicate"].(string)
	if subject == "" || predicate == "" {
		return
	}

	key := BeliefKey(subject, predicate)
	value := payload["value"]
	defaultConf := DefaultObservationConfidence
	if isAssertion {
		defaultConf = DefaultAssertionConfidence
	}
	confidence := safeFloat(payload["confidence"], defaultConf)

	var ts any
	if v, ok := payload["timestamp"]; ok {
		ts = v
	} else if v, ok := payload["timestamp_utc"]; ok {
		ts = v
	}

	ev := Evidence{
		EventID:      eventID,
		Actor:        actor,
		Namespace:    namespace,
		TimestampUTC: stringOrNil(ts),
		Value:        value,
		Confidence:   confidence,
	}
	r.evidence[key] = append(r.evidence[key], ev)

	canonicalEntry := r.state.Canonical[key]
	localEntry := r.state.Local[key]

	// Case 1: conflicts with canonical.
	if canonicalEntry != nil && !valuesEqual(canonicalEntry.Value, value) && confidence >= r.threshold {
		r.markContested(key, "conflicts_with_canonical")
		return
	}

	// Case 2: conflicts with existing local.
	if localEntry != nil && !valuesEqual(localEntry.Value, value) {
		prevConf := localEntry.Confidence
		if math.Max(prevConf, confidence) >= r.threshold {
			r.markContested(key, "conflicts_with_local")
			return
		}
	}

	// Case 3: agreeing evidence, weaker confidence — keep existing.
	if localEntry != nil && valuesEqual(localEntry.Value, value) {
		if confidence <= localEntry.Confidence {
			return
		}
	}

	// Case 4: new or strengthened local entry.
	r.state.Local[key] = &LocalEntry{
		Value:         value,
		Confidence:    confidence,
		Provenance:    eventID,
		Actor:         actor,
		Timestamp:     stringOrNil(ts),
		EvidenceCount: len(r.evidence[key]),
	}
}

func (r *Reducer) handleAttestation(eventID, actor string, payload map[string]any) {
	subject, _ := payload["subject"].(string)
	predicate, _ := payload["predicate"].(string)
	if subject == "" || predicate == "" {
		return
	}
	key := BeliefKey(subject, predicate)
	value := payload["value"]
	targetEventID, _ := payload["target_event_id"].(string)

	if existing := r.state.Canonical[key]; existing != nil {
		archived := &ArchivedEntry{
			Value:              existing.Value,
			AttestedBy:         existing.AttestedBy,
			Provenance:         existing.Provenance,
			AttestationEventID: existing.AttestationEventID,
			SupersededBy:       eventID,
		}
		r.state.Archived[key] = append(r.state.Archived[key], archived)
	}

	attestedBy := actor
	if akid, ok := payload["actor_key_id"].(string); ok && akid != "" {
		attestedBy = akid
	}
	provenance := eventID
	if targetEventID != "" {
		provenance = targetEventID
	}

	r.state.Canonical[key] = &CanonicalEntry{
		Value:              value,
		AttestedBy:         attestedBy,
		Provenance:         provenance,
		AttestationEventID: eventID,
	}

	delete(r.state.Local, key)
	delete(r.state.Contested, key)
}

func (r *Reducer) handleRetraction(eventID, actor string, payload map[string]any) {
	subject, _ := payload["subject"].(string)
	predicate, _ := payload["predicate"].(string)
	if subject == "" || predicate == "" {
		return
	}
	key := BeliefKey(subject, predicate)

	if existing := r.state.Canonical[key]; existing != nil {
		archived := &ArchivedEntry{
			Value:              existing.Value,
			AttestedBy:         existing.AttestedBy,
			Provenance:         existing.Provenance,
			AttestationEventID: existing.AttestationEventID,
			SupersededBy:       eventID,
			Retracted:          true,
		}
		r.state.Archived[key] = append(r.state.Archived[key], archived)
		delete(r.state.Canonical, key)
	}

	delete(r.state.Local, key)
	delete(r.state.Contested, key)
}

func (r *Reducer) handleReducerEpoch(eventID string, payload map[string]any) {
	effective := payload["effective_from_event_id"]
	if effective == nil {
		effective = eventID
	}
	r.state.Metadata.CurrentEpoch = &Epoch{
		EpochID:              payload["epoch_id"],
		ReducerHash:          payload["reducer_hash"],
		EffectiveFromEventID: effective,
		OntologyVersions:     payload["ontology_versions"],
	}
}

func (r *Reducer) markContested(key, reason string) {
	all := r.evidence[key]

	byValue := map[string][]map[string]any{}
	for _, ev := range all {
		valKey, err := canonicaljson.String(ev.Value)
		if err != nil {
			valKey = fmt.Sprintf("%v", ev.Value)
		}
		byValue[valKey] = append(byValue[valKey], ev.toMap())
	}

	var canonicalValue any
	if c := r.state.Canonical[key]; c != nil {
		canonicalValue = c.Value
	}

	r.state.Contested[key] = &ContestedEntry{
		Status:             "AWAITING_RESOLUTION",
		Reason:             reason,
		CanonicalValue:     canonicalValue,
		EvidenceByValue:    byValue,
		TotalEvidenceCount: len(all),
	}

	delete(r.state.Local, key)
}

func valuesEqual(a, b any) bool {
	ok, err := canonicaljson.Equal(a, b)
	if err != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return ok
}

// State returns the current materialized state (a snapshot reference; the
// caller must not mutate it).
func (r *Reducer) State() *State {
	return r.state
}

// ExportEvidence returns a copy of the internal evidence index keyed by
// belief key, for audit/debug tooling. The result is a map and carries no
// key order.
func (r *Reducer) ExportEvidence() map[string][]Evidence {
	out := make(map[string][]Evidence, len(r.evidence))
	keys := make([]string, 0, len(r.evidence))
	for k := range r.evidence {
		keys = append(keys, k)
		out[k] = r.evidence[k]
	}
	sort.Strings(keys)
	return out
}

// hashableView is the non-self-referential projection used for state_hash:
// it excludes metadata.state_hash itself so any verifier can recompute it
// independently (spec.md §3).
type hashableView struct {
	Canonical       map[string]*CanonicalEntry `json:"canonical"`
	Local           map[string]*LocalEntry     `json:"local"`
	Contested       map[string]*ContestedEntry `json:"contested"`
	Archived        map[string][]*ArchivedEntry `json:"archived"`
	MetadataPartial metadataPartial             `json:"metadata_partial"`
}

type metadataPartial struct {
	LastEventID  *string     `json:"last_event_id"`
	EventCount   int         `json:"event_count"`
	CurrentEpoch *Epoch      `json:"current_epoch"`
	Reducer      ReducerMeta `json:"reducer"`
}

func (r *Reducer) computeStateHash() string {
	view := hashableView{
		Canonical: r.state.Canonical,
		Local:     r.state.Local,
		Contested: r.state.Contested,
		Archived:  r.state.Archived,
		MetadataPartial: metadataPartial{
			LastEventID:  r.state.Metadata.LastEventID,
			EventCount:   r.state.Metadata.EventCount,
			CurrentEpoch: r.state.Metadata.CurrentEpoch,
			Reducer:      r.state.Metadata.Reducer,
		},
	}
	h, err := canonicaljson.Hash(view)
	if err != nil {
		// canonicaljson.Hash only errors on NaN/Infinity, which cannot occur
		// in reducer-constructed state (confidence is sanitized by
		// safeFloat); a failure here indicates a caller-supplied payload
		// smuggled a non-finite float through `value`, which canonical JSON
		// must still reject rather than hash.
		return "ERROR:" + err.Error()
	}
	return h
}

// RecomputeStateHash independently recomputes state_hash from s's own
// fields (excluding state_hash), for external verification without a live
// Reducer instance.
func RecomputeStateHash(s *State) (string, error) {
	view := hashableView{
		Canonical: s.Canonical,
		Local:     s.Local,
		Contested: s.Contested,
		Archived:  s.Archived,
		MetadataPartial: metadataPartial{
			LastEventID:  s.Metadata.LastEventID,
			EventCount:   s.Metadata.EventCount,
			CurrentEpoch: s.Metadata.CurrentEpoch,
			Reducer:      s.Metadata.Reducer,
		},
	}
	return canonicaljson.Hash(view)
}

// LoadCheckpointState installs cp's namespaces and partial metadata as the
// reducer's starting point (accelerated replay, §4.6), recomputing
// state_hash from the installed state.
func (r *Reducer) LoadCheckpointState(s *State) {
	if s == nil {
		return
	}
	r.state.Canonical = s.Canonical
	r.state.Local = s.Local
	r.state.Contested = s.Contested
	r.state.Archived = s.Archived
	r.state.Metadata.LastEventID = s.Metadata.LastEventID
	r.state.Metadata.EventCount = s.Metadata.EventCount
	r.state.Metadata.CurrentEpoch = s.Metadata.CurrentEpoch
	r.state.Metadata.Reducer = s.Metadata.Reducer
	r.state.Metadata.StateHash = r.computeStateHash()
}
