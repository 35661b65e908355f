// Package sync implements multi-device convergence over a vault's event
// log (C8): union merge with dedup, causal fork surfacing, fencing tokens
// that guard against stale writes racing a fresher device, and portable
// delta bundles for partial sync between backpacks that are not directly
// reachable.
package sync

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/provara/provara/pkg/canonicaljson"
	"github.com/provara/provara/pkg/event"
	"github.com/provara/provara/pkg/keyring"
	"golang.org/x/time/rate"
)

const DeltaBundleType = "provara_delta_v1"

// LoadEvents reads an NDJSON event log, skipping blank lines and lines
// that fail to decode rather than aborting the whole load.
func LoadEvents(path string) ([]*event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sync: open %s: %w", path, err)
	}
	defer f.Close()

	var events []*event.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		v, err := canonicaljson.Decode(line)
		if err != nil {
			continue
		}
		e, err := decodeEvent(v)
		if err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("sync: scan %s: %w", path, err)
	}
	return events, nil
}

// WriteEvents persists events as canonical-JSON NDJSON, one per line.
func WriteEvents(path string, events []*event.Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sync: mkdir: %w", err)
	}
	var buf bytes.Buffer
	for _, e := range events {
		b, err := canonicaljson.Bytes(e)
		if err != nil {
			return fmt.Errorf("sync: canonicalize %s: %w", e.EventID, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("sync: write temp: %w", err)
	}
	return os.Rename(tmp, path)
}

func decodeEvent(v any) (*event.Event, error) {
	b, err := canonicaljson.Bytes(v)
	if err != nil {
		return nil, err
	}
	var e event.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func eventContentHash(e *event.Event) string {
	if e.EventID != "" {
		return e.EventID
	}
	h, _ := canonicaljson.Hash(e)
	return h
}

// MergeResult is the outcome of union-merging two event logs.
type MergeResult struct {
	MergedEvents []*event.Event
	NewCount     int
	Conflicts    []string
	Forks        []event.ForkGroup
}

// MergeEventLogs loads both logs, unions them deduped by event_id, sorts
// deterministically by (timestamp_utc, event_id), and reports any causal
// forks the union surfaces.
func MergeEventLogs(localPath, remotePath string) (*MergeResult, error) {
	local, err := LoadEvents(localPath)
	if err != nil {
		return nil, err
	}
	remote, err := LoadEvents(remotePath)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var merged []*event.Event
	newCount := 0

	for _, e := range local {
		id := eventContentHash(e)
		if !seen[id] {
			seen[id] = true
			merged = append(merged, e)
		}
	}
	for _, e := range remote {
		id := eventContentHash(e)
		if !seen[id] {
			seen[id] = true
			merged = append(merged, e)
			newCount++
		}
	}

	sortEvents(merged)

	forks := event.DetectForks(merged)
	conflicts := make([]string, 0, len(forks))
	for _, f := range forks {
		prev := "null"
		if f.PrevEventHash != nil {
			prev = *f.PrevEventHash
		}
		conflicts = append(conflicts, fmt.Sprintf("fork detected: actor=%s prev=%s", f.Actor, prev))
	}

	return &MergeResult{MergedEvents: merged, NewCount: newCount, Conflicts: conflicts, Forks: forks}, nil
}

func sortEvents(events []*event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].TimestampUTC, events[j].TimestampUTC
		if ti != tj {
			return ti < tj
		}
		return events[i].EventID < events[j].EventID
	})
}

// FencingToken guards against a stale device overwriting state a fresher
// sync round already advanced past.
type FencingToken struct {
	TokenHash     string `json:"token_hash"`
	LatestEventID string `json:"latest_event_id"`
	TimestampUTC  string `json:"timestamp"`
	Nonce         string `json:"nonce"`
	KeyID         string `json:"key_id"`
	Sig           string `json:"sig"`
}

func fencingTokenInput(latestEventID, timestamp, nonce string) string {
	return latestEventID + ":" + timestamp + ":" + nonce
}

// CreateFencingToken builds and signs a fencing token from the log's
// current tip event.
func CreateFencingToken(eventsPath string, priv ed25519.PrivateKey, kid string) (*FencingToken, error) {
	events, err := LoadEvents(eventsPath)
	if err != nil {
		return nil, err
	}
	latest := ""
	if len(events) > 0 {
		sortEvents(events)
		latest = events[len(events)-1].EventID
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	nonceBytes, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("sync: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes[:])

	sum := sha256.Sum256([]byte(fencingTokenInput(latest, ts, nonce)))
	tokenHash := hex.EncodeToString(sum[:])

	sig := keyring.SignBytes(priv, []byte(tokenHash))

	return &FencingToken{
		TokenHash:     tokenHash,
		LatestEventID: latest,
		TimestampUTC:  ts,
		Nonce:         nonce,
		KeyID:         kid,
		Sig:           sig,
	}, nil
}

// ValidateFencingToken is total: it checks the token's self-consistency,
// its signature against reg, and that its referenced event still exists
// in eventsPath's log.
func ValidateFencingToken(tok *FencingToken, reg *keyring.Registry, eventsPath string) bool {
	if tok == nil || tok.TokenHash == "" || tok.KeyID == "" || tok.Sig == "" {
		return false
	}
	sum := sha256.Sum256([]byte(fencingTokenInput(tok.LatestEventID, tok.TimestampUTC, tok.Nonce)))
	expected := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(tok.TokenHash)) != 1 {
		return false
	}

	pub, ok := reg.ResolvePublicKey(tok.KeyID)
	if !ok {
		return false
	}
	if !keyring.VerifyBytes(pub, []byte(tok.TokenHash), tok.Sig) {
		return false
	}

	if tok.LatestEventID == "" {
		return true
	}
	events, err := LoadEvents(eventsPath)
	if err != nil {
		return false
	}
	for _, e := range events {
		if e.EventID == tok.LatestEventID {
			return true
		}
	}
	return false
}

// DeltaHeader is the first line of a delta bundle.
type DeltaHeader struct {
	Type          string        `json:"type"`
	SinceHash     *string       `json:"since_hash"`
	EventCount    int           `json:"event_count"`
	ExportedAtUTC string        `json:"exported_at"`
	Keys          []keyring.Key `json:"keys"`
}

// ExportDelta returns the portable NDJSON bundle of events strictly after
// sinceHash (or all events, if sinceHash is nil or not found), prefixed
// by a header line naming the keys needed to verify them.
func ExportDelta(eventsPath string, sinceHash *string, reg *keyring.Registry) ([]byte, error) {
	all, err := LoadEvents(eventsPath)
	if err != nil {
		return nil, err
	}
	sortEvents(all)

	export := all
	if sinceHash != nil {
		for i, e := range all {
			if e.EventID == *sinceHash {
				export = all[i+1:]
				break
			}
		}
	}

	var keys []keyring.Key
	if reg != nil {
		for _, kid := range reg.SortedKeyIDs() {
			k, _ := reg.Get(kid)
			keys = append(keys, *k)
		}
	}

	header := DeltaHeader{
		Type:          DeltaBundleType,
		SinceHash:     sinceHash,
		EventCount:    len(export),
		ExportedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Keys:          keys,
	}

	var buf bytes.Buffer
	hb, err := canonicaljson.Bytes(header)
	if err != nil {
		return nil, fmt.Errorf("sync: canonicalize delta header: %w", err)
	}
	buf.Write(hb)
	buf.WriteByte('\n')
	for _, e := range export {
		eb, err := canonicaljson.Bytes(e)
		if err != nil {
			return nil, fmt.Errorf("sync: canonicalize delta event %s: %w", e.EventID, err)
		}
		buf.Write(eb)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// ImportResult is the outcome of merging a delta bundle into a local log.
type ImportResult struct {
	Success       bool
	ImportedCount int
	RejectedCount int
	Errors        []string
	MergedEvents  []*event.Event
}

// ImportDelta parses deltaBytes, verifies each event's signature against
// the union of keys carried in the bundle and localReg, and union-merges
// the accepted events into the log already at eventsPath. It does not
// itself rewrite eventsPath or recompute reducer state; callers (pkg/vault)
// own that so this package stays a pure merge/verify step.
func ImportDelta(eventsPath string, deltaBytes []byte, localReg *keyring.Registry) (*ImportResult, error) {
	return ImportDeltaWithLimiter(context.Background(), eventsPath, deltaBytes, localReg, nil)
}

// ImportDeltaWithLimiter behaves like ImportDelta but paces per-event
// signature verification through limiter, so importing a very large delta
// bundle from an untrusted peer cannot monopolize the verifying CPU. A nil
// limiter imports at full speed.
func ImportDeltaWithLimiter(ctx context.Context, eventsPath string, deltaBytes []byte, localReg *keyring.Registry, limiter *rate.Limiter) (*ImportResult, error) {
	lines := bytes.Split(bytes.TrimSpace(deltaBytes), []byte("\n"))
	if len(lines) == 0 || len(bytes.TrimSpace(lines[0])) == 0 {
		return &ImportResult{Errors: []string{"delta bundle is empty"}}, nil
	}

	headerVal, err := canonicaljson.Decode(lines[0])
	if err != nil {
		return &ImportResult{Errors: []string{"invalid delta header"}}, nil
	}
	headerMap, ok := headerVal.(map[string]any)
	if !ok || fmt.Sprintf("%v", headerMap["type"]) != DeltaBundleType {
		return &ImportResult{Errors: []string{fmt.Sprintf("unknown delta type: %v", headerMap["type"])}}, nil
	}

	deltaReg := keyring.NewRegistry()
	if localReg != nil {
		for _, kid := range localReg.SortedKeyIDs() {
			k, _ := localReg.Get(kid)
			deltaReg.Admit(k)
		}
	}
	if keysRaw, ok := headerMap["keys"].([]any); ok {
		for _, kv := range keysRaw {
			kb, err := canonicaljson.Bytes(kv)
			if err != nil {
				continue
			}
			var k keyring.Key
			if err := json.Unmarshal(kb, &k); err == nil && k.KeyID != "" {
				deltaReg.Admit(&k)
			}
		}
	}

	var deltaEvents []*event.Event
	rejected := 0
	var errs []string
	for _, line := range lines[1:] {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				rejected++
				errs = append(errs, "import paced out: "+err.Error())
				continue
			}
		}
		v, err := canonicaljson.Decode(line)
		if err != nil {
			rejected++
			errs = append(errs, "skipped malformed event line")
			continue
		}
		e, err := decodeEvent(v)
		if err != nil {
			rejected++
			errs = append(errs, "skipped malformed event line")
			continue
		}
		if e.Sig != "" && e.ActorKeyID != "" {
			pub, ok := deltaReg.ResolvePublicKey(e.ActorKeyID)
			if ok && !e.VerifySignature(pub) {
				rejected++
				errs = append(errs, fmt.Sprintf("invalid signature on event %s", e.EventID))
				continue
			}
		}
		deltaEvents = append(deltaEvents, e)
	}

	existing, err := LoadEvents(eventsPath)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var merged []*event.Event
	imported := 0
	for _, e := range existing {
		id := eventContentHash(e)
		if !seen[id] {
			seen[id] = true
			merged = append(merged, e)
		}
	}
	for _, e := range deltaEvents {
		id := eventContentHash(e)
		if !seen[id] {
			seen[id] = true
			merged = append(merged, e)
			imported++
		}
	}
	sortEvents(merged)

	return &ImportResult{
		Success:       rejected == 0 && len(errs) == 0,
		ImportedCount: imported,
		RejectedCount: rejected,
		Errors:        errs,
		MergedEvents:  merged,
	}, nil
}
