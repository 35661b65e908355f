// Package streamreducer implements the streaming reducer (C11): for
// multi-GB logs that cannot be fully buffered, it folds events one at a
// time into a compact running state — per-actor chain heads, per-type
// counts, and a Merkle frontier — instead of rebuilding the whole
// reducer.State and a batch Merkle tree on every append.
package streamreducer

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/provara/provara/pkg/reducer"
)

// emptyDigest is SHA-256 of the empty byte string, matching
// pkg/integrity's empty-leaf convention so a frontier with zero leaves
// agrees with the batch Merkle root.
var emptyDigest = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// Frontier is a sparse level → digest map. Appending a leaf carries its
// hash up through occupied levels exactly like incrementing a binary
// counter: a leaf lands at level 0 if that slot is empty; if occupied,
// the two digests combine into their parent and the carry continues
// upward. This mirrors the batch tree's node-hash construction
// (pkg/integrity.MerkleRootHex) without requiring every leaf to be held
// in memory at once.
type Frontier struct {
	levels map[int]string
	count  int
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{levels: map[int]string{}}
}

// Append folds one more leaf (already-canonicalized bytes) into f.
func (f *Frontier) Append(leafBytes []byte) {
	sum := sha256.Sum256(leafBytes)
	carry := hex.EncodeToString(sum[:])
	level := 0
	for {
		existing, occupied := f.levels[level]
		if !occupied {
			f.levels[level] = carry
			break
		}
		delete(f.levels, level)
		carry = nodeHash(existing, carry)
		level++
	}
	f.count++
}

// Count is the number of leaves folded into f so far.
func (f *Frontier) Count() int {
	return f.count
}

// Root bags the occupied levels of f from highest to lowest into a
// single digest, the same way a Merkle Mountain Range combines its
// peaks. It always agrees with pkg/integrity.MerkleRootHex over the same
// leaves when count is a power of two (a single occupied level); between
// powers of two it is a running approximation. Vault.VerifyVault does not
// read the frontier: it checks every event's id, signature and chain over
// the full log, plus the manifest signature.
func (f *Frontier) Root() string {
	if f.count == 0 {
		return emptyDigest
	}
	var acc string
	haveAcc := false
	maxLevel := 0
	for lvl := range f.levels {
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}
	for lvl := maxLevel; lvl >= 0; lvl-- {
		digest, ok := f.levels[lvl]
		if !ok {
			continue
		}
		if !haveAcc {
			acc = digest
			haveAcc = true
			continue
		}
		acc = nodeHash(digest, acc)
	}
	return acc
}

// Levels returns a copy of f's sparse level→digest map, suitable for
// persisting inside a checkpoint-compatible snapshot.
func (f *Frontier) Levels() map[int]string {
	out := make(map[int]string, len(f.levels))
	for k, v := range f.levels {
		out[k] = v
	}
	return out
}

func nodeHash(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot is a checkpoint-compatible periodic output of the streaming
// reducer: the full reducer.State it has folded so far, plus the
// frontier's current root and level map.
type Snapshot struct {
	State        *reducer.State
	FrontierRoot string
	Levels       map[int]string
	EventCount   int
}

// StreamReducer wraps a reducer.Reducer to fold events one at a time
// while tracking per-actor chain heads, per-type counts, and a Merkle
// frontier, emitting a Snapshot every snapshotEvery events.
type StreamReducer struct {
	inner         *reducer.Reducer
	frontier      *Frontier
	chainHeads    map[string]string
	typeCounts    map[string]int
	snapshotEvery int
	since         int
}

// New returns a StreamReducer with the given conflict-confidence
// threshold (forwarded to the wrapped reducer.Reducer) emitting a
// Snapshot every snapshotEvery events (snapshotEvery <= 0 disables
// periodic emission; callers may still call ForceSnapshot).
func New(threshold float64, snapshotEvery int) *StreamReducer {
	return &StreamReducer{
		inner:         reducer.New(threshold),
		frontier:      NewFrontier(),
		chainHeads:    map[string]string{},
		typeCounts:    map[string]int{},
		snapshotEvery: snapshotEvery,
	}
}

// Apply folds one event into the running state, returning a non-nil
// Snapshot whenever the periodic boundary is crossed.
func (s *StreamReducer) Apply(e reducer.RawEvent, canonicalLeafBytes []byte) *Snapshot {
	s.inner.ApplyEvent(e)
	s.chainHeads[e.Actor] = e.EventID
	s.typeCounts[e.Type]++
	s.frontier.Append(canonicalLeafBytes)
	s.since++

	if s.snapshotEvery > 0 && s.since >= s.snapshotEvery {
		s.since = 0
		return s.ForceSnapshot()
	}
	return nil
}

// ForceSnapshot emits a Snapshot immediately regardless of the periodic
// boundary, resetting the since-last-snapshot counter.
func (s *StreamReducer) ForceSnapshot() *Snapshot {
	s.since = 0
	return &Snapshot{
		State:        s.inner.State(),
		FrontierRoot: s.frontier.Root(),
		Levels:       s.frontier.Levels(),
		EventCount:   s.frontier.Count(),
	}
}

// ChainHeads returns a copy of the most recent event id seen per actor.
func (s *StreamReducer) ChainHeads() map[string]string {
	out := make(map[string]string, len(s.chainHeads))
	for k, v := range s.chainHeads {
		out[k] = v
	}
	return out
}

// TypeCounts returns a copy of the running per-event-type counts.
func (s *StreamReducer) TypeCounts() map[string]int {
	out := make(map[string]int, len(s.typeCounts))
	for k, v := range s.typeCounts {
		out[k] = v
	}
	return out
}

// State returns the reducer state accumulated so far without forcing a
// snapshot or resetting the periodic counter.
func (s *StreamReducer) State() *reducer.State {
	return s.inner.State()
}
