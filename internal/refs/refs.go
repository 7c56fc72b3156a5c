// Package refs implements named pointers, HEAD, per-ref reflogs, and
// commit-graph ancestor queries (spec.md C11).
package refs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/core"
	"github.com/prn-tf/mediagit/internal/oid"
)

const headSymbolicPrefix = "ref: "

// ErrRefNotFound indicates a ref name has no stored target.
var ErrRefNotFound = errors.New("refs: ref not found")

// ReflogEntry is one recorded ref update.
type ReflogEntry struct {
	ID        string
	Old       oid.OID
	New       oid.OID
	Timestamp int64
	Reason    string
}

// CommitLookup resolves a commit OID to its parents, so ancestor walks can
// traverse the graph without the refs package depending on package odb.
type CommitLookup interface {
	Parents(ctx context.Context, id oid.OID) ([]oid.OID, error)
}

// Store owns ref storage, HEAD, and reflogs atop a Backend.
type Store struct {
	backend backend.Backend
}

// New builds a refs Store over b.
func New(b backend.Backend) *Store {
	return &Store{backend: b}
}

func refKey(name string) string {
	return backend.PrefixRefs + strings.TrimPrefix(name, backend.PrefixRefs)
}

func reflogKey(name string) string {
	return backend.PrefixReflog + strings.TrimPrefix(name, backend.PrefixRefs)
}

// Resolve returns the OID a ref name currently points at.
func (s *Store) Resolve(ctx context.Context, name string) (oid.OID, error) {
	data, err := s.backend.Get(ctx, refKey(name))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return oid.Undef, ErrRefNotFound
		}
		return oid.Undef, err
	}
	return oid.Parse(strings.TrimSpace(string(data)))
}

// Update sets name to point at target, appending a reflog entry recording
// the transition. old is the previously known target (oid.Undef if the ref
// is new); callers are expected to have read it via Resolve under the
// writer epoch to avoid lost updates.
func (s *Store) Update(ctx context.Context, name string, old, newOID oid.OID, timestamp int64, reason string) error {
	if err := s.backend.Put(ctx, refKey(name), []byte(newOID.String())); err != nil {
		return err
	}
	return s.appendReflog(ctx, name, old, newOID, timestamp, reason)
}

// Delete removes a ref. The reflog is left intact (spec.md §3: "deletions
// leave reflog intact for a bounded window").
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.backend.Delete(ctx, refKey(name))
}

// Exists reports whether name currently has a target.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	return s.backend.Exists(ctx, refKey(name))
}

func (s *Store) appendReflog(ctx context.Context, name string, old, newOID oid.OID, timestamp int64, reason string) error {
	entries, err := s.Reflog(ctx, name)
	if err != nil {
		return err
	}
	entries = append(entries, ReflogEntry{
		ID:        uuid.NewString(),
		Old:       old,
		New:       newOID,
		Timestamp: timestamp,
		Reason:    reason,
	})
	return s.backend.Put(ctx, reflogKey(name), encodeReflog(entries))
}

// Reflog returns the append-ordered history of updates to a ref.
func (s *Store) Reflog(ctx context.Context, name string) ([]ReflogEntry, error) {
	exists, err := s.backend.Exists(ctx, reflogKey(name))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := s.backend.Get(ctx, reflogKey(name))
	if err != nil {
		return nil, err
	}
	return decodeReflog(data)
}

// AllReflogs walks every stored reflog, regardless of whether its ref still
// exists (spec.md §4.13 GC marks from "every reflog entry younger than the
// retention window", including those of deleted refs).
func (s *Store) AllReflogs(ctx context.Context) (map[string][]ReflogEntry, error) {
	it, err := s.backend.List(ctx, backend.PrefixReflog)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make(map[string][]ReflogEntry)
	for it.Next() {
		key := it.Key()
		data, err := s.backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		entries, err := decodeReflog(data)
		if err != nil {
			return nil, err
		}
		refName := backend.PrefixRefs + strings.TrimPrefix(key, backend.PrefixReflog)
		out[refName] = entries
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneReflogs rewrites every stored reflog, dropping entries whose
// timestamp is older than cutoff (spec.md §3: "GC prunes reflog beyond the
// window"). A reflog left with no entries is deleted outright. Returns how
// many entries were dropped.
func (s *Store) PruneReflogs(ctx context.Context, cutoff int64) (int, error) {
	it, err := s.backend.List(ctx, backend.PrefixReflog)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, it.Key())
	}
	if err := it.Err(); err != nil {
		return 0, err
	}

	pruned := 0
	for _, key := range keys {
		data, err := s.backend.Get(ctx, key)
		if err != nil {
			return pruned, err
		}
		entries, err := decodeReflog(data)
		if err != nil {
			return pruned, err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Timestamp >= cutoff {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(entries) {
			continue
		}
		pruned += len(entries) - len(kept)
		if len(kept) == 0 {
			if err := s.backend.Delete(ctx, key); err != nil {
				return pruned, err
			}
			continue
		}
		if err := s.backend.Put(ctx, key, encodeReflog(kept)); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

// ListRefs returns every ref name with the given hierarchy prefix (e.g.
// "refs/heads/"), sorted for deterministic iteration.
func (s *Store) ListRefs(ctx context.Context, hierarchyPrefix string) ([]string, error) {
	it, err := s.backend.List(ctx, refKey(hierarchyPrefix))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var names []string
	for it.Next() {
		names = append(names, it.Key())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// SetHEAD points HEAD at a branch ref symbolically.
func (s *Store) SetHEAD(ctx context.Context, branchRef string) error {
	return s.backend.Put(ctx, backend.KeyHEAD, []byte(headSymbolicPrefix+branchRef))
}

// DetachHEAD points HEAD directly at an OID, bypassing any branch.
func (s *Store) DetachHEAD(ctx context.Context, id oid.OID) error {
	return s.backend.Put(ctx, backend.KeyHEAD, []byte(id.String()))
}

// ResolveHEAD returns the OID HEAD currently resolves to, following a
// symbolic ref one level if necessary.
func (s *Store) ResolveHEAD(ctx context.Context) (oid.OID, error) {
	data, err := s.backend.Get(ctx, backend.KeyHEAD)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return oid.Undef, ErrRefNotFound
		}
		return oid.Undef, err
	}
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, headSymbolicPrefix) {
		return s.Resolve(ctx, strings.TrimPrefix(text, headSymbolicPrefix))
	}
	return oid.Parse(text)
}

// HEADBranch returns the branch ref name HEAD symbolically points at, and
// false if HEAD is detached.
func (s *Store) HEADBranch(ctx context.Context) (string, bool, error) {
	data, err := s.backend.Get(ctx, backend.KeyHEAD)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	text := strings.TrimSpace(string(data))
	if strings.HasPrefix(text, headSymbolicPrefix) {
		return strings.TrimPrefix(text, headSymbolicPrefix), true, nil
	}
	return "", false, nil
}

// IsAncestor reports whether a is an ancestor of b (or a == b), walking
// b's first-parent-aware parent set via BFS (spec.md §4.11). The walk is
// defended against cycles even though commit graphs are acyclic by
// construction.
func IsAncestor(ctx context.Context, lookup CommitLookup, a, b oid.OID) (bool, error) {
	if a == b {
		return true, nil
	}
	visited := map[oid.OID]bool{b: true}
	queue := []oid.OID{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents, err := lookup.Parents(ctx, cur)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			if p == a {
				return true, nil
			}
			if visited[p] {
				continue
			}
			visited[p] = true
			queue = append(queue, p)
		}
	}
	return false, nil
}

// LCA computes the lowest common ancestor of a and b by intersecting their
// parent closures, breaking ties deterministically by the lexicographically
// smallest OID (spec.md §4.11).
func LCA(ctx context.Context, lookup CommitLookup, a, b oid.OID) (oid.OID, bool, error) {
	closureA, err := ancestorClosure(ctx, lookup, a)
	if err != nil {
		return oid.Undef, false, err
	}
	closureB, err := ancestorClosure(ctx, lookup, b)
	if err != nil {
		return oid.Undef, false, err
	}

	var candidates []oid.OID
	for id := range closureA {
		if _, ok := closureB[id]; ok {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return oid.Undef, false, nil
	}

	// Prefer the candidate with the smallest combined depth (nearest common
	// ancestor); break remaining ties lexicographically.
	best := candidates[0]
	bestDepth := closureA[best] + closureB[best]
	for _, c := range candidates[1:] {
		d := closureA[c] + closureB[c]
		if d < bestDepth || (d == bestDepth && c.Less(best)) {
			best = c
			bestDepth = d
		}
	}
	return best, true, nil
}

// ancestorClosure walks every ancestor of start (start included, at depth
// 0), returning a map to its BFS depth. Defensive against cycles.
func ancestorClosure(ctx context.Context, lookup CommitLookup, start oid.OID) (map[oid.OID]int, error) {
	depth := map[oid.OID]int{start: 0}
	queue := []oid.OID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parents, err := lookup.Parents(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if _, seen := depth[p]; seen {
				continue
			}
			depth[p] = depth[cur] + 1
			queue = append(queue, p)
		}
	}
	return depth, nil
}

func encodeReflog(entries []ReflogEntry) []byte {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%d\t%s\n", e.ID, e.Old.String(), e.New.String(), e.Timestamp, e.Reason)
	}
	return []byte(b.String())
}

func decodeReflog(data []byte) ([]ReflogEntry, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	entries := make([]ReflogEntry, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 5)
		if len(fields) != 5 {
			return nil, fmt.Errorf("refs: malformed reflog line %q", line)
		}
		oldOID, err := oid.Parse(fields[1])
		if err != nil {
			return nil, fmt.Errorf("refs: malformed reflog old oid: %w", err)
		}
		newOID, err := oid.Parse(fields[2])
		if err != nil {
			return nil, fmt.Errorf("refs: malformed reflog new oid: %w", err)
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("refs: malformed reflog timestamp: %w", err)
		}
		entries = append(entries, ReflogEntry{ID: fields[0], Old: oldOID, New: newOID, Timestamp: ts, Reason: fields[4]})
	}
	return entries, nil
}
