// Package gc implements the mark-sweep garbage collector (spec.md C13):
// build the reachable set from every ref and every reflog entry inside the
// retention window by following commit→tree→blob edges, then sweep loose
// objects, manifests, and chunks in that order so an interrupted run never
// leaves a dangling reference, only extra garbage.
package gc

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/manifest"
	"github.com/prn-tf/mediagit/internal/metrics"
	"github.com/prn-tf/mediagit/internal/objects"
	"github.com/prn-tf/mediagit/internal/oid"
	"github.com/prn-tf/mediagit/internal/refs"
)

// ObjectReader is the subset of the ODB the collector needs to walk the
// commit→tree→blob graph: read a Commit or Tree by OID. Blobs are never
// read in full during marking; only their OID (already known from a Tree
// entry) is needed.
type ObjectReader interface {
	ReadCommit(ctx context.Context, id oid.OID) (*objects.Commit, error)
	ReadTree(ctx context.Context, id oid.OID) (*objects.Tree, error)
}

// Plan is the outcome of a mark-sweep pass: the keys GC would delete (or
// did delete, outside dry-run mode) in each of the three sweep phases, in
// the order they would be applied.
type Plan struct {
	Objects   []string
	Manifests []string
	Chunks    []string

	// ReflogEntriesPruned counts the reflog entries dropped for aging out
	// of the retention window (0 in dry-run mode).
	ReflogEntriesPruned int
}

// TotalDeleted is the sum of keys across all three sweep phases.
func (p Plan) TotalDeleted() int {
	return len(p.Objects) + len(p.Manifests) + len(p.Chunks)
}

// Collector runs mark-sweep GC over a Backend.
type Collector struct {
	backend   backend.Backend
	refs      *refs.Store
	reader    ObjectReader
	metrics   metrics.Recorder
	retention time.Duration
}

// New builds a Collector. retention is how far back in time a reflog
// entry still counts as reachable (spec.md §4.13 / §6's gc.reflog_retention).
func New(b backend.Backend, r *refs.Store, reader ObjectReader, rec metrics.Recorder, retention time.Duration) *Collector {
	return &Collector{backend: b, refs: r, reader: reader, metrics: rec, retention: retention}
}

// RunID identifies one GC pass for logging/correlation purposes.
func RunID() string { return uuid.NewString() }

// Mark builds the reachable-OID set by walking every ref target and every
// reflog entry younger than the retention window, through commit→tree→blob
// edges.
func (c *Collector) Mark(ctx context.Context, now time.Time) (map[oid.OID]bool, error) {
	reachable := make(map[oid.OID]bool)

	roots, err := c.rootOIDs(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if err := c.markFromCommit(ctx, root, reachable); err != nil {
			return nil, err
		}
	}
	if err := c.markDeltaBases(ctx, reachable); err != nil {
		return nil, err
	}
	return reachable, nil
}

// markDeltaBases closes the reachable set over delta-base edges: a
// reachable object stored as a delta needs its base (and the base's whole
// chain) present to reconstruct, even when no tree names the base
// directly anymore.
func (c *Collector) markDeltaBases(ctx context.Context, reachable map[oid.OID]bool) error {
	queue := make([]oid.OID, 0, len(reachable))
	for id := range reachable {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		metaKey := backend.PrefixObjects + id.String() + ".meta"
		exists, err := c.backend.Exists(ctx, metaKey)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		raw, err := c.backend.Get(ctx, metaKey)
		if err != nil {
			return err
		}
		base, err := oid.Parse(strings.TrimSpace(strings.TrimPrefix(string(raw), "base:")))
		if err != nil {
			continue // malformed sidecar; the read path will surface it
		}
		if reachable[base] {
			continue
		}
		reachable[base] = true
		queue = append(queue, base)
	}
	return nil
}

// rootOIDs collects every ref target plus every still-in-window reflog
// entry's old and new OID (spec.md §4.13: "every ref target and every
// reflog entry younger than the retention window").
func (c *Collector) rootOIDs(ctx context.Context, now time.Time) ([]oid.OID, error) {
	var roots []oid.OID
	seen := make(map[oid.OID]bool)
	add := func(id oid.OID) {
		if id == oid.Undef || seen[id] {
			return
		}
		seen[id] = true
		roots = append(roots, id)
	}

	for _, prefix := range []string{backend.PrefixRefs + "heads/", backend.PrefixRefs + "tags/", backend.PrefixRefs + "remotes/"} {
		names, err := c.refs.ListRefs(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			id, err := c.refs.Resolve(ctx, name)
			if err != nil {
				return nil, err
			}
			add(id)
		}
	}

	reflogs, err := c.refs.AllReflogs(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-c.retention).Unix()
	for _, entries := range reflogs {
		for _, e := range entries {
			if e.Timestamp >= cutoff {
				add(e.Old)
				add(e.New)
			}
		}
	}
	return roots, nil
}

func (c *Collector) markFromCommit(ctx context.Context, start oid.OID, reachable map[oid.OID]bool) error {
	if reachable[start] {
		return nil
	}
	queue := []oid.OID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true

		commit, err := c.reader.ReadCommit(ctx, id)
		if err != nil || commit.Tree == oid.Undef {
			// Not every reachable OID is a commit (a detached blob/tag
			// target, for instance); treat a non-commit as a leaf. A tag's
			// canonical form parses without error but carries no tree line.
			continue
		}
		if !reachable[commit.Tree] {
			if err := c.markTree(ctx, commit.Tree, reachable); err != nil {
				return err
			}
		}
		for _, p := range commit.Parents {
			if !reachable[p] {
				queue = append(queue, p)
			}
		}
	}
	return nil
}

func (c *Collector) markTree(ctx context.Context, id oid.OID, reachable map[oid.OID]bool) error {
	if reachable[id] {
		return nil
	}
	reachable[id] = true

	tree, err := c.reader.ReadTree(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		if reachable[e.OID] {
			continue
		}
		if e.Kind == objects.KindTree {
			if err := c.markTree(ctx, e.OID, reachable); err != nil {
				return err
			}
		} else {
			reachable[e.OID] = true
		}
	}
	return nil
}

// Run performs one mark-sweep pass. In dry-run mode it returns the
// deletion plan without mutating the backend; otherwise it deletes in
// sweep order (objects, then manifests accumulating reachable chunk IDs,
// then chunks) and records the run via metrics.
func (c *Collector) Run(ctx context.Context, now time.Time, dryRun bool) (Plan, error) {
	start := now
	reachable, err := c.Mark(ctx, now)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	var bytesFreed int64

	objKeys, err := c.listKeys(ctx, backend.PrefixObjects)
	if err != nil {
		return Plan{}, err
	}
	for _, key := range objKeys {
		hex := stripMetaSuffix(key[len(backend.PrefixObjects):])
		id, err := oid.Parse(hex)
		if err != nil {
			continue // not an object key we understand; leave it alone
		}
		if reachable[id] {
			continue
		}
		plan.Objects = append(plan.Objects, key)
		if !dryRun {
			raw, err := c.backend.Get(ctx, key)
			if err == nil {
				bytesFreed += int64(len(raw))
			}
			if err := c.backend.Delete(ctx, key); err != nil {
				return Plan{}, err
			}
		}
	}

	reachableChunks := make(map[oid.ChunkID]bool)
	manifestKeys, err := c.listKeys(ctx, backend.PrefixManifests)
	if err != nil {
		return Plan{}, err
	}
	for _, key := range manifestKeys {
		id, err := oid.Parse(key[len(backend.PrefixManifests):])
		if err != nil {
			continue
		}
		if !reachable[id] {
			plan.Manifests = append(plan.Manifests, key)
			if !dryRun {
				raw, err := c.backend.Get(ctx, key)
				if err == nil {
					bytesFreed += int64(len(raw))
				}
				if err := c.backend.Delete(ctx, key); err != nil {
					return Plan{}, err
				}
			}
			continue
		}
		raw, err := c.backend.Get(ctx, key)
		if err != nil {
			return Plan{}, err
		}
		m, err := manifest.Decode(raw)
		if err != nil {
			return Plan{}, err
		}
		for _, ref := range m.Chunks {
			reachableChunks[ref.ChunkID] = true
		}
	}

	chunkKeys, err := c.listKeys(ctx, backend.PrefixChunks)
	if err != nil {
		return Plan{}, err
	}
	for _, key := range chunkKeys {
		id, err := oid.Parse(key[len(backend.PrefixChunks):])
		if err != nil {
			continue
		}
		if reachableChunks[id] {
			continue
		}
		plan.Chunks = append(plan.Chunks, key)
		if !dryRun {
			raw, err := c.backend.Get(ctx, key)
			if err == nil {
				bytesFreed += int64(len(raw))
			}
			if err := c.backend.Delete(ctx, key); err != nil {
				return Plan{}, err
			}
		}
	}

	if !dryRun {
		cutoff := now.Add(-c.retention).Unix()
		pruned, err := c.refs.PruneReflogs(ctx, cutoff)
		if err != nil {
			return Plan{}, err
		}
		plan.ReflogEntriesPruned = pruned
		c.metrics.GCRun(time.Since(start), plan.TotalDeleted(), bytesFreed)
	}
	return plan, nil
}

func (c *Collector) listKeys(ctx context.Context, prefix string) ([]string, error) {
	it, err := c.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, it.Key())
	}
	return keys, it.Err()
}

func stripMetaSuffix(hex string) string {
	const suffix = ".meta"
	if len(hex) > len(suffix) && hex[len(hex)-len(suffix):] == suffix {
		return hex[:len(hex)-len(suffix)]
	}
	return hex
}
