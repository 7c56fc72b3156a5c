// Package repository implements the Repository Facade (spec.md C14): the
// single entry point that binds the Blob Backend, the ODB, the index,
// refs, the merge arbiter, and the garbage collector into one
// mutex-guarded lifecycle. Sub-components (package odb, index, refs,
// merge, gc) are never exposed directly to callers of this package.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/classify"
	"github.com/prn-tf/mediagit/internal/config"
	"github.com/prn-tf/mediagit/internal/core"
	"github.com/prn-tf/mediagit/internal/gc"
	"github.com/prn-tf/mediagit/internal/index"
	"github.com/prn-tf/mediagit/internal/merge"
	"github.com/prn-tf/mediagit/internal/metrics"
	"github.com/prn-tf/mediagit/internal/objects"
	"github.com/prn-tf/mediagit/internal/odb"
	"github.com/prn-tf/mediagit/internal/oid"
	"github.com/prn-tf/mediagit/internal/refs"
	"github.com/prn-tf/mediagit/internal/reposync"
)

// epochTTL bounds how long a single writer-epoch-guarded operation (stage,
// commit, merge, GC) may run before its lock is considered abandoned.
const epochTTL = 5 * time.Minute

// Repository binds C1-C13 into the single entry point callers use.
// Staging, commit, branch, tag, merge, and GC operations run under the
// writer's exclusive epoch (spec.md §5); reads, Init, and WriteBlob do not
// take it.
type Repository struct {
	mu sync.Mutex // guards closed and the in-memory index pointer swap

	backend backend.Backend
	odb     *odb.ODB
	index   *index.Index
	refs    *refs.Store
	gc      *gc.Collector
	merge   *merge.Arbiter
	locker  reposync.Locker
	logger  zerolog.Logger
	cfg     config.Config

	closed bool
}

// Open constructs a Repository over an already-created Backend, loading
// the persisted index (or starting fresh, at repository init) and wiring
// every sub-component per cfg (spec.md §6).
func Open(ctx context.Context, b backend.Backend, cfg config.Config, rec metrics.Recorder, logger zerolog.Logger) (*Repository, error) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	odbCfg := odb.Config{
		CacheCapacity:             cfg.CacheCapacity,
		DeltaEnabled:              cfg.DeltaEnabled,
		ForceChunkOnPrecompressed: cfg.ChunkingForceOnPrecompressed,
	}
	o, err := odb.New(b, odbCfg, rec, logger)
	if err != nil {
		return nil, fmt.Errorf("repository: init odb: %w", err)
	}

	idx, err := index.Load(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("repository: load index: %w", err)
	}

	refStore := refs.New(b)
	arbiter := merge.New(b, o, o)
	collector := gc.New(b, refStore, o, rec, cfg.GCReflogRetention)

	repo := &Repository{
		backend: b,
		odb:     o,
		index:   idx,
		refs:    refStore,
		gc:      collector,
		merge:   arbiter,
		locker:  reposync.NewEpochLocker(),
		logger:  logger,
		cfg:     cfg,
	}
	logger.Info().Str("backend_dir", cfg.BackendDir).Msg("repository opened")
	return repo, nil
}

// Init prepares a brand-new repository by pointing HEAD, symbolically, at
// refs/heads/<defaultBranch> ("main" when defaultBranch is empty) before
// any commit exists. It does nothing if HEAD already exists and leaves the
// index as Open loaded it.
func (r *Repository) Init(ctx context.Context, defaultBranch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return core.ErrClosed
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	exists, err := r.backend.Exists(ctx, backend.KeyHEAD)
	if err != nil {
		return err
	}
	if exists {
		return nil // already initialized
	}
	return r.refs.SetHEAD(ctx, "refs/heads/"+defaultBranch)
}

// Close flushes the index and marks the facade unusable for further
// mutation (spec.md §4.14: "a teardown that flushes the index").
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.index.Flush(ctx, r.backend); err != nil {
		return fmt.Errorf("repository: flush index on close: %w", err)
	}
	r.closed = true
	r.logger.Info().Msg("repository closed")
	return nil
}

func (r *Repository) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return core.ErrClosed
	}
	return nil
}

// withWriterEpoch runs fn under the repository's exclusive writer epoch
// (spec.md §5), the single serialization point for any mutation crossing
// index/refs/GC.
func (r *Repository) withWriterEpoch(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return reposync.WithWriterEpoch(ctx, r.locker, epochTTL, fn)
}

// StageFile stages a single path's content (C10), writing it through the
// ODB unless its (size, mtime) matches what's already staged.
func (r *Repository) StageFile(ctx context.Context, path string, mode index.Mode, size, mtime int64, open func() (io.Reader, error)) error {
	return r.withWriterEpoch(ctx, func(ctx context.Context) error {
		return r.index.StageFile(ctx, r.odb, path, mode, size, mtime, open)
	})
}

// ScanAndStage drives walk over the working tree, staging every file it
// yields (spec.md §4.10's scan-and-stage operation), skipping files whose
// stat-cache entry is unchanged.
func (r *Repository) ScanAndStage(ctx context.Context, walk index.WalkFunc) error {
	return r.withWriterEpoch(ctx, func(ctx context.Context) error {
		return r.index.ScanAndStage(ctx, r.odb, walk)
	})
}

// Unstage removes path from the index without touching any stored object
// (the blob remains until GC decides it is unreachable).
func (r *Repository) Unstage(ctx context.Context, path string) error {
	return r.withWriterEpoch(ctx, func(ctx context.Context) error {
		r.index.Remove(path)
		return nil
	})
}

// StagedEntries returns a snapshot of the current index contents.
func (r *Repository) StagedEntries() []index.Entry {
	return r.index.Entries()
}

// WriteBlob writes raw bytes through the ODB directly, bypassing the
// index, for callers that manage their own path bookkeeping.
func (r *Repository) WriteBlob(ctx context.Context, data []byte, filename string) (oid.OID, error) {
	if err := r.checkOpen(); err != nil {
		return oid.Undef, err
	}
	return r.odb.Write(ctx, data, filename)
}

// ReadBlob reconstructs and verifies the bytes for id.
func (r *Repository) ReadBlob(ctx context.Context, id oid.OID) ([]byte, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.odb.Read(ctx, id)
}

// treeNode is a trie node used to assemble a nested Tree from a flat list
// of (path, oid, mode) leaves, shared by Commit (from the index) and
// Merge (from the resolved per-path map).
type treeNode struct {
	children map[string]*treeNode
	isLeaf   bool
	leafOID  oid.OID
	leafMode objects.Mode
}

func (n *treeNode) insert(parts []string, id oid.OID, mode objects.Mode) {
	cur := n
	for i, p := range parts {
		if cur.children == nil {
			cur.children = make(map[string]*treeNode)
		}
		child, ok := cur.children[p]
		if !ok {
			child = &treeNode{}
			cur.children[p] = child
		}
		if i == len(parts)-1 {
			child.isLeaf = true
			child.leafOID = id
			child.leafMode = mode
		}
		cur = child
	}
}

// writeNode recursively writes n's subtrees bottom-up, returning the OID,
// mode, and kind to record for n in its parent's Tree entry.
func (r *Repository) writeNode(ctx context.Context, n *treeNode) (oid.OID, objects.Mode, objects.Kind, error) {
	if n.isLeaf && len(n.children) == 0 {
		return n.leafOID, n.leafMode, objects.KindBlob, nil
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]objects.TreeEntry, 0, len(names))
	for _, name := range names {
		id, mode, kind, err := r.writeNode(ctx, n.children[name])
		if err != nil {
			return oid.Undef, "", "", err
		}
		entries = append(entries, objects.TreeEntry{Name: name, Mode: mode, Kind: kind, OID: id})
	}
	treeOID, err := r.odb.WriteTree(ctx, &objects.Tree{Entries: entries})
	if err != nil {
		return oid.Undef, "", "", err
	}
	return treeOID, objects.ModeTree, objects.KindTree, nil
}

// buildTreeFromEntries assembles and writes the nested Tree for a flat
// list of staged index entries.
func (r *Repository) buildTreeFromEntries(ctx context.Context, entries []index.Entry) (oid.OID, error) {
	if len(entries) == 0 {
		return r.odb.WriteTree(ctx, &objects.Tree{})
	}
	root := &treeNode{}
	for _, e := range entries {
		mode := objects.ModeFile
		if e.Mode == index.ModeExecutable {
			mode = objects.ModeExecutable
		}
		root.insert(strings.Split(e.Path, "/"), e.OID, mode)
	}
	id, _, _, err := r.writeNode(ctx, root)
	return id, err
}

// Commit builds a Tree from the currently staged index, writes a Commit
// object with branch's current tip as its sole parent (or no parent for
// the branch's first commit), advances branch to the new commit, and
// flushes the index (spec.md §3: index "replaced wholesale on commit").
func (r *Repository) Commit(ctx context.Context, branch, author, committer, message string, timestamp int64) (oid.OID, error) {
	var result oid.OID
	err := r.withWriterEpoch(ctx, func(ctx context.Context) error {
		treeOID, err := r.buildTreeFromEntries(ctx, r.index.Entries())
		if err != nil {
			return fmt.Errorf("build tree: %w", err)
		}

		branchRef := "refs/heads/" + branch
		parent, err := r.refs.Resolve(ctx, branchRef)
		if err != nil {
			if !errors.Is(err, refs.ErrRefNotFound) {
				return fmt.Errorf("resolve %s: %w", branchRef, err)
			}
			parent = oid.Undef
		}

		var parents []oid.OID
		if parent != oid.Undef {
			parents = []oid.OID{parent}
		}
		commit := &objects.Commit{
			Tree:      treeOID,
			Parents:   parents,
			Author:    author,
			Committer: committer,
			Timestamp: timestamp,
			Message:   message,
		}
		commitOID, err := r.odb.WriteCommit(ctx, commit)
		if err != nil {
			return fmt.Errorf("write commit: %w", err)
		}

		if err := r.refs.Update(ctx, branchRef, parent, commitOID, timestamp, "commit: "+firstLine(message)); err != nil {
			return fmt.Errorf("update %s: %w", branchRef, err)
		}
		if headExists, err := r.backend.Exists(ctx, backend.KeyHEAD); err != nil {
			return err
		} else if !headExists {
			if err := r.refs.SetHEAD(ctx, branchRef); err != nil {
				return err
			}
		}

		if err := r.index.Flush(ctx, r.backend); err != nil {
			return fmt.Errorf("flush index: %w", err)
		}
		result = commitOID
		return nil
	})
	return result, err
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// CreateBranch points a new branch ref at startPoint.
func (r *Repository) CreateBranch(ctx context.Context, name string, startPoint oid.OID) error {
	return r.withWriterEpoch(ctx, func(ctx context.Context) error {
		branchRef := "refs/heads/" + name
		if exists, err := r.refs.Exists(ctx, branchRef); err != nil {
			return err
		} else if exists {
			return core.NewUsageError("branch " + name + " already exists")
		}
		return r.refs.Update(ctx, branchRef, oid.Undef, startPoint, time.Now().Unix(), "branch: created")
	})
}

// DeleteBranch removes a branch ref, leaving its reflog intact for GC's
// retention window (spec.md §3).
func (r *Repository) DeleteBranch(ctx context.Context, name string) error {
	return r.withWriterEpoch(ctx, func(ctx context.Context) error {
		return r.refs.Delete(ctx, "refs/heads/"+name)
	})
}

// ResolveRef resolves any ref name (or HEAD) to its current OID.
func (r *Repository) ResolveRef(ctx context.Context, name string) (oid.OID, error) {
	if err := r.checkOpen(); err != nil {
		return oid.Undef, err
	}
	if name == "HEAD" {
		return r.refs.ResolveHEAD(ctx)
	}
	return r.refs.Resolve(ctx, name)
}

// CreateTag writes an annotated Tag object pointing at target and a
// refs/tags/<name> ref for it.
func (r *Repository) CreateTag(ctx context.Context, name string, target oid.OID, targetKind objects.Kind, tagger, message string) (oid.OID, error) {
	var result oid.OID
	err := r.withWriterEpoch(ctx, func(ctx context.Context) error {
		tag := &objects.Tag{Object: target, Type: targetKind, Name: name, Tagger: tagger, Message: message}
		tagOID, err := r.odb.WriteTag(ctx, tag)
		if err != nil {
			return err
		}
		if err := r.refs.Update(ctx, "refs/tags/"+name, oid.Undef, tagOID, time.Now().Unix(), "tag: created"); err != nil {
			return err
		}
		result = tagOID
		return nil
	})
	return result, err
}

// commitLookup adapts the ODB to refs.CommitLookup for ancestor/LCA walks.
type commitLookup struct {
	odb *odb.ODB
}

func (c commitLookup) Parents(ctx context.Context, id oid.OID) ([]oid.OID, error) {
	commit, err := c.odb.ReadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	return commit.Parents, nil
}

// IsAncestor reports whether a is an ancestor of (or equal to) b.
func (r *Repository) IsAncestor(ctx context.Context, a, b oid.OID) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	return refs.IsAncestor(ctx, commitLookup{odb: r.odb}, a, b)
}

// Conflict describes one un-auto-mergeable path, surfaced from Merge
// instead of raised as an error (spec.md §7: "Merge conflicts are
// returned as values, not raised").
type Conflict struct {
	Path   string
	Kind   string
	LCA    oid.OID
	Ours   oid.OID
	Theirs oid.OID
}

// MergeResult is Merge's outcome: either a new commit (Conflicts empty) or
// a non-empty list of Conflicts with no commit produced.
type MergeResult struct {
	Commit    oid.OID
	Conflicts []Conflict
}

// Merge performs the repository-level merge of theirs into branch: finds
// the LCA via the commit graph (C11), resolves every path that differs
// between ours and theirs per-category through the Merge Arbiter (C12),
// and on full success writes a two-parent merge commit advancing branch.
// On any unresolved conflict, no commit is written and every conflicted
// path is returned together.
func (r *Repository) Merge(ctx context.Context, branch string, theirs oid.OID, author, committer, message string, timestamp int64) (MergeResult, error) {
	var result MergeResult
	err := r.withWriterEpoch(ctx, func(ctx context.Context) error {
		branchRef := "refs/heads/" + branch
		ours, err := r.refs.Resolve(ctx, branchRef)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", branchRef, err)
		}

		if ours == theirs {
			result = MergeResult{Commit: ours}
			return nil
		}
		if isAnc, err := refs.IsAncestor(ctx, commitLookup{odb: r.odb}, ours, theirs); err != nil {
			return err
		} else if isAnc {
			// Fast-forward: branch never diverged from theirs.
			if err := r.refs.Update(ctx, branchRef, ours, theirs, timestamp, "merge: fast-forward"); err != nil {
				return err
			}
			result = MergeResult{Commit: theirs}
			return nil
		}

		lca, found, err := refs.LCA(ctx, commitLookup{odb: r.odb}, ours, theirs)
		if err != nil {
			return fmt.Errorf("compute lca: %w", err)
		}
		var baseTree oid.OID
		if found {
			baseCommit, err := r.odb.ReadCommit(ctx, lca)
			if err != nil {
				return err
			}
			baseTree = baseCommit.Tree
		}

		oursCommit, err := r.odb.ReadCommit(ctx, ours)
		if err != nil {
			return err
		}
		theirsCommit, err := r.odb.ReadCommit(ctx, theirs)
		if err != nil {
			return err
		}

		baseEntries := make(map[string]objects.TreeEntry)
		oursEntries := make(map[string]objects.TreeEntry)
		theirsEntries := make(map[string]objects.TreeEntry)
		if err := r.flattenTree(ctx, baseTree, "", baseEntries); err != nil {
			return err
		}
		if err := r.flattenTree(ctx, oursCommit.Tree, "", oursEntries); err != nil {
			return err
		}
		if err := r.flattenTree(ctx, theirsCommit.Tree, "", theirsEntries); err != nil {
			return err
		}

		paths := make(map[string]bool)
		for p := range oursEntries {
			paths[p] = true
		}
		for p := range theirsEntries {
			paths[p] = true
		}

		merged := make(map[string]objects.TreeEntry)
		var conflicts []Conflict
		for path := range paths {
			baseE, hasBase := baseEntries[path]
			oursE, hasOurs := oursEntries[path]
			theirsE, hasTheirs := theirsEntries[path]

			baseOID, oursOID, theirsOID := oid.Undef, oid.Undef, oid.Undef
			if hasBase {
				baseOID = baseE.OID
			}
			if hasOurs {
				oursOID = oursE.OID
			}
			if hasTheirs {
				theirsOID = theirsE.OID
			}

			switch {
			case oursOID == theirsOID:
				if hasOurs {
					merged[path] = oursE
				}
				continue
			case oursOID == baseOID:
				if hasTheirs {
					merged[path] = theirsE
				}
				continue
			case theirsOID == baseOID:
				if hasOurs {
					merged[path] = oursE
				}
				continue
			}

			if !hasOurs || !hasTheirs {
				conflicts = append(conflicts, Conflict{Path: path, Kind: "delete-vs-modify", LCA: baseOID, Ours: oursOID, Theirs: theirsOID})
				continue
			}

			cat := classify.Classify(path, nil)
			resolvedOID, err := r.merge.Resolve(ctx, path, cat, baseOID, oursOID, theirsOID, pathBase(path))
			if err != nil {
				var conflictErr *core.MergeConflictError
				if errors.As(err, &conflictErr) {
					conflicts = append(conflicts, Conflict{Path: path, Kind: conflictErr.Kind, LCA: baseOID, Ours: oursOID, Theirs: theirsOID})
					continue
				}
				return fmt.Errorf("resolve %s: %w", path, err)
			}
			merged[path] = objects.TreeEntry{Name: pathBase(path), Mode: oursE.Mode, Kind: objects.KindBlob, OID: resolvedOID}
		}

		if len(conflicts) > 0 {
			sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
			result = MergeResult{Conflicts: conflicts}
			return nil
		}

		root := &treeNode{}
		for path, e := range merged {
			root.insert(strings.Split(path, "/"), e.OID, e.Mode)
		}
		treeOID, _, _, err := r.writeNode(ctx, root)
		if err != nil {
			return fmt.Errorf("write merged tree: %w", err)
		}

		commit := &objects.Commit{
			Tree:      treeOID,
			Parents:   []oid.OID{ours, theirs},
			Author:    author,
			Committer: committer,
			Timestamp: timestamp,
			Message:   message,
		}
		commitOID, err := r.odb.WriteCommit(ctx, commit)
		if err != nil {
			return fmt.Errorf("write merge commit: %w", err)
		}
		if err := r.refs.Update(ctx, branchRef, ours, commitOID, timestamp, "merge: "+firstLine(message)); err != nil {
			return err
		}
		result = MergeResult{Commit: commitOID}
		return nil
	})
	return result, err
}

func pathBase(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

// flattenTree recursively walks tree id (no-op for oid.Undef, representing
// an absent tree, e.g. no common ancestor), recording every Blob leaf
// entry under its full slash-joined path.
func (r *Repository) flattenTree(ctx context.Context, id oid.OID, prefix string, out map[string]objects.TreeEntry) error {
	if id == oid.Undef {
		return nil
	}
	tree, err := r.odb.ReadTree(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		path := prefix + e.Name
		if e.Kind == objects.KindTree {
			if err := r.flattenTree(ctx, e.OID, path+"/", out); err != nil {
				return err
			}
		} else {
			out[path] = e
		}
	}
	return nil
}

// Config returns the configuration the repository was opened with.
func (r *Repository) Config() config.Config { return r.cfg }

// RunGC performs one mark-sweep pass (C13) under the writer epoch, since
// a concurrent commit could otherwise race GC's reachability snapshot.
func (r *Repository) RunGC(ctx context.Context, now time.Time, dryRun bool) (gc.Plan, error) {
	var plan gc.Plan
	err := r.withWriterEpoch(ctx, func(ctx context.Context) error {
		var err error
		plan, err = r.gc.Run(ctx, now, dryRun)
		return err
	})
	return plan, err
}
