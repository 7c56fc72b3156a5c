package gc

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/mediagit/internal/backend/memory"
	"github.com/prn-tf/mediagit/internal/metrics"
	"github.com/prn-tf/mediagit/internal/objects"
	"github.com/prn-tf/mediagit/internal/odb"
	"github.com/prn-tf/mediagit/internal/oid"
	"github.com/prn-tf/mediagit/internal/refs"
)

type fixture struct {
	b    *memory.Backend
	odb  *odb.ODB
	refs *refs.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.New(zerolog.Nop())
	o, err := odb.New(b, odb.DefaultConfig(), metrics.NoopRecorder{}, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{b: b, odb: o, refs: refs.New(b)}
}

// TestGCReclaimsUnreachableObjectAfterBranchDelete implements spec.md
// scenario 6: commit a blob only reachable via a branch, delete the
// branch, advance past the reflog retention window, and run GC.
func TestGCReclaimsUnreachableObjectAfterBranchDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	blobID, err := f.odb.Write(ctx, []byte("only on branch b"), "x.txt")
	require.NoError(t, err)

	tree := &objects.Tree{Entries: []objects.TreeEntry{
		{Name: "x.txt", Mode: objects.ModeFile, Kind: objects.KindBlob, OID: blobID},
	}}
	treeID, err := f.odb.WriteTree(ctx, tree)
	require.NoError(t, err)

	commit := &objects.Commit{Tree: treeID, Author: "a", Committer: "a", Timestamp: 1000, Message: "m\n"}
	commitID, err := f.odb.WriteCommit(ctx, commit)
	require.NoError(t, err)

	require.NoError(t, f.refs.Update(ctx, "refs/heads/b", oid.Undef, commitID, 1000, "commit"))
	require.NoError(t, f.refs.Delete(ctx, "refs/heads/b"))

	retention := 90 * 24 * time.Hour
	collector := New(f.b, f.refs, f.odb, metrics.NoopRecorder{}, retention)

	past := time.Unix(1000, 0).Add(retention + time.Hour)
	plan, err := collector.Run(ctx, past, false)
	require.NoError(t, err)
	require.Contains(t, plan.Objects, "objects/"+blobID.String())

	exists, err := f.b.Exists(ctx, "objects/"+blobID.String())
	require.NoError(t, err)
	require.False(t, exists)

	// Idempotent re-run is a no-op.
	again, err := collector.Run(ctx, past, false)
	require.NoError(t, err)
	require.Equal(t, 0, again.TotalDeleted())
}

func TestGCDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	blobID, err := f.odb.Write(ctx, []byte("unreachable"), "x.txt")
	require.NoError(t, err)

	collector := New(f.b, f.refs, f.odb, metrics.NoopRecorder{}, 90*24*time.Hour)

	plan, err := collector.Run(ctx, time.Unix(2_000_000_000, 0), true)
	require.NoError(t, err)
	require.Contains(t, plan.Objects, "objects/"+blobID.String())

	exists, err := f.b.Exists(ctx, "objects/"+blobID.String())
	require.NoError(t, err)
	require.True(t, exists, "dry run must not delete")
}

// TestGCKeepsDeltaBaseOfReachableObject: an object stored as a delta needs
// its base present to reconstruct, even after every tree that named the
// base directly has become unreachable.
func TestGCKeepsDeltaBaseOfReachableObject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rnd := rand.New(rand.NewSource(11))
	base := make([]byte, 2*1024*1024)
	rnd.Read(base)
	baseID, err := f.odb.Write(ctx, base, "cut.mov")
	require.NoError(t, err)

	target := append([]byte{}, base...)
	copy(target[len(target)-2048:], bytes.Repeat([]byte{0xEE}, 2048))
	targetID, err := f.odb.Write(ctx, target, "cut.mov")
	require.NoError(t, err)

	metaExists, err := f.b.Exists(ctx, "objects/"+targetID.String()+".meta")
	require.NoError(t, err)
	require.True(t, metaExists, "target should have been stored as a delta")

	// Only the target is named by a tree; the base blob is not.
	tree := &objects.Tree{Entries: []objects.TreeEntry{
		{Name: "cut.mov", Mode: objects.ModeFile, Kind: objects.KindBlob, OID: targetID},
	}}
	treeID, err := f.odb.WriteTree(ctx, tree)
	require.NoError(t, err)
	commit := &objects.Commit{Tree: treeID, Author: "a", Committer: "a", Timestamp: 1000, Message: "m\n"}
	commitID, err := f.odb.WriteCommit(ctx, commit)
	require.NoError(t, err)
	require.NoError(t, f.refs.Update(ctx, "refs/heads/main", oid.Undef, commitID, 1000, "commit"))

	retention := 90 * 24 * time.Hour
	collector := New(f.b, f.refs, f.odb, metrics.NoopRecorder{}, retention)
	_, err = collector.Run(ctx, time.Unix(1000, 0).Add(retention+time.Hour), false)
	require.NoError(t, err)

	exists, err := f.b.Exists(ctx, "objects/"+baseID.String())
	require.NoError(t, err)
	require.True(t, exists, "delta base must survive GC while the target is reachable")

	fresh, err := odb.New(f.b, odb.DefaultConfig(), metrics.NoopRecorder{}, zerolog.Nop())
	require.NoError(t, err)
	got, err := fresh.Read(ctx, targetID)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestGCPrunesExpiredReflogEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	blobID, err := f.odb.Write(ctx, []byte("tip"), "x.txt")
	require.NoError(t, err)
	tree := &objects.Tree{Entries: []objects.TreeEntry{
		{Name: "x.txt", Mode: objects.ModeFile, Kind: objects.KindBlob, OID: blobID},
	}}
	treeID, err := f.odb.WriteTree(ctx, tree)
	require.NoError(t, err)
	commit := &objects.Commit{Tree: treeID, Author: "a", Committer: "a", Timestamp: 500, Message: "m\n"}
	commitID, err := f.odb.WriteCommit(ctx, commit)
	require.NoError(t, err)
	require.NoError(t, f.refs.Update(ctx, "refs/heads/main", oid.Undef, commitID, 500, "commit"))

	retention := time.Hour
	collector := New(f.b, f.refs, f.odb, metrics.NoopRecorder{}, retention)
	plan, err := collector.Run(ctx, time.Unix(500, 0).Add(retention+time.Minute), false)
	require.NoError(t, err)
	require.Equal(t, 1, plan.ReflogEntriesPruned)

	entries, err := f.refs.Reflog(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestGCKeepsReachableObjectsAndChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	blobID, err := f.odb.Write(ctx, []byte("reachable content"), "y.txt")
	require.NoError(t, err)

	tree := &objects.Tree{Entries: []objects.TreeEntry{
		{Name: "y.txt", Mode: objects.ModeFile, Kind: objects.KindBlob, OID: blobID},
	}}
	treeID, err := f.odb.WriteTree(ctx, tree)
	require.NoError(t, err)

	commit := &objects.Commit{Tree: treeID, Author: "a", Committer: "a", Timestamp: 1000, Message: "m\n"}
	commitID, err := f.odb.WriteCommit(ctx, commit)
	require.NoError(t, err)

	require.NoError(t, f.refs.Update(ctx, "refs/heads/main", oid.Undef, commitID, 1000, "commit"))

	collector := New(f.b, f.refs, f.odb, metrics.NoopRecorder{}, 90*24*time.Hour)

	plan, err := collector.Run(ctx, time.Unix(1000, 0), false)
	require.NoError(t, err)
	require.Equal(t, 0, plan.TotalDeleted())

	exists, err := f.b.Exists(ctx, "objects/"+blobID.String())
	require.NoError(t, err)
	require.True(t, exists)
}
