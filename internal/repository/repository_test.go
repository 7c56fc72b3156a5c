package repository

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/mediagit/internal/backend/memory"
	"github.com/prn-tf/mediagit/internal/config"
	"github.com/prn-tf/mediagit/internal/gc"
	"github.com/prn-tf/mediagit/internal/index"
	"github.com/prn-tf/mediagit/internal/metrics"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	b := memory.New(zerolog.Nop())
	repo, err := Open(ctx, b, config.DefaultConfig(), metrics.NoopRecorder{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Init(ctx, "main"))
	return repo
}

func stageString(t *testing.T, repo *Repository, path, contents string, mtime int64) {
	t.Helper()
	err := repo.StageFile(context.Background(), path, index.ModeFile, int64(len(contents)), mtime, func() (io.Reader, error) {
		return bytes.NewReader([]byte(contents)), nil
	})
	require.NoError(t, err)
}

func TestRepository_InitCommitRoundtrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	contents := "hello world\n"
	stageString(t, repo, "greeting.txt", contents, 1)

	commitOID, err := repo.Commit(ctx, "main", "alice", "alice", "initial commit", time.Now().Unix())
	require.NoError(t, err)
	require.False(t, commitOID.IsZero())

	head, err := repo.ResolveRef(ctx, "HEAD")
	require.NoError(t, err)
	require.Equal(t, commitOID, head)

	commit, err := repo.odb.ReadCommit(ctx, commitOID)
	require.NoError(t, err)

	tree, err := repo.odb.ReadTree(ctx, commit.Tree)
	require.NoError(t, err)
	require.Len(t, tree.Entries, 1)
	require.Equal(t, "greeting.txt", tree.Entries[0].Name)

	data, err := repo.ReadBlob(ctx, tree.Entries[0].OID)
	require.NoError(t, err)
	require.Equal(t, contents, string(data))
}

func TestRepository_RestageUnchangedSkips(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	contents := "unchanged\n"
	opens := 0
	open := func() (io.Reader, error) {
		opens++
		return bytes.NewReader([]byte(contents)), nil
	}

	require.NoError(t, repo.StageFile(ctx, "a.txt", index.ModeFile, int64(len(contents)), 1000, open))
	require.Equal(t, 1, opens)

	// Same size and mtime: StageFile must skip the read entirely.
	require.NoError(t, repo.StageFile(ctx, "a.txt", index.ModeFile, int64(len(contents)), 1000, open))
	require.Equal(t, 1, opens)

	// Changed mtime forces a re-read.
	require.NoError(t, repo.StageFile(ctx, "a.txt", index.ModeFile, int64(len(contents)), 1001, open))
	require.Equal(t, 2, opens)
}

func TestRepository_MergeNonOverlappingText(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	stageString(t, repo, "A.txt", "L1\nL2\nL3\n", 1)
	base, err := repo.Commit(ctx, "main", "a", "a", "base", 1)
	require.NoError(t, err)
	require.NoError(t, repo.CreateBranch(ctx, "feature", base))

	stageString(t, repo, "A.txt", "L1\nL2\nL3\nL4\n", 2)
	_, err = repo.Commit(ctx, "main", "a", "a", "ours adds L4", 2)
	require.NoError(t, err)

	// "feature" diverges from the same base by adding a line at the top.
	require.NoError(t, repo.refs.Update(ctx, "refs/heads/feature", base, base, 2, "reset to base"))
	stageString(t, repo, "A.txt", "L0\nL1\nL2\nL3\n", 3)
	theirsCommit, err := repo.Commit(ctx, "feature", "b", "b", "theirs adds L0", 3)
	require.NoError(t, err)

	result, err := repo.Merge(ctx, "main", theirsCommit, "a", "a", "merge feature", 4)
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)
	require.False(t, result.Commit.IsZero())

	mergedCommit, err := repo.odb.ReadCommit(ctx, result.Commit)
	require.NoError(t, err)
	mergedTree, err := repo.odb.ReadTree(ctx, mergedCommit.Tree)
	require.NoError(t, err)
	require.Len(t, mergedTree.Entries, 1)

	mergedBytes, err := repo.ReadBlob(ctx, mergedTree.Entries[0].OID)
	require.NoError(t, err)
	require.Equal(t, "L0\nL1\nL2\nL3\nL4\n", string(mergedBytes))
}

func stageBytes(t *testing.T, repo *Repository, path string, contents []byte, mtime int64) {
	t.Helper()
	err := repo.StageFile(context.Background(), path, index.ModeFile, int64(len(contents)), mtime, func() (io.Reader, error) {
		return bytes.NewReader(contents), nil
	})
	require.NoError(t, err)
}

func writeMP4Box(buf *bytes.Buffer, boxType string, payload []byte) {
	size := uint32(8 + len(payload))
	buf.Write([]byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)})
	buf.WriteString(boxType)
	buf.Write(payload)
}

// buildMP4 assembles a minimal ISO BMFF file: ftyp, a moov metadata box,
// and an mdat payload large enough to push the file over the video
// chunking threshold so it is stored as structural chunks.
func buildMP4(moov, mdatTail []byte) []byte {
	var buf bytes.Buffer
	writeMP4Box(&buf, "ftyp", []byte("isommp42"))
	writeMP4Box(&buf, "moov", moov)
	mdat := bytes.Repeat([]byte{0x11}, 6*1024*1024)
	copy(mdat[len(mdat)-len(mdatTail):], mdatTail)
	writeMP4Box(&buf, "mdat", mdat)
	return buf.Bytes()
}

// TestRepository_MergeVideoDisjointRegions drives two diverging MP4 edits
// through the full write pipeline (structural chunking, manifests) and
// merges them: one side rewrites the moov metadata, the other rewrites the
// tail of the mdat payload, so the modified segment ranges are disjoint
// and the merge auto-resolves.
func TestRepository_MergeVideoDisjointRegions(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	baseMoov := bytes.Repeat([]byte{0xA0}, 1024)
	baseTail := bytes.Repeat([]byte{0xB0}, 1024)
	oursMoov := bytes.Repeat([]byte{0xA1}, 1024)
	theirsTail := bytes.Repeat([]byte{0xB1}, 1024)

	stageBytes(t, repo, "clip.mp4", buildMP4(baseMoov, baseTail), 1)
	base, err := repo.Commit(ctx, "main", "a", "a", "base cut", 1)
	require.NoError(t, err)
	require.NoError(t, repo.CreateBranch(ctx, "cut", base))

	stageBytes(t, repo, "clip.mp4", buildMP4(oursMoov, baseTail), 2)
	_, err = repo.Commit(ctx, "main", "a", "a", "ours edits moov", 2)
	require.NoError(t, err)

	stageBytes(t, repo, "clip.mp4", buildMP4(baseMoov, theirsTail), 3)
	theirsCommit, err := repo.Commit(ctx, "cut", "b", "b", "theirs edits mdat tail", 3)
	require.NoError(t, err)

	result, err := repo.Merge(ctx, "main", theirsCommit, "a", "a", "merge cut", 4)
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)
	require.False(t, result.Commit.IsZero())

	mergedCommit, err := repo.odb.ReadCommit(ctx, result.Commit)
	require.NoError(t, err)
	mergedTree, err := repo.odb.ReadTree(ctx, mergedCommit.Tree)
	require.NoError(t, err)
	require.Len(t, mergedTree.Entries, 1)

	got, err := repo.ReadBlob(ctx, mergedTree.Entries[0].OID)
	require.NoError(t, err)
	require.Equal(t, buildMP4(oursMoov, theirsTail), got)
}

// TestRepository_MergeVideoOverlappingRegionsConflicts: both sides rewrite
// the same moov box, so the modified segments overlap and the merge
// reports a conflict instead of producing a commit.
func TestRepository_MergeVideoOverlappingRegionsConflicts(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	tail := bytes.Repeat([]byte{0xB0}, 1024)

	stageBytes(t, repo, "clip.mp4", buildMP4(bytes.Repeat([]byte{0xA0}, 1024), tail), 1)
	base, err := repo.Commit(ctx, "main", "a", "a", "base cut", 1)
	require.NoError(t, err)
	require.NoError(t, repo.CreateBranch(ctx, "cut", base))

	stageBytes(t, repo, "clip.mp4", buildMP4(bytes.Repeat([]byte{0xA1}, 1024), tail), 2)
	_, err = repo.Commit(ctx, "main", "a", "a", "ours edits moov", 2)
	require.NoError(t, err)

	stageBytes(t, repo, "clip.mp4", buildMP4(bytes.Repeat([]byte{0xA2}, 1024), tail), 3)
	theirsCommit, err := repo.Commit(ctx, "cut", "b", "b", "theirs edits moov too", 3)
	require.NoError(t, err)

	result, err := repo.Merge(ctx, "main", theirsCommit, "a", "a", "merge cut", 4)
	require.NoError(t, err)
	require.True(t, result.Commit.IsZero())
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "clip.mp4", result.Conflicts[0].Path)
	require.Equal(t, "video-overlap", result.Conflicts[0].Kind)
}

func TestRepository_MergeFastForward(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	stageString(t, repo, "a.txt", "v1\n", 1)
	base, err := repo.Commit(ctx, "main", "a", "a", "v1", 1)
	require.NoError(t, err)
	require.NoError(t, repo.CreateBranch(ctx, "ahead", base))

	stageString(t, repo, "a.txt", "v2\n", 2)
	ahead, err := repo.Commit(ctx, "ahead", "a", "a", "v2", 2)
	require.NoError(t, err)

	result, err := repo.Merge(ctx, "main", ahead, "a", "a", "ff", 3)
	require.NoError(t, err)
	require.Empty(t, result.Conflicts)
	require.Equal(t, ahead, result.Commit)
}

func TestRepository_GCReclaimsUnreachableAfterBranchDelete(t *testing.T) {
	ctx := context.Background()
	b := memory.New(zerolog.Nop())
	cfg := config.DefaultConfig()
	cfg.GCReflogRetention = time.Hour
	repo, err := Open(ctx, b, cfg, metrics.NoopRecorder{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Init(ctx, "main"))

	stageString(t, repo, "main.txt", "root\n", 1)
	base, err := repo.Commit(ctx, "main", "a", "a", "root", 1)
	require.NoError(t, err)
	require.NoError(t, repo.CreateBranch(ctx, "doomed", base))

	require.NoError(t, repo.Unstage(ctx, "main.txt"))
	stageString(t, repo, "only-on-branch.txt", "xxxxx", 2)
	branchCommit, err := repo.Commit(ctx, "doomed", "a", "a", "branch-only work", 2)
	require.NoError(t, err)

	branchCommitObj, err := repo.odb.ReadCommit(ctx, branchCommit)
	require.NoError(t, err)
	branchTree, err := repo.odb.ReadTree(ctx, branchCommitObj.Tree)
	require.NoError(t, err)
	branchBlobOID := branchTree.Entries[0].OID

	require.NoError(t, repo.DeleteBranch(ctx, "doomed"))

	future := time.Now().Add(2 * time.Hour)
	plan, err := repo.RunGC(ctx, future, false)
	require.NoError(t, err)
	require.Greater(t, plan.TotalDeleted(), 0)

	_, err = repo.ReadBlob(ctx, branchBlobOID)
	require.Error(t, err)

	// Idempotent re-run: nothing left to collect.
	plan2, err := repo.RunGC(ctx, future, false)
	require.NoError(t, err)
	require.Equal(t, gc.Plan{}, plan2)
}
