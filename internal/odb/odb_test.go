package odb

import (
	"bufio"
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/mediagit/internal/backend/memory"
	"github.com/prn-tf/mediagit/internal/core"
	"github.com/prn-tf/mediagit/internal/manifest"
	"github.com/prn-tf/mediagit/internal/metrics"
	"github.com/prn-tf/mediagit/internal/objects"
	"github.com/prn-tf/mediagit/internal/oid"
)

func newTestODB(t *testing.T) *ODB {
	t.Helper()
	b := memory.New(zerolog.Nop())
	o, err := New(b, DefaultConfig(), metrics.NoopRecorder{}, zerolog.Nop())
	require.NoError(t, err)
	return o
}

func TestWriteReadSmallBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	data := []byte("hello, mediagit")
	id, err := o.Write(ctx, data, "greeting.txt")
	require.NoError(t, err)
	require.Equal(t, oid.Of(data), id)

	got, err := o.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteIsIdempotentOnDuplicateContent(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	data := bytes.Repeat([]byte("abc"), 1000)
	id1, err := o.Write(ctx, data, "a.txt")
	require.NoError(t, err)
	id2, err := o.Write(ctx, data, "a.txt")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestWriteChunkedLargeBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	data := bytes.Repeat([]byte("0123456789abcdef"), 500000) // ~7.6MiB, above the text chunk threshold
	id, err := o.Write(ctx, data, "payload.txt")
	require.NoError(t, err)

	exists, err := o.backend.Exists(ctx, "manifests/"+id.String())
	require.NoError(t, err)
	require.True(t, exists, "large text blob should be written via a chunk manifest")

	got, err := o.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteDeltaEncodesNearDuplicateAgainstBase(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	rnd := rand.New(rand.NewSource(7))
	base := make([]byte, 2*1024*1024)
	rnd.Read(base)
	baseID, err := o.Write(ctx, base, "render.mov")
	require.NoError(t, err)

	// Same size, trailing kilobyte rewritten: every fingerprint sample
	// lands on unchanged bytes, so the similarity detector offers the
	// first write as a delta base.
	target := append([]byte{}, base...)
	copy(target[len(target)-1024:], bytes.Repeat([]byte{0xCD}, 1024))
	targetID, err := o.Write(ctx, target, "render.mov")
	require.NoError(t, err)
	require.NotEqual(t, baseID, targetID)

	raw, err := o.backend.Get(ctx, "objects/"+targetID.String())
	require.NoError(t, err)
	require.Equal(t, byte(deltaMarker), raw[0])

	got, err := o.Read(ctx, targetID)
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestReadUnknownOIDReturnsObjectNotFound(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	var bogus oid.OID
	bogus[0] = 0x42
	_, err := o.Read(ctx, bogus)
	require.ErrorIs(t, err, core.ErrObjectNotFound)
}

func TestWriteStreamRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	data := bytes.Repeat([]byte("stream-me "), 200000) // ~2MiB
	r := bufio.NewReader(bytes.NewReader(data))
	id, err := o.WriteStream(ctx, r, int64(len(data)), "stream.txt")
	require.NoError(t, err)
	require.Equal(t, oid.Of(data), id)

	got, err := o.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestSmallTextFallsBackToStore implements spec.md scenario 1: 12 bytes of
// text select brotli, brotli expands them, so the stored payload is the
// store prefix followed by the original bytes.
func TestSmallTextFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	data := []byte("hello world\n")
	id, err := o.Write(ctx, data, "greeting.txt")
	require.NoError(t, err)

	raw, err := o.backend.Get(ctx, "objects/"+id.String())
	require.NoError(t, err)
	require.Equal(t, byte(0x00), raw[0])
	require.Equal(t, data, raw[1:])

	got, err := o.Read(ctx, id)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestEmptyBlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	id, err := o.Write(ctx, nil, "empty.txt")
	require.NoError(t, err)
	require.Equal(t, oid.Of(nil), id)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", id.String())

	got, err := o.Read(ctx, id)
	require.NoError(t, err)
	require.Empty(t, got)
}

// TestCorruptChunkDetectedOnRead: replacing a stored chunk with different
// bytes of the same length must surface as CorruptObject on read, via the
// final whole-object hash verification.
func TestCorruptChunkDetectedOnRead(t *testing.T) {
	ctx := context.Background()
	b := memory.New(zerolog.Nop())
	o, err := New(b, DefaultConfig(), metrics.NoopRecorder{}, zerolog.Nop())
	require.NoError(t, err)

	data := bytes.Repeat([]byte("payload-"), 1024*1024) // 8MiB text, chunked
	id, err := o.Write(ctx, data, "big.txt")
	require.NoError(t, err)

	mRaw, err := b.Get(ctx, "manifests/"+id.String())
	require.NoError(t, err)
	m, err := manifest.Decode(mRaw)
	require.NoError(t, err)
	require.NotEmpty(t, m.Chunks)

	// Swap the first chunk for a store-encoded payload of the right length
	// but wrong content.
	first := m.Chunks[0]
	bogus := make([]byte, first.Length+1)
	bogus[0] = 0x00
	for i := range bogus[1:] {
		bogus[i+1] = 0x5A
	}
	require.NoError(t, b.Put(ctx, "chunks/"+first.ChunkID.String(), bogus))

	// A fresh ODB over the same backend bypasses the write-time cache.
	fresh, err := New(b, DefaultConfig(), metrics.NoopRecorder{}, zerolog.Nop())
	require.NoError(t, err)
	_, err = fresh.Read(ctx, id)
	var corrupt *core.CorruptObjectError
	require.ErrorAs(t, err, &corrupt)
	require.Equal(t, id.String(), corrupt.OID)
}

func TestWriteTreeCommitTagRoundTrip(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	blobID, err := o.Write(ctx, []byte("file contents"), "a.txt")
	require.NoError(t, err)

	tree := &objects.Tree{Entries: []objects.TreeEntry{
		{Name: "a.txt", Mode: objects.ModeFile, Kind: objects.KindBlob, OID: blobID},
	}}
	treeID, err := o.WriteTree(ctx, tree)
	require.NoError(t, err)

	gotTree, err := o.ReadTree(ctx, treeID)
	require.NoError(t, err)
	require.Equal(t, tree.Entries, gotTree.Entries)

	commit := &objects.Commit{
		Tree:      treeID,
		Author:    "tester <t@example.com>",
		Committer: "tester <t@example.com>",
		Timestamp: 1700000000,
		Message:   "initial commit\n",
	}
	commitID, err := o.WriteCommit(ctx, commit)
	require.NoError(t, err)

	gotCommit, err := o.ReadCommit(ctx, commitID)
	require.NoError(t, err)
	require.Equal(t, commit.Tree, gotCommit.Tree)
	require.Equal(t, commit.Message, gotCommit.Message)
}
