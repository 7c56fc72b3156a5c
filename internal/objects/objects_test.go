package objects

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/mediagit/internal/oid"
)

func TestTreeCanonicalSortsByName(t *testing.T) {
	a := oid.Of([]byte("a"))
	b := oid.Of([]byte("b"))
	tree := &Tree{Entries: []TreeEntry{
		{Name: "zeta.txt", Mode: ModeFile, Kind: KindBlob, OID: b},
		{Name: "alpha.txt", Mode: ModeFile, Kind: KindBlob, OID: a},
	}}

	canon := tree.Canonical()
	parsed, err := ParseTree(canon)
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 2)
	require.Equal(t, "alpha.txt", parsed.Entries[0].Name)
	require.Equal(t, "zeta.txt", parsed.Entries[1].Name)
}

func TestTreeOIDDeterministic(t *testing.T) {
	tree := &Tree{Entries: []TreeEntry{
		{Name: "file.txt", Mode: ModeFile, Kind: KindBlob, OID: oid.Of([]byte("x"))},
	}}
	require.Equal(t, tree.OID(), tree.OID())
}

func TestCommitCanonicalRoundTripsThroughOID(t *testing.T) {
	c := &Commit{
		Tree:      oid.Of([]byte("tree")),
		Parents:   []oid.OID{oid.Of([]byte("parent1"))},
		Author:    "a <a@example.com>",
		Committer: "a <a@example.com>",
		Timestamp: 1700000000,
		Message:   "initial commit\n",
	}
	require.Equal(t, oid.Of(c.Canonical()), c.OID())
}

func TestTagCanonical(t *testing.T) {
	tag := &Tag{
		Object:  oid.Of([]byte("obj")),
		Type:    KindCommit,
		Name:    "v1.0.0",
		Tagger:  "a <a@example.com>",
		Message: "release\n",
	}
	require.Contains(t, string(tag.Canonical()), "tag v1.0.0")
}
