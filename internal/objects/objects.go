// Package objects defines the four object kinds (spec.md §3) and their
// canonical serializations (spec.md §6): Blob, Tree, Commit, and Tag. Only
// Tree, Commit, and Tag have a canonical form of their own; a Blob's
// "canonical bytes" are simply its content, possibly represented via a
// chunk manifest (see package manifest).
package objects

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/prn-tf/mediagit/internal/oid"
)

// Kind is the closed set of object kinds.
type Kind string

const (
	KindBlob   Kind = "blob"
	KindTree   Kind = "tree"
	KindCommit Kind = "commit"
	KindTag    Kind = "tag"
)

// Mode is a Tree entry's file mode, stored as the octal ASCII text git
// itself uses.
type Mode string

const (
	ModeFile       Mode = "100644"
	ModeExecutable Mode = "100755"
	ModeTree       Mode = "040000"
)

// TreeEntry is one (name, mode, kind, oid) entry in a Tree. Names are
// unique within a tree.
type TreeEntry struct {
	Name string
	Mode Mode
	Kind Kind
	OID  oid.OID
}

// Tree is a set of entries, held in whatever order the caller supplied;
// Canonical sorts them by Name, and a Tree's OID is the hash of that
// canonical serialization.
type Tree struct {
	Entries []TreeEntry
}

// Canonical serializes t with entries sorted by name, each encoded as
// "mode SP name NUL 32-byte-oid" (spec.md §6).
func (t *Tree) Canonical() []byte {
	sorted := append([]TreeEntry(nil), t.Entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(string(e.Mode))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.OID[:])
	}
	return buf.Bytes()
}

// OID computes the tree's object identifier from its canonical bytes.
func (t *Tree) OID() oid.OID { return oid.Of(t.Canonical()) }

// ParseTree decodes a canonical Tree serialization.
func ParseTree(data []byte) (*Tree, error) {
	var entries []TreeEntry
	for len(data) > 0 {
		spaceIdx := bytes.IndexByte(data, ' ')
		if spaceIdx < 0 {
			return nil, fmt.Errorf("objects: malformed tree entry: missing mode separator")
		}
		mode := Mode(data[:spaceIdx])
		rest := data[spaceIdx+1:]

		nulIdx := bytes.IndexByte(rest, 0)
		if nulIdx < 0 {
			return nil, fmt.Errorf("objects: malformed tree entry: missing name terminator")
		}
		name := string(rest[:nulIdx])
		rest = rest[nulIdx+1:]

		if len(rest) < oid.Size {
			return nil, fmt.Errorf("objects: malformed tree entry: truncated oid")
		}
		var o oid.OID
		copy(o[:], rest[:oid.Size])

		kind := KindBlob
		if mode == ModeTree {
			kind = KindTree
		}
		entries = append(entries, TreeEntry{Name: name, Mode: mode, Kind: kind, OID: o})
		data = rest[oid.Size:]
	}
	return &Tree{Entries: entries}, nil
}

// Commit is an immutable snapshot: a root Tree plus ordered parents (first
// parent is the mainline), authorship, and a message.
type Commit struct {
	Tree      oid.OID
	Parents   []oid.OID
	Author    string
	Committer string
	Timestamp int64 // unix seconds
	Message   string
}

// Canonical serializes c as the text form spec.md §6 describes: a "tree"
// line, one "parent" line per parent in order, "author"/"committer" lines,
// a blank line, then the message bytes verbatim.
func (c *Commit) Canonical() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree.String())
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p.String())
	}
	fmt.Fprintf(&buf, "author %s %d\n", c.Author, c.Timestamp)
	fmt.Fprintf(&buf, "committer %s %d\n", c.Committer, c.Timestamp)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// OID computes the commit's object identifier from its canonical bytes.
func (c *Commit) OID() oid.OID { return oid.Of(c.Canonical()) }

// Tag is an annotated pointer to any other object.
type Tag struct {
	Object  oid.OID
	Type    Kind
	Name    string
	Tagger  string
	Message string
}

// Canonical serializes the tag the same shape as Commit, but with
// "object"/"type"/"tag"/"tagger" fields (spec.md §6).
func (t *Tag) Canonical() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object.String())
	fmt.Fprintf(&buf, "type %s\n", t.Type)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	fmt.Fprintf(&buf, "tagger %s\n", t.Tagger)
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// OID computes the tag's object identifier from its canonical bytes.
func (t *Tag) OID() oid.OID { return oid.Of(t.Canonical()) }
