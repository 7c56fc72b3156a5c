// Package index implements the staging area (spec.md C10): an in-memory
// path→OID mapping with a (size, mtime) stat-cache so re-staging an
// unchanged working tree costs no hashing or chunking at all.
package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/oid"
)

// Mode mirrors objects.Mode without importing the objects package, since
// the index only needs to remember which mode a path was staged with.
type Mode string

const (
	ModeFile       Mode = "100644"
	ModeExecutable Mode = "100755"
)

// Entry is one (path, oid, mode, size, mtime?) record (spec.md §3). MTime
// is Unix nanoseconds; a value of 0 means "unknown" and is serialized as
// 0.
type Entry struct {
	Path  string
	OID   oid.OID
	Mode  Mode
	Size  int64
	MTime int64
}

// Writer is the subset of the ODB the index needs in order to stage file
// content: hash, classify, chunk, and write it, producing an OID.
type Writer interface {
	Write(ctx context.Context, data []byte, filename string) (oid.OID, error)
}

// Index is the in-memory path→Entry mapping. Not safe for concurrent use;
// callers hold the writer epoch (see package reposync) while mutating it.
type Index struct {
	entries map[string]Entry
}

// New returns an empty index.
func New() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Get returns the entry staged at path, if any.
func (idx *Index) Get(path string) (Entry, bool) {
	e, ok := idx.entries[normalizePath(path)]
	return e, ok
}

// Set records or replaces the entry for path.
func (idx *Index) Set(e Entry) {
	e.Path = normalizePath(e.Path)
	idx.entries[e.Path] = e
}

// Remove drops path from the index. Removing an absent path is not an
// error.
func (idx *Index) Remove(path string) {
	delete(idx.entries, normalizePath(path))
}

// Entries returns every staged entry, sorted by path for deterministic
// iteration (tree-building walks the index in this order).
func (idx *Index) Entries() []Entry {
	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len reports how many paths are currently staged.
func (idx *Index) Len() int { return len(idx.entries) }

func normalizePath(p string) string {
	return filepath.ToSlash(p)
}

// StageFile stages a single file's content under path, skipping the
// write entirely if (size, mtime) match the existing entry (spec.md
// §4.10's stat-cache rule). mode identifies the executable bit; mtime is
// Unix nanoseconds, or 0 if unavailable (stat-cache is then always a
// miss for that path).
func (idx *Index) StageFile(ctx context.Context, w Writer, path string, mode Mode, size, mtime int64, open func() (io.Reader, error)) error {
	path = normalizePath(path)
	if existing, ok := idx.entries[path]; ok && mtime != 0 {
		if existing.Size == size && existing.MTime == mtime {
			return nil
		}
	}

	r, err := open()
	if err != nil {
		return fmt.Errorf("index: open %s: %w", path, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("index: read %s: %w", path, err)
	}

	id, err := w.Write(ctx, data, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("index: write %s: %w", path, err)
	}

	idx.entries[path] = Entry{Path: path, OID: id, Mode: mode, Size: size, MTime: mtime}
	return nil
}

// WalkFunc is supplied by the caller's working-tree walker; it yields one
// regular file at a time. Directories and non-regular files are the
// caller's concern to filter before invoking ScanAndStage.
type WalkFunc func(yield func(path string, mode Mode, size, mtime int64, open func() (io.Reader, error)) error) error

// ScanAndStage drives walk over the working tree, staging every file it
// yields. Unchanged files (matching size and mtime) are skipped without
// any read, hash, or chunk (spec.md's scenario 2).
func (idx *Index) ScanAndStage(ctx context.Context, w Writer, walk WalkFunc) error {
	return walk(func(path string, mode Mode, size, mtime int64, open func() (io.Reader, error)) error {
		return idx.StageFile(ctx, w, path, mode, size, mtime, open)
	})
}

// Encode serializes the index to its canonical on-disk form: a version
// byte, an entry count (u32 LE), then per entry: u16 path length + path
// bytes, 32-byte oid, mode byte (0=file, 1=executable), u64 size, u64
// mtime (0 meaning absent).
func (idx *Index) Encode() []byte {
	entries := idx.Entries()

	var buf bytes.Buffer
	buf.WriteByte(1) // version

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(entries)))
	buf.Write(u32[:])

	var u16 [2]byte
	var u64 [8]byte
	for _, e := range entries {
		binary.LittleEndian.PutUint16(u16[:], uint16(len(e.Path)))
		buf.Write(u16[:])
		buf.WriteString(e.Path)

		buf.Write(e.OID[:])

		if e.Mode == ModeExecutable {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

		binary.LittleEndian.PutUint64(u64[:], uint64(e.Size))
		buf.Write(u64[:])

		binary.LittleEndian.PutUint64(u64[:], uint64(e.MTime))
		buf.Write(u64[:])
	}
	return buf.Bytes()
}

// Decode parses the form Encode produces. Older serializations lacking the
// mtime field are not supported by this version marker; a missing mtime is
// represented in-band as 0, not by a shorter record (spec.md §4.10 only
// requires that mtime's absence not break deserialization, which a 0 value
// already satisfies).
func Decode(data []byte) (*Index, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("index: read version: %w", err)
	}
	if version != 1 {
		return nil, fmt.Errorf("index: unsupported version %d", version)
	}

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("index: read entry count: %w", err)
	}
	count := binary.LittleEndian.Uint32(u32[:])

	idx := New()
	var u16 [2]byte
	var u64 [8]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, u16[:]); err != nil {
			return nil, fmt.Errorf("index: entry %d path length: %w", i, err)
		}
		pathLen := binary.LittleEndian.Uint16(u16[:])
		pathBytes := make([]byte, pathLen)
		if _, err := io.ReadFull(r, pathBytes); err != nil {
			return nil, fmt.Errorf("index: entry %d path: %w", i, err)
		}

		var o oid.OID
		if _, err := io.ReadFull(r, o[:]); err != nil {
			return nil, fmt.Errorf("index: entry %d oid: %w", i, err)
		}

		modeByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("index: entry %d mode: %w", i, err)
		}
		mode := ModeFile
		if modeByte == 1 {
			mode = ModeExecutable
		}

		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, fmt.Errorf("index: entry %d size: %w", i, err)
		}
		size := int64(binary.LittleEndian.Uint64(u64[:]))

		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, fmt.Errorf("index: entry %d mtime: %w", i, err)
		}
		mtime := int64(binary.LittleEndian.Uint64(u64[:]))

		path := strings.TrimSpace(string(pathBytes))
		idx.entries[path] = Entry{Path: path, OID: o, Mode: mode, Size: size, MTime: mtime}
	}
	return idx, nil
}

// Load reads and decodes the index from the backend's well-known key.
// Absence of the key is not an error; it yields a fresh empty index, as at
// repository init.
func Load(ctx context.Context, b backend.Backend) (*Index, error) {
	exists, err := b.Exists(ctx, backend.KeyIndex)
	if err != nil {
		return nil, err
	}
	if !exists {
		return New(), nil
	}
	data, err := b.Get(ctx, backend.KeyIndex)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Flush writes the index's canonical serialization to the backend's
// well-known key, replacing any prior index wholesale (spec.md §3: "Index:
// ... replaced wholesale on commit").
func (idx *Index) Flush(ctx context.Context, b backend.Backend) error {
	return b.Put(ctx, backend.KeyIndex, idx.Encode())
}
