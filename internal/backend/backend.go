// Package backend defines the Blob Backend abstraction: a flat key→bytes
// store with existence, listing, deletion, and ranged streaming read/write.
// It is the only place in the object subsystem where runtime dispatch over
// storage implementations is essential (spec.md §9); concrete backends
// (in-memory, local filesystem, and by extension S3-compatible or other
// cloud stores) live in their own sub-packages and are never exposed to
// callers beyond this interface.
package backend

import (
	"context"
	"io"
)

// Key layout conventions used by every component that writes through a
// Backend. Components build keys with these prefixes; the backend itself
// treats all keys as opaque byte strings.
const (
	PrefixObjects   = "objects/"
	PrefixChunks    = "chunks/"
	PrefixManifests = "manifests/"
	PrefixRefs      = "refs/"
	PrefixReflog    = "reflog/"
	KeyIndex        = "index"
	KeyHEAD         = "HEAD"
)

// Backend is the abstract key/value store every object-subsystem component
// writes through. Implementations MUST be safe for concurrent use by
// multiple callers and MUST make individual Put calls atomic: a concurrent
// Get observes either the old value or the new one, never a partial write.
// No ordering is guaranteed by List.
type Backend interface {
	// Get returns the full value stored at key, or a core.ErrNotFound error
	// if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange returns length bytes starting at offset within the value
	// stored at key. Implementations MAY return fewer bytes than length if
	// the value is shorter than offset+length.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Put writes value at key, replacing any existing value atomically.
	Put(ctx context.Context, key string, value []byte) error

	// StreamPut writes the full contents of r at key without requiring the
	// caller to buffer the entire value in memory first.
	StreamPut(ctx context.Context, key string, r io.Reader) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns an iterator over every key with the given prefix order
	// unspecified.
	List(ctx context.Context, prefix string) (KeyIterator, error)
}

// KeyIterator walks a List result. Next returns false once exhausted or on
// error; callers must check Err after the final Next.
type KeyIterator interface {
	Next() bool
	Key() string
	Err() error
	Close() error
}
