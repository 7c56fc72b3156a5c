// Package filesystem implements the Blob Backend (spec.md C1) on top of the
// local filesystem. It generalizes the teacher's content-hash-sharded
// storage layout to an arbitrary key namespace: every key keeps its own
// path under the root, and a key whose final component is a hex string (an
// OID or chunk ID) is split into a two-level shard taken from that
// component's first four hex characters, the same distribution strategy
// the teacher used for content hashes (domain.ComputeStoragePath), so the
// chunks/, objects/ and manifests/ prefixes don't concentrate millions of
// entries in one directory.
package filesystem

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/core"
)

const shardCount = 256

// shardedLock gives per-key locking instead of one global mutex, exactly
// the teacher's rationale: concurrent operations on unrelated keys should
// never block each other.
type shardedLock struct {
	locks [shardCount]sync.RWMutex
}

func (sl *shardedLock) index(key string) int {
	sum := sha256.Sum256([]byte(key))
	return int(sum[0])
}

func (sl *shardedLock) Lock(key string)    { sl.locks[sl.index(key)].Lock() }
func (sl *shardedLock) Unlock(key string)  { sl.locks[sl.index(key)].Unlock() }
func (sl *shardedLock) RLock(key string)   { sl.locks[sl.index(key)].RLock() }
func (sl *shardedLock) RUnlock(key string) { sl.locks[sl.index(key)].RUnlock() }

// Backend stores each key as a file under root; keys whose final component
// is hex are sharded two levels deep by that component's leading
// characters (see pathFor).
type Backend struct {
	root    string
	tempDir string
	logger  zerolog.Logger
	shards  shardedLock
	tempMu  sync.Mutex
}

// New creates a filesystem-backed Backend rooted at dir. dir and its temp
// subdirectory are created if absent.
func New(dir string, logger zerolog.Logger) (*Backend, error) {
	tempDir := filepath.Join(dir, ".tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filesystem backend: create root: %w", err)
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("filesystem backend: create temp dir: %w", err)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("filesystem backend: resolve root: %w", err)
	}
	logger.Info().Str("root", root).Msg("filesystem backend initialized")
	return &Backend{root: root, tempDir: tempDir, logger: logger}, nil
}

// pathFor maps a logical key to its on-disk path. The key's own path
// structure (e.g. "refs/heads/main") is preserved under the root; any key
// whose final component is lowercase hex and at least four characters long
// (the OIDs and chunk IDs under objects/, chunks/ and manifests/, but also
// a ref named e.g. "cafe") is additionally shard-split into directories
// named by its first two and next two characters.
func (b *Backend) pathFor(key string) string {
	clean := strings.TrimPrefix(key, "/")
	dir, base := filepath.Split(clean)
	if looksLikeHex(base) && len(base) >= 4 {
		dir = filepath.Join(dir, base[0:2], base[2:4])
	}
	return filepath.Join(b.root, dir, base)
}

func looksLikeHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return len(s) > 0
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	b.shards.RLock(key)
	defer b.shards.RUnlock(key)

	data, err := os.ReadFile(b.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("filesystem backend: get %q: %w", key, err)
	}
	return data, nil
}

func (b *Backend) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	b.shards.RLock(key)
	defer b.shards.RUnlock(key)

	f, err := os.Open(b.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("filesystem backend: open %q: %w", key, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("filesystem backend: seek %q: %w", key, err)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("filesystem backend: read range %q: %w", key, err)
	}
	return buf[:n], nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	return b.StreamPut(ctx, key, bytes.NewReader(value))
}

// StreamPut writes to a temp file and renames it into place, matching the
// teacher's write-then-rename durability pattern: readers never observe a
// partially written value.
func (b *Backend) StreamPut(ctx context.Context, key string, r io.Reader) error {
	b.tempMu.Lock()
	tmp, err := os.CreateTemp(b.tempDir, "put-*")
	b.tempMu.Unlock()
	if err != nil {
		return fmt.Errorf("filesystem backend: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("filesystem backend: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filesystem backend: close temp file: %w", err)
	}

	b.shards.Lock(key)
	defer b.shards.Unlock(key)

	target := b.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("filesystem backend: create target dir: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		if copyErr := copyFile(tmpPath, target); copyErr != nil {
			return fmt.Errorf("filesystem backend: move into place %q: %w", key, copyErr)
		}
		_ = os.Remove(tmpPath)
	}
	success = true
	b.logger.Debug().Str("key", key).Msg("filesystem backend put")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	b.shards.RLock(key)
	defer b.shards.RUnlock(key)
	_, err := os.Stat(b.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("filesystem backend: stat %q: %w", key, err)
	}
	return true, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.shards.Lock(key)
	defer b.shards.Unlock(key)
	if err := os.Remove(b.pathFor(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("filesystem backend: delete %q: %w", key, err)
	}
	b.cleanupEmptyDirs(filepath.Dir(b.pathFor(key)))
	return nil
}

func (b *Backend) cleanupEmptyDirs(dir string) {
	for dir != b.root && strings.HasPrefix(dir, b.root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// List walks the subtree under prefix and returns every key found there.
// Because objects/ and chunks/ keys are shard-split on disk, List
// reconstructs the logical key from the hex leaf name rather than the
// relative path.
func (b *Backend) List(ctx context.Context, prefix string) (backend.KeyIterator, error) {
	var keys []string
	prefixDir, prefixBase := filepath.Split(strings.TrimPrefix(prefix, "/"))
	walkRoot := filepath.Join(b.root, prefixDir)

	err := filepath.WalkDir(walkRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		key := collapseShard(rel)
		if strings.HasPrefix(key, prefixDir+prefixBase) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("filesystem backend: list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return &iterator{keys: keys, pos: -1}, nil
}

// collapseShard removes the two shard directory components from a
// relative path if its leaf looks like a sharded hex key, e.g.
// "objects/ab/cd/abcd1234.../file" -> "objects/abcd1234...".
func collapseShard(rel string) string {
	parts := strings.Split(rel, "/")
	if len(parts) < 4 {
		return rel
	}
	leaf := parts[len(parts)-1]
	shard1, shard2 := parts[len(parts)-3], parts[len(parts)-2]
	if looksLikeHex(shard1) && len(shard1) == 2 && looksLikeHex(shard2) && len(shard2) == 2 &&
		strings.HasPrefix(leaf, shard1+shard2) {
		head := parts[:len(parts)-3]
		return strings.Join(append(head, leaf), "/")
	}
	return rel
}

type iterator struct {
	keys []string
	pos  int
}

func (it *iterator) Next() bool   { it.pos++; return it.pos < len(it.keys) }
func (it *iterator) Key() string  { return it.keys[it.pos] }
func (it *iterator) Err() error   { return nil }
func (it *iterator) Close() error { return nil }

var _ backend.Backend = (*Backend)(nil)
