// Package memory provides an in-memory Backend implementation, used by
// tests and by callers that want a disposable repository (e.g. scratch
// merges) without touching a filesystem.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/core"
)

// Backend is a map-backed, mutex-guarded implementation of backend.Backend.
type Backend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	logger zerolog.Logger
}

// New creates an empty in-memory backend.
func New(logger zerolog.Logger) *Backend {
	return &Backend{
		data:   make(map[string][]byte),
		logger: logger,
	}
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *Backend) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	if offset < 0 || offset > int64(len(v)) {
		return nil, nil
	}
	end := offset + length
	if end > int64(len(v)) {
		end = int64(len(v))
	}
	out := make([]byte, end-offset)
	copy(out, v[offset:end])
	return out, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.mu.Lock()
	b.data[key] = cp
	b.mu.Unlock()
	b.logger.Debug().Str("key", key).Int("bytes", len(cp)).Msg("memory backend put")
	return nil
}

func (b *Backend) StreamPut(ctx context.Context, key string, r io.Reader) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	return b.Put(ctx, key, buf.Bytes())
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.data[key]
	return ok, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.data, key)
	b.mu.Unlock()
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) (backend.KeyIterator, error) {
	b.mu.RLock()
	keys := make([]string, 0)
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return &iterator{keys: keys, pos: -1}, nil
}

type iterator struct {
	keys []string
	pos  int
}

func (it *iterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *iterator) Key() string { return it.keys[it.pos] }
func (it *iterator) Err() error  { return nil }
func (it *iterator) Close() error { return nil }

var _ backend.Backend = (*Backend)(nil)
