// Package odb implements the Object Database (spec.md C9): the read/write
// path for Blob, Tree, Commit, and Tag objects, routed through the
// classifier, chunker, similarity detector, delta codec, and compression
// selector, with an LRU read cache in front of the backend.
package odb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/chunker"
	"github.com/prn-tf/mediagit/internal/classify"
	"github.com/prn-tf/mediagit/internal/compress"
	"github.com/prn-tf/mediagit/internal/core"
	"github.com/prn-tf/mediagit/internal/delta"
	"github.com/prn-tf/mediagit/internal/manifest"
	"github.com/prn-tf/mediagit/internal/metrics"
	"github.com/prn-tf/mediagit/internal/objects"
	"github.com/prn-tf/mediagit/internal/oid"
	"github.com/prn-tf/mediagit/internal/similarity"
)

// MaxObjectSize is the hard ceiling on a Blob's reconstructed size
// (spec.md §4.9), guarding against allocation failure on a corrupt
// manifest.
const MaxObjectSize = 16 * 1024 * 1024 * 1024 // 16 GiB

// deltaMarker is the first byte of a delta payload. It differs from the
// compression codec's fixed prefixes/magic (spec.md §6): 0x00 is store,
// 0x78 is zlib, the zstd magic starts 0x28. Anything else dispatches to
// brotli, whose streams can also begin with 0x01, so the marker alone does
// not identify a delta (see isDeltaPayload).
const deltaMarker = 0x01

const sampleWindow = 4096

// Config is the subset of spec.md §6's configuration surface the ODB
// consumes.
type Config struct {
	CacheCapacity             int
	DeltaEnabled              bool
	ForceChunkOnPrecompressed bool
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		CacheCapacity:             1000,
		DeltaEnabled:              true,
		ForceChunkOnPrecompressed: false,
	}
}

// ODB is the object database: backend-agnostic, guarded by short critical
// sections around its cache and similarity window (spec.md §5), safe for
// concurrent readers.
type ODB struct {
	backend backend.Backend
	cfg     Config
	metrics metrics.Recorder
	logger  zerolog.Logger

	cacheMu sync.Mutex
	cache   *lru.Cache[oid.OID, []byte]

	simMu sync.Mutex
	sim   *similarity.Detector
}

// New constructs an ODB over backend b.
func New(b backend.Backend, cfg Config, rec metrics.Recorder, logger zerolog.Logger) (*ODB, error) {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	cache, err := lru.New[oid.OID, []byte](capacity)
	if err != nil {
		return nil, fmt.Errorf("odb: create cache: %w", err)
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &ODB{
		backend: b,
		cfg:     cfg,
		metrics: rec,
		logger:  logger,
		cache:   cache,
		sim:     similarity.New(),
	}, nil
}

func (o *ODB) cacheGet(id oid.OID) ([]byte, bool) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	return o.cache.Get(id)
}

func (o *ODB) cachePut(id oid.OID, data []byte) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	o.cache.Add(id, data)
}

// Write implements the Blob write path (spec.md §4.9 steps 1-5) for bytes
// already fully in memory.
func (o *ODB) Write(ctx context.Context, data []byte, filename string) (oid.OID, error) {
	if int64(len(data)) > MaxObjectSize {
		return oid.Undef, &core.OverflowError{Limit: MaxObjectSize, Got: int64(len(data))}
	}

	id := oid.Of(data)
	manifestKey := backend.PrefixManifests + id.String()
	objectKey := backend.PrefixObjects + id.String()

	if exists, err := o.backend.Exists(ctx, manifestKey); err != nil {
		return oid.Undef, err
	} else if exists {
		return id, nil
	}
	if exists, err := o.backend.Exists(ctx, objectKey); err != nil {
		return oid.Undef, err
	} else if exists {
		return id, nil
	}

	sample := data
	if len(sample) > sampleWindow {
		sample = sample[:sampleWindow]
	}
	cat := classify.Classify(filename, sample)
	strategy := chunker.Decide(cat, int64(len(data)), o.cfg.ForceChunkOnPrecompressed)

	if strategy == chunker.StrategyNone {
		if err := o.writeNonChunked(ctx, id, objectKey, data, cat); err != nil {
			return oid.Undef, err
		}
	} else {
		if err := o.writeChunked(ctx, manifestKey, data, filename, cat); err != nil {
			return oid.Undef, err
		}
	}

	o.metrics.ObjectWritten("blob", int64(len(data)))
	o.cachePut(id, data)
	o.logger.Debug().Str("oid", id.String()).Str("category", string(cat)).Int("size", len(data)).Msg("blob written")
	return id, nil
}

func (o *ODB) writeNonChunked(ctx context.Context, id oid.OID, objectKey string, data []byte, cat classify.Category) error {
	fp := similarity.Fingerprint(data)

	if o.cfg.DeltaEnabled {
		o.simMu.Lock()
		cand, found := o.sim.FindSimilar(cat, int64(len(data)), fp)
		o.simMu.Unlock()

		if found {
			if stored, err := o.tryDelta(ctx, objectKey, data, cand.OID); err != nil {
				return err
			} else if stored {
				o.observe(id, cat, int64(len(data)), fp)
				return nil
			}
		}
	}

	choice := compress.Select(cat, int64(len(data)))
	encoded, _, err := compress.Encode(choice.Algorithm, choice.Level, data)
	if err != nil {
		return fmt.Errorf("odb: compress %s: %w", id, err)
	}
	if err := o.backend.Put(ctx, objectKey, encoded); err != nil {
		return err
	}
	o.observe(id, cat, int64(len(data)), fp)
	return nil
}

// tryDelta attempts to store data as a delta against baseOID, enforcing
// the accept-ratio rule and the chain-depth ceiling at the point of
// acceptance (spec.md's resolution of the Open Question in §9: enforced
// here, right before a delta is written).
func (o *ODB) tryDelta(ctx context.Context, objectKey string, data []byte, baseOID oid.OID) (bool, error) {
	depth, err := o.chainDepth(ctx, baseOID)
	if err != nil {
		return false, nil // base chain unreadable; fall back to a full write rather than fail
	}
	if depth >= delta.MaxChainDepth {
		o.metrics.DeltaRejected()
		return false, nil
	}

	baseBytes, err := o.Read(ctx, baseOID)
	if err != nil {
		return false, nil // candidate base no longer readable; fall back
	}

	encoded := delta.Encode(baseBytes, data)
	if float64(len(encoded)) >= delta.AcceptRatio*float64(len(data)) {
		o.metrics.DeltaRejected()
		return false, nil
	}

	payload := make([]byte, 0, len(encoded)+1)
	payload = append(payload, deltaMarker)
	payload = append(payload, encoded...)
	if err := o.backend.Put(ctx, objectKey, payload); err != nil {
		return false, err
	}
	if err := o.backend.Put(ctx, objectKey+".meta", []byte("base:"+baseOID.String())); err != nil {
		return false, err
	}
	o.metrics.DeltaAccepted(int64(len(data)) - int64(len(encoded)))
	return true, nil
}

// chainDepth walks the .meta sidecar chain starting at id, returning how
// many delta hops separate id from its nearest non-delta ancestor. A
// non-delta object (no .meta) has depth 0.
func (o *ODB) chainDepth(ctx context.Context, id oid.OID) (int, error) {
	cur := id
	for depth := 0; depth <= delta.MaxChainDepth+1; depth++ {
		metaKey := backend.PrefixObjects + cur.String() + ".meta"
		exists, err := o.backend.Exists(ctx, metaKey)
		if err != nil {
			return 0, err
		}
		if !exists {
			return depth, nil
		}
		metaBytes, err := o.backend.Get(ctx, metaKey)
		if err != nil {
			return 0, err
		}
		baseHex := strings.TrimSpace(strings.TrimPrefix(string(metaBytes), "base:"))
		baseOID, err := oid.Parse(baseHex)
		if err != nil {
			return 0, fmt.Errorf("odb: parse delta base in %s: %w", metaKey, err)
		}
		cur = baseOID
	}
	return 0, core.ErrChainTooDeep
}

func (o *ODB) observe(id oid.OID, cat classify.Category, size int64, fp [10]uint64) {
	o.simMu.Lock()
	o.sim.Observe(id, cat, size, fp)
	o.simMu.Unlock()
}

func (o *ODB) writeChunked(ctx context.Context, manifestKey string, data []byte, filename string, cat classify.Category) error {
	chunks, _ := chunker.ChunkData(data, filename, cat, o.cfg.ForceChunkOnPrecompressed)
	refs := make([]manifest.ChunkRef, 0, len(chunks))

	for _, c := range chunks {
		key := backend.PrefixChunks + c.ID.String()
		exists, err := o.backend.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			choice := compress.Select(cat, int64(len(c.Data)))
			encoded, _, err := compress.Encode(choice.Algorithm, choice.Level, c.Data)
			if err != nil {
				return fmt.Errorf("odb: compress chunk %s: %w", c.ID, err)
			}
			if err := o.backend.Put(ctx, key, encoded); err != nil {
				return err
			}
		}
		refs = append(refs, manifest.ChunkRef{ChunkID: c.ID, Offset: uint64(c.Offset), Length: uint32(len(c.Data)), Type: c.Type})
	}

	m := &manifest.Manifest{TotalSize: uint64(len(data)), Chunks: refs, Filename: filename}
	// Manifests are written only after every referenced chunk is durable
	// (spec.md §5): the loop above has already returned on any chunk
	// write failure by this point.
	return o.backend.Put(ctx, manifestKey, m.Encode())
}

// WriteStream drives the chunker from r without materializing the whole
// input (spec.md §4.9 streaming write variant), writing each chunk as it
// is produced. For CDC and fixed-block chunking it holds no more than one
// chunk's worth of bytes plus the growing manifest chunk list at a time;
// media-structural files, and files stored as a single chunk, are read
// whole by the chunker first (see chunker.ChunkStream).
func (o *ODB) WriteStream(ctx context.Context, r *bufio.Reader, size int64, filename string) (oid.OID, error) {
	sample, _ := r.Peek(sampleWindow)
	cat := classify.Classify(filename, sample)

	hasher := oid.NewRunningHash()
	teed := io.TeeReader(r, hasher)

	var refs []manifest.ChunkRef
	var total uint64

	_, err := chunker.ChunkStream(teed, size, cat, o.cfg.ForceChunkOnPrecompressed, func(c chunker.Chunk) error {
		key := backend.PrefixChunks + c.ID.String()
		exists, err := o.backend.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			choice := compress.Select(cat, int64(len(c.Data)))
			encoded, _, err := compress.Encode(choice.Algorithm, choice.Level, c.Data)
			if err != nil {
				return fmt.Errorf("odb: compress chunk %s: %w", c.ID, err)
			}
			if err := o.backend.Put(ctx, key, encoded); err != nil {
				return err
			}
		}
		refs = append(refs, manifest.ChunkRef{ChunkID: c.ID, Offset: uint64(c.Offset), Length: uint32(len(c.Data)), Type: c.Type})
		total += uint64(len(c.Data))
		return nil
	})
	if err != nil {
		return oid.Undef, err
	}
	if total > MaxObjectSize {
		return oid.Undef, &core.OverflowError{Limit: MaxObjectSize, Got: int64(total)}
	}

	id := hasher.Sum()
	m := &manifest.Manifest{TotalSize: total, Chunks: refs, Filename: filename}
	if err := o.backend.Put(ctx, backend.PrefixManifests+id.String(), m.Encode()); err != nil {
		return oid.Undef, err
	}
	o.metrics.ObjectWritten("blob", int64(total))
	return id, nil
}

// Read implements the Blob/Tree/Commit/Tag read path (spec.md §4.9):
// cache, then manifest-based reconstruction, then direct/delta object
// read, always ending in a hash verification against id.
func (o *ODB) Read(ctx context.Context, id oid.OID) ([]byte, error) {
	if data, ok := o.cacheGet(id); ok {
		o.metrics.CacheHit()
		return data, nil
	}
	o.metrics.CacheMiss()

	manifestKey := backend.PrefixManifests + id.String()
	if exists, err := o.backend.Exists(ctx, manifestKey); err != nil {
		return nil, err
	} else if exists {
		return o.readManifest(ctx, id, manifestKey)
	}

	objectKey := backend.PrefixObjects + id.String()
	raw, err := o.backend.Get(ctx, objectKey)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, core.ErrObjectNotFound
		}
		return nil, err
	}

	var result []byte
	if isDelta, derr := o.isDeltaPayload(ctx, objectKey, raw); derr != nil {
		return nil, derr
	} else if isDelta {
		result, err = o.readDelta(ctx, objectKey, raw[1:])
	} else {
		result, err = compress.Decode(raw)
	}
	if err != nil {
		return nil, core.NewCorruptObjectError(id.String(), err.Error())
	}
	if oid.Of(result) != id {
		return nil, core.NewCorruptObjectError(id.String(), "hash mismatch on read")
	}
	o.cachePut(id, result)
	return result, nil
}

// isDeltaPayload reports whether raw is a delta payload: the marker byte
// alone is not conclusive (a brotli stream may begin with the same byte),
// so the .meta sidecar written alongside every delta is the deciding
// signal.
func (o *ODB) isDeltaPayload(ctx context.Context, objectKey string, raw []byte) (bool, error) {
	if len(raw) == 0 || raw[0] != deltaMarker {
		return false, nil
	}
	return o.backend.Exists(ctx, objectKey+".meta")
}

func (o *ODB) readDelta(ctx context.Context, objectKey string, payload []byte) ([]byte, error) {
	metaBytes, err := o.backend.Get(ctx, objectKey+".meta")
	if err != nil {
		return nil, fmt.Errorf("read delta base reference: %w", err)
	}
	baseHex := strings.TrimSpace(strings.TrimPrefix(string(metaBytes), "base:"))
	baseOID, err := oid.Parse(baseHex)
	if err != nil {
		return nil, fmt.Errorf("parse delta base reference: %w", err)
	}
	// The base must already be durable by construction (spec.md §5
	// "object-after-base"); a plain recursive Read re-verifies its hash
	// too.
	baseBytes, err := o.Read(ctx, baseOID)
	if err != nil {
		return nil, fmt.Errorf("read delta base %s: %w", baseOID, err)
	}
	return delta.Decode(baseBytes, payload)
}

func (o *ODB) readManifest(ctx context.Context, id oid.OID, manifestKey string) ([]byte, error) {
	raw, err := o.backend.Get(ctx, manifestKey)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(raw)
	if err != nil {
		return nil, core.NewCorruptObjectError(id.String(), "malformed manifest: "+err.Error())
	}
	if m.TotalSize > MaxObjectSize {
		return nil, &core.OverflowError{Limit: MaxObjectSize, Got: int64(m.TotalSize)}
	}

	buf := make([]byte, 0, m.TotalSize)
	for _, ref := range m.Chunks {
		if ref.Offset != uint64(len(buf)) {
			return nil, core.NewCorruptObjectError(id.String(), "chunk offset disagrees with manifest ordering")
		}
		chunkRaw, err := o.backend.Get(ctx, backend.PrefixChunks+ref.ChunkID.String())
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, core.NewCorruptObjectError(id.String(), "missing chunk "+ref.ChunkID.String())
			}
			return nil, err
		}
		chunkData, err := compress.Decode(chunkRaw)
		if err != nil {
			return nil, core.NewCorruptObjectError(id.String(), "undecodable chunk "+ref.ChunkID.String()+": "+err.Error())
		}
		if uint32(len(chunkData)) != ref.Length {
			return nil, core.NewCorruptObjectError(id.String(), "chunk length disagreement for "+ref.ChunkID.String())
		}
		buf = append(buf, chunkData...)
	}
	if uint64(len(buf)) != m.TotalSize {
		return nil, core.NewCorruptObjectError(id.String(), "reconstructed size disagrees with manifest total_size")
	}
	if oid.Of(buf) != id {
		return nil, core.NewCorruptObjectError(id.String(), "hash mismatch on read")
	}
	o.cachePut(id, buf)
	return buf, nil
}

// WriteTree, WriteCommit, and WriteTag store the canonical serialization of
// an internal object kind directly at objects/<oid>, always zlib-compressed
// (spec.md §4.6 "internal tree/commit/tag objects") and never chunked or
// delta-encoded.
func (o *ODB) WriteTree(ctx context.Context, t *objects.Tree) (oid.OID, error) {
	return o.writeInternalObject(ctx, t.Canonical(), "tree")
}

func (o *ODB) WriteCommit(ctx context.Context, c *objects.Commit) (oid.OID, error) {
	return o.writeInternalObject(ctx, c.Canonical(), "commit")
}

func (o *ODB) WriteTag(ctx context.Context, tg *objects.Tag) (oid.OID, error) {
	return o.writeInternalObject(ctx, tg.Canonical(), "tag")
}

func (o *ODB) writeInternalObject(ctx context.Context, canonical []byte, kind string) (oid.OID, error) {
	id := oid.Of(canonical)
	key := backend.PrefixObjects + id.String()
	if exists, err := o.backend.Exists(ctx, key); err != nil {
		return oid.Undef, err
	} else if exists {
		return id, nil
	}
	choice := compress.SelectForObject()
	encoded, _, err := compress.Encode(choice.Algorithm, choice.Level, canonical)
	if err != nil {
		return oid.Undef, err
	}
	if err := o.backend.Put(ctx, key, encoded); err != nil {
		return oid.Undef, err
	}
	o.metrics.ObjectWritten(kind, int64(len(encoded)))
	o.cachePut(id, canonical)
	return id, nil
}

// ReadTree, ReadCommit, and ReadTag read and parse an internal object.
func (o *ODB) ReadTree(ctx context.Context, id oid.OID) (*objects.Tree, error) {
	raw, err := o.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return objects.ParseTree(raw)
}

func (o *ODB) ReadCommit(ctx context.Context, id oid.OID) (*objects.Commit, error) {
	raw, err := o.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return parseCommit(raw)
}

func (o *ODB) ReadTag(ctx context.Context, id oid.OID) (*objects.Tag, error) {
	raw, err := o.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return parseTag(raw)
}

func parseTag(data []byte) (*objects.Tag, error) {
	text := string(data)
	headerEnd := strings.Index(text, "\n\n")
	if headerEnd < 0 {
		return nil, fmt.Errorf("odb: malformed tag: no header/message separator")
	}
	header := text[:headerEnd]
	message := text[headerEnd+2:]

	tg := &objects.Tag{Message: message}
	for _, line := range strings.Split(header, "\n") {
		switch {
		case strings.HasPrefix(line, "object "):
			id, err := oid.Parse(strings.TrimPrefix(line, "object "))
			if err != nil {
				return nil, fmt.Errorf("odb: malformed tag object line: %w", err)
			}
			tg.Object = id
		case strings.HasPrefix(line, "type "):
			tg.Type = objects.Kind(strings.TrimPrefix(line, "type "))
		case strings.HasPrefix(line, "tag "):
			tg.Name = strings.TrimPrefix(line, "tag ")
		case strings.HasPrefix(line, "tagger "):
			tg.Tagger = strings.TrimPrefix(line, "tagger ")
		}
	}
	return tg, nil
}

func parseCommit(data []byte) (*objects.Commit, error) {
	text := string(data)
	headerEnd := strings.Index(text, "\n\n")
	if headerEnd < 0 {
		return nil, fmt.Errorf("odb: malformed commit: no header/message separator")
	}
	header := text[:headerEnd]
	message := text[headerEnd+2:]

	c := &objects.Commit{Message: message}
	for _, line := range strings.Split(header, "\n") {
		switch {
		case strings.HasPrefix(line, "tree "):
			id, err := oid.Parse(strings.TrimPrefix(line, "tree "))
			if err != nil {
				return nil, fmt.Errorf("odb: malformed commit tree line: %w", err)
			}
			c.Tree = id
		case strings.HasPrefix(line, "parent "):
			id, err := oid.Parse(strings.TrimPrefix(line, "parent "))
			if err != nil {
				return nil, fmt.Errorf("odb: malformed commit parent line: %w", err)
			}
			c.Parents = append(c.Parents, id)
		case strings.HasPrefix(line, "author "):
			rest := strings.TrimPrefix(line, "author ")
			name, ts := splitTimestamp(rest)
			c.Author = name
			c.Timestamp = ts
		case strings.HasPrefix(line, "committer "):
			rest := strings.TrimPrefix(line, "committer ")
			name, ts := splitTimestamp(rest)
			c.Committer = name
			c.Timestamp = ts
		}
	}
	return c, nil
}

func splitTimestamp(s string) (string, int64) {
	idx := strings.LastIndex(s, " ")
	if idx < 0 {
		return s, 0
	}
	var ts int64
	_, err := fmt.Sscanf(s[idx+1:], "%d", &ts)
	if err != nil {
		return s, 0
	}
	return s[:idx], ts
}
