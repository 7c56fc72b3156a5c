package chunker

import (
	"bufio"
	"io"
	"math/bits"
	"math/rand"

	"github.com/prn-tf/mediagit/internal/oid"
)

// gearTable is the byte→uint64 table the rolling gear hash mixes in per
// byte. Its contents only need to be deterministic across runs of this
// binary, not match any external implementation, since chunk boundaries
// are a purely internal contract (spec.md §4.4 determinism invariant).
var gearTable [256]uint64

func init() {
	rng := rand.New(rand.NewSource(0x5bd1e995))
	for i := range gearTable {
		gearTable[i] = rng.Uint64()
	}
}

// cdcParams returns the (min, avg, max) chunk size triple for size,
// following spec.md §4.4's size-adaptive table.
func cdcParams(size int64) (min, avg, max int) {
	const (
		kib = 1024
		mib = 1024 * kib
		gib = 1024 * mib
	)
	switch {
	case size < 1*mib:
		return 128 * kib, 256 * kib, 512 * kib
	case size < 10*mib:
		return 256 * kib, 512 * kib, 1 * mib
	case size < 100*mib:
		return 512 * kib, 1 * mib, 2 * mib
	case size < 1*gib:
		return 1 * mib, 2 * mib, 4 * mib
	default:
		return 2 * mib, 4 * mib, 8 * mib
	}
}

// maskFor derives a gear-hash boundary mask from the target average chunk
// size: avg is always a power of two in cdcParams' table, so the mask is
// simply avg-1.
func maskFor(avg int) uint64 {
	bitsLen := bits.Len(uint(avg)) - 1
	return (uint64(1) << uint(bitsLen)) - 1
}

// chunkCDC splits data with content-defined chunking, sized adaptively to
// len(data).
func chunkCDC(data []byte, ctype ChunkType) []Chunk {
	min, avg, max := cdcParams(int64(len(data)))
	mask := maskFor(avg)

	var chunks []Chunk
	start := 0
	var hash uint64
	for i := 0; i < len(data); i++ {
		hash = (hash << 1) + gearTable[data[i]]
		n := i - start + 1
		if n >= max || (n >= min && hash&mask == 0) {
			seg := data[start : i+1]
			chunks = append(chunks, Chunk{ID: oid.Of(seg), Offset: int64(start), Data: seg, Type: ctype})
			start = i + 1
			hash = 0
		}
	}
	if start < len(data) {
		seg := data[start:]
		chunks = append(chunks, Chunk{ID: oid.Of(seg), Offset: int64(start), Data: seg, Type: ctype})
	}
	return chunks
}

// defaultStreamSize is used to pick CDC parameters when the caller does not
// know the stream's total size in advance, biasing toward the largest
// chunk sizes so an unexpectedly huge stream doesn't produce an explosion
// of tiny chunks.
const defaultStreamSize = 2 * 1024 * 1024 * 1024

func streamCDC(r *bufio.Reader, size int64, ctype ChunkType, emit func(Chunk) error) error {
	if size <= 0 {
		size = defaultStreamSize
	}
	min, avg, max := cdcParams(size)
	mask := maskFor(avg)

	var buf []byte
	var hash uint64
	offset := int64(0)
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		buf = append(buf, b)
		hash = (hash << 1) + gearTable[b]
		n := len(buf)
		if n >= max || (n >= min && hash&mask == 0) {
			if err := emit(Chunk{ID: oid.Of(buf), Offset: offset, Data: buf, Type: ctype}); err != nil {
				return err
			}
			offset += int64(n)
			buf = nil
			hash = 0
		}
	}
	if len(buf) > 0 {
		if err := emit(Chunk{ID: oid.Of(buf), Offset: offset, Data: buf, Type: ctype}); err != nil {
			return err
		}
	}
	return nil
}
