// Package chunker implements the chunking engine (spec.md C4): deciding,
// per (category, size), whether and how to split a byte stream into
// ordered chunks, via structure-aware media parsers, content-defined
// chunking (CDC), or fixed-size blocks.
package chunker

import (
	"bufio"
	"io"

	"github.com/prn-tf/mediagit/internal/classify"
	"github.com/prn-tf/mediagit/internal/oid"
)

// ChunkType labels the structural role of a chunk's bytes, carried in the
// manifest so a reader can tell a video payload region from a metadata
// region without re-parsing the container.
type ChunkType byte

const (
	TypeGeneric  ChunkType = 0
	TypeVideo    ChunkType = 1
	TypeAudio    ChunkType = 2
	TypeMetadata ChunkType = 3
	TypeText     ChunkType = 4
)

// Chunk is one contiguous byte segment produced by the chunker.
type Chunk struct {
	ID     oid.ChunkID
	Offset int64
	Data   []byte
	Type   ChunkType
}

// Strategy is the closed set of chunking strategies spec.md §4.4 names.
type Strategy string

const (
	StrategyNone            Strategy = "none"
	StrategyMediaStructural Strategy = "media-structural"
	StrategyCDC             Strategy = "cdc"
	StrategyFixedBlock      Strategy = "fixed-block"
)

// noChunkThreshold returns the size, in bytes, below which a file of this
// category is never chunked (spec.md §4.4).
func noChunkThreshold(cat classify.Category) int64 {
	switch cat {
	case classify.Text, classify.StructuredText, classify.SourceCode,
		classify.MLTensor, classify.MLInference,
		classify.VideoCompressed, classify.VideoMastering,
		classify.ImageLayered, classify.PDFContainer, classify.OfficeContainer:
		return 5 * 1024 * 1024
	case classify.AudioCompressed, classify.AudioUncompressed,
		classify.Mesh3D, classify.Scene3D, classify.CreativeProject, classify.Unknown:
		return 10 * 1024 * 1024
	default:
		return 10 * 1024 * 1024
	}
}

func isMediaStructural(cat classify.Category) bool {
	switch cat {
	case classify.VideoCompressed, classify.VideoMastering, classify.Scene3D, classify.Mesh3D:
		return true
	default:
		return false
	}
}

// Decide implements spec.md §4.4's per-call strategy decision for a file of
// the given category and size. Categories with a structural parser (video
// containers, 3D scene/mesh formats) take that strategy above their size
// threshold even though video is entropy-coded: the container's box layout
// is still meaningful structure. Other pre-compressed categories are left
// unchunked unless force (chunking.force_on_precompressed, spec.md §6)
// asks for fixed-block chunking.
func Decide(cat classify.Category, size int64, force bool) Strategy {
	if isMediaStructural(cat) {
		if size < noChunkThreshold(cat) {
			return StrategyNone
		}
		return StrategyMediaStructural
	}
	if cat.IsPrecompressed() {
		if force {
			return StrategyFixedBlock
		}
		return StrategyNone
	}
	if size < noChunkThreshold(cat) {
		return StrategyNone
	}
	return StrategyCDC
}

// ChunkData splits data according to the strategy chosen for (category, size),
// returning chunks whose concatenation reproduces data exactly
// (spec.md §8 chunker-concatenation invariant).
func ChunkData(data []byte, filename string, cat classify.Category, force bool) ([]Chunk, Strategy) {
	strategy := Decide(cat, int64(len(data)), force)
	switch strategy {
	case StrategyNone:
		return []Chunk{{ID: oid.Of(data), Offset: 0, Data: data, Type: typeFor(cat)}}, strategy
	case StrategyMediaStructural:
		return chunkMediaStructural(data, cat), strategy
	case StrategyFixedBlock:
		return chunkFixed(data, fixedBlockSize), strategy
	default:
		return chunkCDC(data, typeFor(cat)), strategy
	}
}

// ChunkStream drives the chunker from r without materializing the whole
// input, emitting each chunk to emit as soon as its boundary is found. It
// never holds more than one chunk's worth of bytes at a time, satisfying
// the streaming-ingestion requirement of spec.md §4.4/§4.9. Only CDC and
// fixed-block strategies support true streaming; media-structural parsing
// needs random access to the container's structure, so for that strategy
// ChunkStream reads the whole input into memory before parsing it.
func ChunkStream(r io.Reader, size int64, cat classify.Category, force bool, emit func(Chunk) error) (Strategy, error) {
	strategy := Decide(cat, size, force)
	br := bufio.NewReaderSize(r, 64*1024)
	switch strategy {
	case StrategyNone:
		data, err := io.ReadAll(br)
		if err != nil {
			return strategy, err
		}
		return strategy, emit(Chunk{ID: oid.Of(data), Offset: 0, Data: data, Type: typeFor(cat)})
	case StrategyFixedBlock:
		return strategy, streamFixed(br, fixedBlockSize, emit)
	case StrategyMediaStructural:
		// Structural parsing requires the whole payload; buffer once here
		// rather than inside ChunkData so ChunkStream's contract (one read
		// path) stays uniform for callers.
		data, err := io.ReadAll(br)
		if err != nil {
			return strategy, err
		}
		for _, c := range chunkMediaStructural(data, cat) {
			if err := emit(c); err != nil {
				return strategy, err
			}
		}
		return strategy, nil
	default:
		return strategy, streamCDC(br, size, typeFor(cat), emit)
	}
}

func typeFor(cat classify.Category) ChunkType {
	switch cat {
	case classify.VideoCompressed, classify.VideoMastering:
		return TypeVideo
	case classify.AudioCompressed, classify.AudioUncompressed:
		return TypeAudio
	case classify.Text, classify.StructuredText, classify.SourceCode:
		return TypeText
	default:
		return TypeGeneric
	}
}
