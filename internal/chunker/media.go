package chunker

import (
	"bytes"
	"encoding/binary"

	"github.com/prn-tf/mediagit/internal/classify"
	"github.com/prn-tf/mediagit/internal/oid"
)

// mediaChunkMax is the max-chunk-size boundary payload regions are split at
// once the container's structural walk has isolated them (spec.md §4.4:
// "Payload regions exceeding the strategy's max chunk size are split at
// max-chunk boundaries").
const mediaChunkMax = 4 * 1024 * 1024

// chunkMediaStructural dispatches to the parser matching data's container
// format, falling back to CDC if the container isn't recognized (a
// corrupt or unusual file with a media extension should still chunk
// correctly rather than fail).
func chunkMediaStructural(data []byte, cat classify.Category) []Chunk {
	switch {
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return splitOversized(data, walkISOBMFF(data))
	case bytes.HasPrefix(data, []byte("RIFF")):
		return splitOversized(data, walkRIFF(data))
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return splitOversized(data, walkEBML(data))
	case bytes.HasPrefix(data, []byte("glTF")):
		return splitOversized(data, walkGLB(data))
	case looksLikeStructuredText(data):
		return splitOversized(data, walkTextMesh(data))
	default:
		return chunkCDC(data, typeFor(cat))
	}
}

// region is a (offset, length, type) slice of the input identified by a
// container walk, before oversized-region splitting.
type region struct {
	offset int
	length int
	typ    ChunkType
}

func materialize(data []byte, regions []region) []Chunk {
	chunks := make([]Chunk, 0, len(regions))
	for _, r := range regions {
		seg := data[r.offset : r.offset+r.length]
		chunks = append(chunks, Chunk{ID: oid.Of(seg), Offset: int64(r.offset), Data: seg, Type: r.typ})
	}
	return chunks
}

func splitOversized(data []byte, regions []region) []Chunk {
	var out []region
	for _, r := range regions {
		if r.length <= mediaChunkMax {
			out = append(out, r)
			continue
		}
		for off := 0; off < r.length; off += mediaChunkMax {
			n := mediaChunkMax
			if off+n > r.length {
				n = r.length - off
			}
			out = append(out, region{offset: r.offset + off, length: n, typ: r.typ})
		}
	}
	return materialize(data, out)
}

// walkISOBMFF walks top-level ISO BMFF boxes (MP4/MOV/glTF-adjacent
// containers): [u32 size][4-byte type][payload], size==1 meaning an
// extended 64-bit size follows immediately, size==0 meaning "rest of
// file". mdat boxes are labeled video payload; everything else metadata.
func walkISOBMFF(data []byte) []region {
	var regions []region
	pos := 0
	for pos+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		boxType := string(data[pos+4 : pos+8])
		headerLen := 8
		if size == 1 {
			if pos+16 > len(data) {
				break
			}
			size = int(binary.BigEndian.Uint64(data[pos+8 : pos+16]))
			headerLen = 16
		} else if size == 0 {
			size = len(data) - pos
		}
		if size <= 0 || pos+size > len(data) {
			// Malformed or truncated box: treat the remainder as one
			// trailing metadata region and stop.
			regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
			break
		}
		typ := TypeMetadata
		if boxType == "mdat" {
			typ = TypeVideo
		}
		regions = append(regions, region{offset: pos, length: size, typ: typ})
		_ = headerLen
		pos += size
	}
	if pos < len(data) {
		regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
	}
	return regions
}

// walkRIFF walks a RIFF container (AVI/WAV): 4-byte form tag, then a
// sequence of [4-byte fourcc][u32 size little-endian][data][pad byte if
// size is odd].
func walkRIFF(data []byte) []region {
	var regions []region
	if len(data) < 12 {
		return []region{{offset: 0, length: len(data), typ: TypeMetadata}}
	}
	regions = append(regions, region{offset: 0, length: 12, typ: TypeMetadata}) // "RIFF"+size+form
	pos := 12
	for pos+8 <= len(data) {
		fourcc := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		chunkStart := pos + 8
		if size < 0 || chunkStart+size > len(data) {
			regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
			break
		}
		typ := TypeMetadata
		switch fourcc {
		case "movi":
			typ = TypeVideo
		case "data":
			typ = TypeAudio
		}
		regions = append(regions, region{offset: pos, length: 8 + size, typ: typ})
		pos = chunkStart + size
		if size%2 == 1 && pos < len(data) {
			pos++ // RIFF pads odd-length chunks
		}
	}
	if pos < len(data) {
		regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
	}
	return regions
}

// walkEBML makes a best-effort top-level pass over an EBML document
// (MKV/WebM): each top-level element is an ID (1-4 bytes, identified by
// leading-bit count in the first byte) followed by a size vint with the
// same leading-bit encoding. The Segment element (payload-heavy) is
// labeled video; everything else metadata.
func walkEBML(data []byte) []region {
	var regions []region
	pos := 0
	for pos < len(data) {
		idLen := vintLength(data[pos])
		if idLen == 0 || pos+idLen > len(data) {
			regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
			break
		}
		id := data[pos : pos+idLen]
		sizePos := pos + idLen
		if sizePos >= len(data) {
			regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
			break
		}
		sizeLen := vintLength(data[sizePos])
		if sizeLen == 0 || sizePos+sizeLen > len(data) {
			regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
			break
		}
		size := vintValue(data[sizePos : sizePos+sizeLen])
		total := idLen + sizeLen + int(size)
		if size < 0 || pos+total > len(data) || total <= 0 {
			regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
			break
		}
		typ := TypeMetadata
		if isEBMLSegmentID(id) {
			typ = TypeVideo
		}
		regions = append(regions, region{offset: pos, length: total, typ: typ})
		pos += total
	}
	return regions
}

// vintLength returns the byte length of an EBML variable-size integer from
// its leading byte, by counting leading zero bits before the marker bit.
func vintLength(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>uint(i)) != 0 {
			return i + 1
		}
	}
	return 0
}

// vintValue decodes an EBML vint's value, masking out the marker bit in
// the first byte.
func vintValue(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	mask := byte(0xFF >> uint(len(b)))
	v := int64(b[0] & mask)
	for _, x := range b[1:] {
		v = v<<8 | int64(x)
	}
	return v
}

var ebmlSegmentID = []byte{0x18, 0x53, 0x80, 0x67}

func isEBMLSegmentID(id []byte) bool {
	return bytes.Equal(id, ebmlSegmentID)
}

// walkGLB walks a binary glTF (GLB) container: a 12-byte header (magic,
// version, total length), then a sequence of chunks each laid out as [u32
// length][u32 chunkType, "JSON" or "BIN\0"][data].
func walkGLB(data []byte) []region {
	var regions []region
	if len(data) < 12 {
		return []region{{offset: 0, length: len(data), typ: TypeMetadata}}
	}
	regions = append(regions, region{offset: 0, length: 12, typ: TypeMetadata})
	pos := 12
	for pos+8 <= len(data) {
		length := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		chunkType := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		dataStart := pos + 8
		if length < 0 || dataStart+length > len(data) {
			regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
			break
		}
		typ := TypeMetadata
		if chunkType == 0x004E4942 { // "BIN\0"
			typ = TypeVideo // binary geometry/animation payload
		}
		regions = append(regions, region{offset: pos, length: 8 + length, typ: typ})
		pos = dataStart + length
	}
	if pos < len(data) {
		regions = append(regions, region{offset: pos, length: len(data) - pos, typ: TypeMetadata})
	}
	return regions
}

// looksLikeStructuredText is a coarse check for text-based mesh formats
// (e.g. Wavefront OBJ) that use line-oriented structural keywords ("o ",
// "g ", "usemtl") rather than a binary container.
func looksLikeStructuredText(data []byte) bool {
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	return bytes.Contains(sample, []byte("\nv ")) || bytes.HasPrefix(sample, []byte("v ")) ||
		bytes.Contains(sample, []byte("\no ")) || bytes.Contains(sample, []byte("\nusemtl"))
}

// walkTextMesh splits a text-based mesh file at "o " (object) and "g "
// (group) line boundaries, the structural keywords spec.md §4.4 calls out
// for text mesh formats.
func walkTextMesh(data []byte) []region {
	var regions []region
	start := 0
	lineStart := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[lineStart:i]
			if (bytes.HasPrefix(line, []byte("o ")) || bytes.HasPrefix(line, []byte("g "))) && lineStart > start {
				regions = append(regions, region{offset: start, length: lineStart - start, typ: TypeMetadata})
				start = lineStart
			}
			lineStart = i + 1
		}
	}
	if start < len(data) {
		regions = append(regions, region{offset: start, length: len(data) - start, typ: TypeMetadata})
	}
	if len(regions) == 0 {
		regions = append(regions, region{offset: 0, length: len(data), typ: TypeMetadata})
	}
	return regions
}
