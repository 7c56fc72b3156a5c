// Package manifest implements the chunk manifest format (spec.md §3, §6):
// the ordered list of chunk references that reconstructs a chunked Blob.
// A manifest's identity is the Blob's OID (the hash of the reconstructed
// bytes), not a hash of the manifest's own serialization, so this package
// never computes an OID itself — callers key manifests by the Blob OID
// they already have.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/prn-tf/mediagit/internal/chunker"
	"github.com/prn-tf/mediagit/internal/oid"
)

// Version is the manifest wire format version written by this package.
const Version = 1

// chunkRecordSize is the serialized size of one ChunkRef: 32-byte chunk_id,
// u64 offset, u32 length, u8 type_label.
const chunkRecordSize = 32 + 8 + 4 + 1

// ChunkRef is one entry in a manifest: a reference to a stored chunk plus
// its position within the reconstructed Blob.
type ChunkRef struct {
	ChunkID oid.ChunkID
	Offset  uint64
	Length  uint32
	Type    chunker.ChunkType
}

// Manifest is the ordered sequence of chunk references for a chunked Blob,
// plus its total reconstructed size and an optional filename hint.
type Manifest struct {
	TotalSize uint64
	Chunks    []ChunkRef
	Filename  string
}

// Encode serializes m to the binary form spec.md §6 defines: version byte;
// total_size (u64 LE); chunk_count (u32 LE); per-chunk (32-byte chunk_id,
// u64 offset, u32 length, u8 type_label); u16 filename_length; filename
// bytes.
func (m *Manifest) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(Version)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], m.TotalSize)
	buf.Write(u64[:])

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Chunks)))
	buf.Write(u32[:])

	for _, c := range m.Chunks {
		buf.Write(c.ChunkID[:])
		binary.LittleEndian.PutUint64(u64[:], c.Offset)
		buf.Write(u64[:])
		binary.LittleEndian.PutUint32(u32[:], c.Length)
		buf.Write(u32[:])
		buf.WriteByte(byte(c.Type))
	}

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(m.Filename)))
	buf.Write(u16[:])
	buf.WriteString(m.Filename)

	return buf.Bytes()
}

// Decode parses the binary form Encode produces.
func Decode(data []byte) (*Manifest, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("manifest: read version: %w", err)
	}
	if version != Version {
		return nil, fmt.Errorf("manifest: unsupported version %d", version)
	}

	var u64 [8]byte
	if _, err := readFull(r, u64[:]); err != nil {
		return nil, fmt.Errorf("manifest: read total_size: %w", err)
	}
	totalSize := binary.LittleEndian.Uint64(u64[:])

	var u32 [4]byte
	if _, err := readFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("manifest: read chunk_count: %w", err)
	}
	count := binary.LittleEndian.Uint32(u32[:])

	// Bound the allocation against the bytes actually present: each chunk
	// record occupies chunkRecordSize bytes, so a count the remaining input
	// cannot hold is corruption, not a reason to allocate.
	if int64(count) > int64(r.Len())/chunkRecordSize {
		return nil, fmt.Errorf("manifest: chunk_count %d exceeds remaining %d bytes", count, r.Len())
	}

	chunks := make([]ChunkRef, 0, count)
	for i := uint32(0); i < count; i++ {
		var c ChunkRef
		if _, err := readFull(r, c.ChunkID[:]); err != nil {
			return nil, fmt.Errorf("manifest: read chunk %d id: %w", i, err)
		}
		if _, err := readFull(r, u64[:]); err != nil {
			return nil, fmt.Errorf("manifest: read chunk %d offset: %w", i, err)
		}
		c.Offset = binary.LittleEndian.Uint64(u64[:])
		if _, err := readFull(r, u32[:]); err != nil {
			return nil, fmt.Errorf("manifest: read chunk %d length: %w", i, err)
		}
		c.Length = binary.LittleEndian.Uint32(u32[:])
		typeByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("manifest: read chunk %d type: %w", i, err)
		}
		c.Type = chunker.ChunkType(typeByte)
		chunks = append(chunks, c)
	}

	var u16 [2]byte
	if _, err := readFull(r, u16[:]); err != nil {
		return nil, fmt.Errorf("manifest: read filename_length: %w", err)
	}
	nameLen := binary.LittleEndian.Uint16(u16[:])
	name := make([]byte, nameLen)
	if nameLen > 0 {
		if _, err := readFull(r, name); err != nil {
			return nil, fmt.Errorf("manifest: read filename: %w", err)
		}
	}

	return &Manifest{TotalSize: totalSize, Chunks: chunks, Filename: string(name)}, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("manifest: unexpected end of stream")
		}
	}
	return total, nil
}
