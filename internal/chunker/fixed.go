package chunker

import (
	"bufio"
	"io"

	"github.com/prn-tf/mediagit/internal/oid"
)

// fixedBlockSize is the block size forced on pre-compressed categories the
// caller explicitly opted to chunk anyway (spec.md §4.4).
const fixedBlockSize = 4 * 1024 * 1024

func chunkFixed(data []byte, blockSize int) []Chunk {
	var chunks []Chunk
	for start := 0; start < len(data); start += blockSize {
		end := start + blockSize
		if end > len(data) {
			end = len(data)
		}
		seg := data[start:end]
		chunks = append(chunks, Chunk{ID: oid.Of(seg), Offset: int64(start), Data: seg, Type: TypeGeneric})
	}
	return chunks
}

func streamFixed(r *bufio.Reader, blockSize int, emit func(Chunk) error) error {
	offset := int64(0)
	for {
		buf := make([]byte, blockSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			seg := buf[:n]
			if err := emit(Chunk{ID: oid.Of(seg), Offset: offset, Data: seg, Type: TypeGeneric}); err != nil {
				return err
			}
			offset += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
