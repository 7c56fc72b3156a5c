package chunker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/mediagit/internal/classify"
)

func concatChunks(chunks []Chunk) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

func TestChunkCDCConcatenatesToInput(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 500000) // ~7.6MiB
	chunks, strategy := ChunkData(data, "file.txt", classify.Text, false)
	require.Equal(t, StrategyCDC, strategy)
	require.Equal(t, data, concatChunks(chunks))
}

func TestChunkCDCDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox "), 300000) // ~6MiB, above the text threshold
	c1, _ := ChunkData(data, "a.txt", classify.Text, false)
	c2, _ := ChunkData(data, "a.txt", classify.Text, false)
	require.Equal(t, len(c1), len(c2))
	for i := range c1 {
		require.Equal(t, c1[i].ID, c2[i].ID)
		require.Equal(t, c1[i].Offset, c2[i].Offset)
	}
}

func TestChunkBelowThresholdIsNotChunked(t *testing.T) {
	data := []byte("hello world")
	chunks, strategy := ChunkData(data, "greeting.txt", classify.Text, false)
	require.Equal(t, StrategyNone, strategy)
	require.Len(t, chunks, 1)
	require.Equal(t, data, chunks[0].Data)
}

func TestDecideVideoUsesStructuralStrategyAboveThreshold(t *testing.T) {
	require.Equal(t, StrategyNone, Decide(classify.VideoCompressed, 4*1024*1024, false))
	require.Equal(t, StrategyMediaStructural, Decide(classify.VideoCompressed, 200*1024*1024, false))
	require.Equal(t, StrategyMediaStructural, Decide(classify.VideoMastering, 200*1024*1024, false))

	// Pre-compressed categories without a structural parser stay unchunked
	// (fixed-block only when forced).
	require.Equal(t, StrategyNone, Decide(classify.ImageLossyCompressed, 200*1024*1024, false))
	require.Equal(t, StrategyFixedBlock, Decide(classify.ImageLossyCompressed, 200*1024*1024, true))
}

func TestChunkPrecompressedNotChunkedUnlessForced(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF, 0xD8, 0xFF}, 2*1024*1024)
	_, strategy := ChunkData(data, "photo.jpg", classify.ImageLossyCompressed, false)
	require.Equal(t, StrategyNone, strategy)

	_, strategyForced := ChunkData(data, "photo.jpg", classify.ImageLossyCompressed, true)
	require.Equal(t, StrategyFixedBlock, strategyForced)
}

func TestChunkFixedBlockConcatenates(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 9*1024*1024)
	chunks, strategy := ChunkData(data, "a.zip", classify.ArchiveCompressed, true)
	require.Equal(t, StrategyFixedBlock, strategy)
	require.Equal(t, data, concatChunks(chunks))
}

func TestChunkISOBMFFStructural(t *testing.T) {
	var buf bytes.Buffer
	writeBox(&buf, "ftyp", []byte("isommp42"))
	writeBox(&buf, "moov", bytes.Repeat([]byte{0x01}, 1024))
	writeBox(&buf, "mdat", bytes.Repeat([]byte{0x02}, 6*1024*1024))
	data := buf.Bytes()

	chunks, strategy := ChunkData(data, "video.mp4", classify.VideoCompressed, false)
	require.Equal(t, StrategyMediaStructural, strategy)
	require.Equal(t, data, concatChunks(chunks))

	var sawVideo bool
	for _, c := range chunks {
		if c.Type == TypeVideo {
			sawVideo = true
			require.LessOrEqual(t, len(c.Data), mediaChunkMax)
		}
	}
	require.True(t, sawVideo)
}

func writeBox(buf *bytes.Buffer, boxType string, payload []byte) {
	size := uint32(8 + len(payload))
	var sizeBytes [4]byte
	sizeBytes[0] = byte(size >> 24)
	sizeBytes[1] = byte(size >> 16)
	sizeBytes[2] = byte(size >> 8)
	sizeBytes[3] = byte(size)
	buf.Write(sizeBytes[:])
	buf.WriteString(boxType)
	buf.Write(payload)
}
