package delta

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	base := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)
	target := append(append([]byte{}, base...), []byte("trailing metadata that differs")...)

	encoded := Encode(base, target)
	require.Less(t, float64(len(encoded)), AcceptRatio*float64(len(target)))

	decoded, err := Decode(base, encoded)
	require.NoError(t, err)
	require.Equal(t, target, decoded)
}

func TestEncodeDecodeNoSimilarity(t *testing.T) {
	base := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	target := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	encoded := Encode(base, target)
	decoded, err := Decode(base, encoded)
	require.NoError(t, err)
	require.Equal(t, target, decoded)
}

func TestDecodeRejectsOutOfBoundsCopy(t *testing.T) {
	base := []byte("short base")
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(base)))
	writeUvarint(&buf, 100)
	buf.WriteByte(copyTag)
	writeUvarint(&buf, 0)
	writeUvarint(&buf, 1000) // length far exceeds base

	_, err := Decode(base, buf.Bytes())
	require.Error(t, err)
}

func TestDecodeRejectsResultSizeMismatch(t *testing.T) {
	base := []byte("hello world")
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(base)))
	writeUvarint(&buf, 99) // lies about result size
	buf.WriteByte(5)
	buf.WriteString("hello")

	_, err := Decode(base, buf.Bytes())
	require.Error(t, err)
}

func TestEncodeEmptyTarget(t *testing.T) {
	base := []byte("anything")
	encoded := Encode(base, nil)
	decoded, err := Decode(base, encoded)
	require.NoError(t, err)
	require.Empty(t, decoded)
}
