package oid

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_EmptyInput(t *testing.T) {
	got := Of(nil)
	// SHA-256 of the empty string, per spec.md's boundary behavior table.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got.String())
}

func TestOf_Deterministic(t *testing.T) {
	a := Of([]byte("hello world\n"))
	b := Of([]byte("hello world\n"))
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestFromReader_MatchesOf(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := Of(data)

	got, n, err := FromReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, want, got)
}

func TestRunningHash_MatchesOf(t *testing.T) {
	data := []byte("streamed in two writes")
	rh := NewRunningHash()
	_, _ = rh.Write(data[:10])
	_, _ = rh.Write(data[10:])
	assert.Equal(t, Of(data), rh.Sum())
}

func TestParse_RoundTrip(t *testing.T) {
	o := Of([]byte("round trip"))
	parsed, err := Parse(o.String())
	require.NoError(t, err)
	assert.Equal(t, o, parsed)
}

func TestParse_InvalidLength(t *testing.T) {
	_, err := Parse("deadbeef")
	assert.Error(t, err)
}

func TestCompare_TotalOrder(t *testing.T) {
	a := OID{0x01}
	b := OID{0x02}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, 0, a.Compare(a))
}
