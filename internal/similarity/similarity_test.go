package similarity

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/mediagit/internal/classify"
	"github.com/prn-tf/mediagit/internal/oid"
)

func TestFindSimilarMatchesNearIdenticalVideo(t *testing.T) {
	d := New()

	base := bytes.Repeat([]byte{0xAB}, 200*1024*1024)
	baseOID := oid.Of(base)
	d.Observe(baseOID, classify.VideoCompressed, int64(len(base)), Fingerprint(base))

	// Same content plus ~1MiB trailing metadata, as in spec.md scenario 3.
	target := append(append([]byte{}, base...), bytes.Repeat([]byte{0xCD}, 1024*1024)...)
	cand, ok := d.FindSimilar(classify.VideoCompressed, int64(len(target)), Fingerprint(target))
	require.True(t, ok)
	require.Equal(t, baseOID, cand.OID)
	require.GreaterOrEqual(t, cand.Score, similarityThreshold(classify.VideoCompressed))
}

func TestFindSimilarNoMatchAcrossCategories(t *testing.T) {
	d := New()
	base := bytes.Repeat([]byte{0x01}, 10*1024*1024)
	d.Observe(oid.Of(base), classify.VideoCompressed, int64(len(base)), Fingerprint(base))

	_, ok := d.FindSimilar(classify.Text, int64(len(base)), Fingerprint(base))
	require.False(t, ok)
}

func TestFindSimilarRejectsBelowSizeRatio(t *testing.T) {
	d := New()
	base := bytes.Repeat([]byte{0x02}, 100*1024*1024)
	d.Observe(oid.Of(base), classify.VideoCompressed, int64(len(base)), Fingerprint(base))

	tiny := bytes.Repeat([]byte{0x02}, 1024*1024)
	_, ok := d.FindSimilar(classify.VideoCompressed, int64(len(tiny)), Fingerprint(tiny))
	require.False(t, ok)
}

func TestWindowEvictsOldestBeyondCapacity(t *testing.T) {
	d := New()
	for i := 0; i < windowSize+5; i++ {
		d.Observe(oid.Of([]byte{byte(i)}), classify.Text, 1, [sampleCount]uint64{})
	}
	require.Len(t, d.windows[classify.Text], windowSize)
}
