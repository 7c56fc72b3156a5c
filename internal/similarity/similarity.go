// Package similarity implements the similarity detector (spec.md C7): a
// bounded per-category window of recent write observations, fingerprinted
// so the ODB can find a delta base for a new write without re-reading
// every prior object.
package similarity

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/prn-tf/mediagit/internal/classify"
	"github.com/prn-tf/mediagit/internal/oid"
)

// windowSize is the number of most-recent observations kept per category
// (spec.md §4.7).
const windowSize = 50

// sampleCount is the number of evenly-spaced samples fingerprinted per
// object.
const sampleCount = 10

// sampleSize is the size, in bytes, of each fingerprint sample.
const sampleSize = 1024

// observation is one recorded write: an OID, its category and size, and
// its sample fingerprints.
type observation struct {
	oid         oid.OID
	category    classify.Category
	size        int64
	fingerprint [sampleCount]uint64
}

// Candidate is a similarity match returned by FindSimilar.
type Candidate struct {
	OID   oid.OID
	Score float64
}

// Fingerprint computes the sampleCount evenly-spaced 1KiB sample hashes for
// an object of the given size, reading samples from data. Positions are
// ⌊i·size/11⌋ for i∈[1,10] (spec.md §4.7); a sample shorter than 1KiB is
// zero-padded. Each sample is reduced to a 64-bit hash with blake2b's
// variable-output mode (spec.md only requires "a non-cryptographic 64-bit
// hash"; blake2b's 8-byte digest is a convenient, already-imported building
// block rather than a second hash dependency).
func Fingerprint(data []byte) [sampleCount]uint64 {
	var fp [sampleCount]uint64
	size := int64(len(data))
	for i := 1; i <= sampleCount; i++ {
		pos := (int64(i) * size) / 11
		fp[i-1] = hashSample(data, pos)
	}
	return fp
}

func hashSample(data []byte, pos int64) uint64 {
	var buf [sampleSize]byte
	if pos < int64(len(data)) {
		copy(buf[:], data[pos:])
	}
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err) // only fails for an invalid size/key, both fixed here
	}
	h.Write(buf[:])
	return binary.BigEndian.Uint64(h.Sum(nil))
}

// Detector holds one ring buffer of observations per category.
type Detector struct {
	windows map[classify.Category][]observation
}

// New creates an empty similarity detector.
func New() *Detector {
	return &Detector{windows: make(map[classify.Category][]observation)}
}

// Observe records a write (spec.md §9: the detector only observes objects
// at write time, never on read).
func (d *Detector) Observe(o oid.OID, cat classify.Category, size int64, fingerprint [sampleCount]uint64) {
	w := d.windows[cat]
	w = append(w, observation{oid: o, category: cat, size: size, fingerprint: fingerprint})
	if len(w) > windowSize {
		w = w[len(w)-windowSize:]
	}
	d.windows[cat] = w
}

// sizeRatioThreshold and similarityThreshold implement spec.md §4.7's
// per-category threshold table.
func sizeRatioThreshold(cat classify.Category) float64 {
	switch cat {
	case classify.PDFContainer, classify.CreativeProject:
		return 0.50
	case classify.OfficeContainer:
		return 0.60
	case classify.VideoCompressed, classify.VideoMastering:
		return 0.70
	case classify.AudioUncompressed:
		return 0.80
	case classify.ImageLosslessUncompressed, classify.ImageLayered:
		return 0.80
	case classify.Mesh3D, classify.Scene3D:
		return 0.80
	case classify.Text, classify.SourceCode:
		return 0.80
	case classify.StructuredText:
		return 0.80
	default:
		return 0.80
	}
}

func similarityThreshold(cat classify.Category) float64 {
	switch cat {
	case classify.PDFContainer, classify.CreativeProject:
		return 0.15
	case classify.OfficeContainer:
		return 0.20
	case classify.VideoCompressed, classify.VideoMastering:
		return 0.50
	case classify.AudioUncompressed:
		return 0.65
	case classify.ImageLosslessUncompressed, classify.ImageLayered:
		return 0.70
	case classify.Mesh3D, classify.Scene3D:
		return 0.70
	case classify.Text, classify.SourceCode:
		return 0.85
	case classify.StructuredText:
		return 0.95
	default:
		return 0.30
	}
}

// FindSimilar implements spec.md §4.7's query: compare against every
// window entry sharing cat whose size ratio clears the category's
// threshold, score each, and return the highest-scoring candidate that
// also clears the category's similarity threshold.
func (d *Detector) FindSimilar(cat classify.Category, size int64, fingerprint [sampleCount]uint64) (Candidate, bool) {
	sizeThresh := sizeRatioThreshold(cat)
	simThresh := similarityThreshold(cat)

	var best Candidate
	found := false
	for _, obs := range d.windows[cat] {
		ratio := sizeRatio(size, obs.size)
		if ratio < sizeThresh {
			continue
		}
		matches := 0
		for i := range fingerprint {
			if fingerprint[i] == obs.fingerprint[i] {
				matches++
			}
		}
		score := 0.7*(float64(matches)/float64(sampleCount)) + 0.3*ratio
		if score < simThresh {
			continue
		}
		if !found || score > best.Score {
			best = Candidate{OID: obs.oid, Score: score}
			found = true
		}
	}
	return best, found
}

func sizeRatio(a, b int64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return float64(lo) / float64(hi)
}
