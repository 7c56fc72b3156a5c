// Package merge implements the merge arbiter (spec.md C12): for a path
// touched on both sides of a merge, decide whether the three versions
// auto-resolve or must be reported as a conflict, using rules keyed off the
// path's file-type category.
package merge

import (
	"bytes"
	"context"

	"github.com/prn-tf/mediagit/internal/backend"
	"github.com/prn-tf/mediagit/internal/classify"
	"github.com/prn-tf/mediagit/internal/core"
	"github.com/prn-tf/mediagit/internal/manifest"
	"github.com/prn-tf/mediagit/internal/oid"
)

// ObjectReader resolves an OID to its reconstructed bytes; the ODB
// satisfies this.
type ObjectReader interface {
	Read(ctx context.Context, id oid.OID) ([]byte, error)
}

// Writer stores merged bytes back into the object database.
type Writer interface {
	Write(ctx context.Context, data []byte, filename string) (oid.OID, error)
}

// Arbiter resolves contested paths during a merge.
type Arbiter struct {
	backend backend.Backend
	reader  ObjectReader
	writer  Writer
}

// New builds an Arbiter. reader and writer are typically the same ODB
// instance; backend is used to fetch chunk manifests directly, since
// manifest structure (not just reconstructed bytes) is needed to decide
// segment/layer/track disjointness.
func New(b backend.Backend, reader ObjectReader, writer Writer) *Arbiter {
	return &Arbiter{backend: b, reader: reader, writer: writer}
}

// Resolve decides path's merged content given its category and the three
// relevant OIDs: the common ancestor (lca), our side, and their side. A
// zero oid.Undef OID represents "path does not exist on that side" (a
// delete). On success it returns the merged object's OID; on an
// un-auto-mergeable path it returns a *core.MergeConflictError.
func (a *Arbiter) Resolve(ctx context.Context, path string, cat classify.Category, lca, ours, theirs oid.OID, filename string) (oid.OID, error) {
	if ours == theirs {
		return ours, nil // same change on both sides (spec.md §4.12)
	}
	if ours == lca {
		return theirs, nil // our side unchanged, accept theirs
	}
	if theirs == lca {
		return ours, nil // their side unchanged, accept ours
	}

	if ours == oid.Undef || theirs == oid.Undef {
		return oid.Undef, &core.MergeConflictError{Path: path, Kind: "delete-vs-modify"}
	}

	switch {
	case cat.IsTextFamily():
		return a.mergeText(ctx, path, lca, ours, theirs, filename)
	case cat == classify.ImageLayered:
		return a.mergeSegmented(ctx, path, lca, ours, theirs, filename, "layered-image")
	case cat == classify.VideoCompressed || cat == classify.VideoMastering:
		return a.mergeSegmented(ctx, path, lca, ours, theirs, filename, "video")
	case cat == classify.AudioCompressed || cat == classify.AudioUncompressed:
		return a.mergeSegmented(ctx, path, lca, ours, theirs, filename, "audio")
	default:
		return oid.Undef, &core.MergeConflictError{Path: path, Kind: "binary"}
	}
}

func (a *Arbiter) mergeText(ctx context.Context, path string, lca, ours, theirs oid.OID, filename string) (oid.OID, error) {
	baseBytes, err := a.readOrEmpty(ctx, lca)
	if err != nil {
		return oid.Undef, err
	}
	oursBytes, err := a.reader.Read(ctx, ours)
	if err != nil {
		return oid.Undef, err
	}
	theirsBytes, err := a.reader.Read(ctx, theirs)
	if err != nil {
		return oid.Undef, err
	}

	merged, ok := mergeTextLines(baseBytes, oursBytes, theirsBytes)
	if !ok {
		return oid.Undef, &core.MergeConflictError{Path: path, Kind: "text-overlap"}
	}
	return a.writer.Write(ctx, merged, filename)
}

func (a *Arbiter) mergeSegmented(ctx context.Context, path string, lca, ours, theirs oid.OID, filename, kind string) (oid.OID, error) {
	baseBytes, err := a.readOrEmpty(ctx, lca)
	if err != nil {
		return oid.Undef, err
	}
	oursBytes, err := a.reader.Read(ctx, ours)
	if err != nil {
		return oid.Undef, err
	}
	theirsBytes, err := a.reader.Read(ctx, theirs)
	if err != nil {
		return oid.Undef, err
	}

	baseM, err := a.manifestOrSynthetic(ctx, lca, baseBytes)
	if err != nil {
		return oid.Undef, err
	}
	oursM, err := a.manifestOrSynthetic(ctx, ours, oursBytes)
	if err != nil {
		return oid.Undef, err
	}
	theirsM, err := a.manifestOrSynthetic(ctx, theirs, theirsBytes)
	if err != nil {
		return oid.Undef, err
	}

	merged, ok := mergeSegments(baseBytes, oursBytes, theirsBytes, baseM, oursM, theirsM)
	if !ok {
		return oid.Undef, &core.MergeConflictError{Path: path, Kind: kind + "-overlap"}
	}
	return a.writer.Write(ctx, merged, filename)
}

func (a *Arbiter) readOrEmpty(ctx context.Context, id oid.OID) ([]byte, error) {
	if id == oid.Undef {
		return nil, nil
	}
	return a.reader.Read(ctx, id)
}

// manifestOrSynthetic returns id's chunk manifest if one was written, or a
// single-chunk synthetic manifest spanning the whole object when it was
// stored unchunked. Either way the caller gets a uniform sequence of
// disjoint byte ranges to diff against.
func (a *Arbiter) manifestOrSynthetic(ctx context.Context, id oid.OID, data []byte) (*manifest.Manifest, error) {
	if id == oid.Undef {
		return &manifest.Manifest{}, nil
	}
	key := backend.PrefixManifests + id.String()
	exists, err := a.backend.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return syntheticManifest(data), nil
	}
	raw, err := a.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(raw)
}

func syntheticManifest(data []byte) *manifest.Manifest {
	if len(data) == 0 {
		return &manifest.Manifest{}
	}
	return &manifest.Manifest{
		TotalSize: uint64(len(data)),
		Chunks: []manifest.ChunkRef{
			{ChunkID: oid.Of(data), Offset: 0, Length: uint32(len(data))},
		},
	}
}

// --- generic longest-common-subsequence diff, shared by the text and
// segment mergers ---

type hunkRange struct {
	baseStart, baseEnd   int
	otherStart, otherEnd int
}

func lcsMatch[K comparable](a, b []K) ([]int, []int) {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case a[i] == b[j]:
				dp[i][j] = dp[i+1][j+1] + 1
			case dp[i+1][j] >= dp[i][j+1]:
				dp[i][j] = dp[i+1][j]
			default:
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var matchA, matchB []int
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			matchA = append(matchA, i)
			matchB = append(matchB, j)
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			i++
		default:
			j++
		}
	}
	return matchA, matchB
}

func diffSeq[K comparable](base, other []K) []hunkRange {
	matchBase, matchOther := lcsMatch(base, other)

	var hunks []hunkRange
	bi, oi := 0, 0
	for k := 0; k <= len(matchBase); k++ {
		var endB, endO int
		if k < len(matchBase) {
			endB, endO = matchBase[k], matchOther[k]
		} else {
			endB, endO = len(base), len(other)
		}
		if bi < endB || oi < endO {
			hunks = append(hunks, hunkRange{baseStart: bi, baseEnd: endB, otherStart: oi, otherEnd: endO})
		}
		if k < len(matchBase) {
			bi = matchBase[k] + 1
			oi = matchOther[k] + 1
		}
	}
	return hunks
}

// --- text three-way merge ---

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(b); i++ {
		if b[i] == '\n' {
			lines = append(lines, string(b[start:i+1]))
			start = i + 1
		}
	}
	if start < len(b) {
		lines = append(lines, string(b[start:]))
	}
	return lines
}

func mergeTextLines(baseBytes, oursBytes, theirsBytes []byte) ([]byte, bool) {
	base := splitLines(baseBytes)
	ours := splitLines(oursBytes)
	theirs := splitLines(theirsBytes)

	oursHunks := diffSeq(base, ours)
	theirsHunks := diffSeq(base, theirs)

	var out bytes.Buffer
	pos, oi, ti := 0, 0, 0
	for pos < len(base) || oi < len(oursHunks) || ti < len(theirsHunks) {
		var oh, th *hunkRange
		if oi < len(oursHunks) && oursHunks[oi].baseStart == pos {
			oh = &oursHunks[oi]
		}
		if ti < len(theirsHunks) && theirsHunks[ti].baseStart == pos {
			th = &theirsHunks[ti]
		}
		switch {
		case oh == nil && th == nil:
			out.WriteString(base[pos])
			pos++
		case oh != nil && th == nil:
			for _, l := range ours[oh.otherStart:oh.otherEnd] {
				out.WriteString(l)
			}
			pos = oh.baseEnd
			oi++
		case oh == nil && th != nil:
			for _, l := range theirs[th.otherStart:th.otherEnd] {
				out.WriteString(l)
			}
			pos = th.baseEnd
			ti++
		default:
			if oh.baseEnd == th.baseEnd && stringsEqual(ours[oh.otherStart:oh.otherEnd], theirs[th.otherStart:th.otherEnd]) {
				for _, l := range ours[oh.otherStart:oh.otherEnd] {
					out.WriteString(l)
				}
				pos = oh.baseEnd
				oi++
				ti++
			} else {
				return nil, false
			}
		}
	}
	return out.Bytes(), true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- segment (chunk-level) three-way merge for layered-image/video/audio ---

type byteRange struct {
	start, end int
}

func chunkKeys(m *manifest.Manifest) []oid.ChunkID {
	keys := make([]oid.ChunkID, len(m.Chunks))
	for i, c := range m.Chunks {
		keys[i] = c.ChunkID
	}
	return keys
}

func chunkByteRanges(m *manifest.Manifest) []byteRange {
	ranges := make([]byteRange, len(m.Chunks))
	for i, c := range m.Chunks {
		ranges[i] = byteRange{start: int(c.Offset), end: int(c.Offset) + int(c.Length)}
	}
	return ranges
}

func writeSegmentRange(out *bytes.Buffer, data []byte, ranges []byteRange, start, end int) {
	if start >= end {
		return
	}
	lo := ranges[start].start
	hi := ranges[end-1].end
	out.Write(data[lo:hi])
}

func oidsEqual(a, b []oid.ChunkID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergeSegments treats each manifest's chunk sequence as an ordered list of
// disjoint segments (a video's structural regions, an audio file's chunked
// tracks, a layered image's chunked layers) and applies the same diff3
// logic as mergeTextLines, but over chunk identity and byte ranges instead
// of lines.
func mergeSegments(baseBytes, oursBytes, theirsBytes []byte, baseM, oursM, theirsM *manifest.Manifest) ([]byte, bool) {
	baseKeys := chunkKeys(baseM)
	oursKeys := chunkKeys(oursM)
	theirsKeys := chunkKeys(theirsM)

	baseRanges := chunkByteRanges(baseM)
	oursRanges := chunkByteRanges(oursM)
	theirsRanges := chunkByteRanges(theirsM)

	oursHunks := diffSeq(baseKeys, oursKeys)
	theirsHunks := diffSeq(baseKeys, theirsKeys)

	var out bytes.Buffer
	pos, oi, ti := 0, 0, 0
	for pos < len(baseKeys) || oi < len(oursHunks) || ti < len(theirsHunks) {
		var oh, th *hunkRange
		if oi < len(oursHunks) && oursHunks[oi].baseStart == pos {
			oh = &oursHunks[oi]
		}
		if ti < len(theirsHunks) && theirsHunks[ti].baseStart == pos {
			th = &theirsHunks[ti]
		}
		switch {
		case oh == nil && th == nil:
			r := baseRanges[pos]
			out.Write(baseBytes[r.start:r.end])
			pos++
		case oh != nil && th == nil:
			writeSegmentRange(&out, oursBytes, oursRanges, oh.otherStart, oh.otherEnd)
			pos = oh.baseEnd
			oi++
		case oh == nil && th != nil:
			writeSegmentRange(&out, theirsBytes, theirsRanges, th.otherStart, th.otherEnd)
			pos = th.baseEnd
			ti++
		default:
			if oh.baseEnd == th.baseEnd && oidsEqual(oursKeys[oh.otherStart:oh.otherEnd], theirsKeys[th.otherStart:th.otherEnd]) {
				writeSegmentRange(&out, oursBytes, oursRanges, oh.otherStart, oh.otherEnd)
				pos = oh.baseEnd
				oi++
				ti++
			} else {
				return nil, false
			}
		}
	}
	return out.Bytes(), true
}
