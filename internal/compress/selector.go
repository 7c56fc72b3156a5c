package compress

import "github.com/prn-tf/mediagit/internal/classify"

const textBrotliCeiling = 500 * 1024 * 1024 // 500 MiB

// Choice is the algorithm plus any level parameter the selector decided on.
type Choice struct {
	Algorithm Algorithm
	Level     int
}

// SelectForObject implements the smart compression selector (spec.md §4.6)
// for internal tree/commit/tag objects, which always use zlib regardless of
// size.
func SelectForObject() Choice {
	return Choice{Algorithm: Zlib, Level: 6}
}

// Select implements the smart compression selector's policy table (spec.md
// §4.6) for a Blob (or a chunk, using its parent Blob's category) of the
// given category and size.
func Select(cat classify.Category, size int64) Choice {
	switch cat {
	case classify.ImageLossyCompressed, classify.VideoCompressed, classify.VideoMastering,
		classify.AudioCompressed, classify.ArchiveCompressed, classify.OfficeContainer,
		classify.PDFContainer:
		return Choice{Algorithm: Store}

	case classify.ImageLosslessUncompressed, classify.ImageLayered, classify.AudioUncompressed:
		return Choice{Algorithm: Zstd, Level: int(ZstdBest)}

	case classify.Text, classify.SourceCode, classify.StructuredText:
		if size > textBrotliCeiling {
			return Choice{Algorithm: Zstd, Level: int(ZstdDefault)}
		}
		return Choice{Algorithm: Brotli, Level: 9}

	case classify.MLTensor:
		return Choice{Algorithm: Zstd, Level: int(ZstdFast)}

	case classify.MLInference, classify.CreativeProject, classify.ArchiveTar:
		return Choice{Algorithm: Zstd, Level: int(ZstdDefault)}

	case classify.Mesh3D, classify.Scene3D:
		// Not named explicitly in spec.md's table; these are treated as the
		// "default" row since neither is pre-compressed nor text-family.
		return Choice{Algorithm: Zstd, Level: int(ZstdDefault)}

	default: // classify.Unknown and anything else
		return Choice{Algorithm: Zstd, Level: int(ZstdDefault)}
	}
}
