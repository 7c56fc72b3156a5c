// Package classify maps a filename and a sample of leading bytes to a closed
// set of file-type categories. Classification is pure, deterministic, and
// never fails: an unrecognized file always falls through to Unknown.
package classify

// Category is a closed set of file-type categories recognized by the
// engine. New categories are never added at runtime; every decision point
// downstream (chunker strategy, compression selector, similarity
// thresholds, merge arbiter) switches over the full set exhaustively.
type Category string

const (
	Text                      Category = "text"
	StructuredText            Category = "structured-text"
	SourceCode                Category = "source-code"
	ImageLossyCompressed      Category = "image-lossy-compressed"
	ImageLosslessUncompressed Category = "image-lossless-uncompressed"
	ImageLayered              Category = "image-layered"
	VideoCompressed           Category = "video-compressed"
	VideoMastering            Category = "video-mastering"
	AudioCompressed           Category = "audio-compressed"
	AudioUncompressed         Category = "audio-uncompressed"
	ArchiveCompressed         Category = "archive-compressed"
	ArchiveTar                Category = "archive-tar"
	MLTensor                  Category = "ml-tensor"
	MLInference               Category = "ml-inference"
	CreativeProject           Category = "creative-project"
	OfficeContainer           Category = "office-container"
	PDFContainer              Category = "pdf-container"
	Mesh3D                    Category = "3d-mesh"
	Scene3D                   Category = "3d-scene"
	Unknown                   Category = "unknown"
)

// IsPrecompressed reports whether content of this category is already
// entropy-coded, so the smart compression selector stores it raw. The
// chunker also consults this, but media-structural categories (video
// containers) chunk by container structure regardless of being
// entropy-coded.
func (c Category) IsPrecompressed() bool {
	switch c {
	case ImageLossyCompressed, VideoCompressed, VideoMastering, AudioCompressed,
		ArchiveCompressed, OfficeContainer, PDFContainer:
		return true
	default:
		return false
	}
}

// IsTextFamily reports whether the category is handled as line-oriented
// text by the merge arbiter (spec.md §4.12).
func (c Category) IsTextFamily() bool {
	switch c {
	case Text, StructuredText, SourceCode:
		return true
	default:
		return false
	}
}
