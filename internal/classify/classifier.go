package classify

import (
	"bytes"
	"path/filepath"
	"strings"
)

// byExtension maps a lowercase, dot-prefixed extension to its category.
// Ambiguous or unlisted extensions fall through to magic-byte detection.
var byExtension = map[string]Category{
	".txt": Text, ".md": Text, ".log": Text, ".csv": StructuredText,
	".json": StructuredText, ".yaml": StructuredText, ".yml": StructuredText, ".toml": StructuredText, ".xml": StructuredText, ".svg": StructuredText,
	".go": SourceCode, ".py": SourceCode, ".js": SourceCode, ".ts": SourceCode, ".c": SourceCode, ".cpp": SourceCode,
	".h": SourceCode, ".rs": SourceCode, ".java": SourceCode, ".rb": SourceCode, ".sh": SourceCode,

	".jpg": ImageLossyCompressed, ".jpeg": ImageLossyCompressed, ".webp": ImageLossyCompressed, ".heic": ImageLossyCompressed,
	".tiff": ImageLosslessUncompressed, ".tif": ImageLosslessUncompressed, ".bmp": ImageLosslessUncompressed,
	".raw": ImageLosslessUncompressed, ".cr2": ImageLosslessUncompressed, ".nef": ImageLosslessUncompressed, ".exr": ImageLosslessUncompressed,
	".png": ImageLosslessUncompressed, // PNG re-compresses on its own; treated as uncompressed-origin raster.
	".psd": ImageLayered, ".psb": ImageLayered, ".xcf": ImageLayered, ".kra": ImageLayered,

	".mp4": VideoCompressed, ".mov": VideoCompressed, ".webm": VideoCompressed, ".mkv": VideoCompressed, ".avi": VideoCompressed,
	".mxf": VideoMastering, ".dpx": VideoMastering, ".prores": VideoMastering,

	".mp3": AudioCompressed, ".aac": AudioCompressed, ".ogg": AudioCompressed, ".opus": AudioCompressed,
	".wav": AudioUncompressed, ".aiff": AudioUncompressed, ".aif": AudioUncompressed, ".flac": AudioUncompressed, ".alac": AudioUncompressed,

	".zip": ArchiveCompressed, ".gz": ArchiveCompressed, ".7z": ArchiveCompressed, ".rar": ArchiveCompressed, ".xz": ArchiveCompressed, ".zst": ArchiveCompressed,
	".tar": ArchiveTar,

	".safetensors": MLTensor, ".pt": MLTensor, ".pth": MLTensor, ".ckpt": MLTensor, ".h5": MLTensor, ".npy": MLTensor, ".npz": MLTensor,
	".onnx": MLInference, ".tflite": MLInference, ".pb": MLInference, ".gguf": MLInference,

	".blend": CreativeProject, ".aep": CreativeProject, ".prproj": CreativeProject, ".fcpxml": CreativeProject, ".sesx": CreativeProject,

	".docx": OfficeContainer, ".xlsx": OfficeContainer, ".pptx": OfficeContainer, ".odt": OfficeContainer,
	".pdf": PDFContainer,

	".obj": Mesh3D, ".fbx": Mesh3D, ".stl": Mesh3D, ".ply": Mesh3D,
	".gltf": Scene3D, ".glb": Scene3D, ".usd": Scene3D, ".usda": Scene3D, ".usdz": Scene3D,
}

// magicPrefixes lists byte-sequence signatures checked against the leading
// sample when extension lookup is absent or ambiguous. Checked in order;
// first match wins.
var magicPrefixes = []struct {
	sig []byte
	cat Category
}{
	{[]byte("\xFF\xD8\xFF"), ImageLossyCompressed},          // JPEG
	{[]byte("\x89PNG\r\n\x1a\n"), ImageLosslessUncompressed}, // PNG
	{[]byte("8BPS"), ImageLayered},                          // PSD
	{[]byte("RIFF"), ArchiveCompressed},                      // generic RIFF container; refined by extension for AVI/WAV above
	{[]byte("\x1A\x45\xDF\xA3"), VideoCompressed},            // EBML (MKV/WebM)
	{[]byte("ftyp"), VideoCompressed},                        // ISO BMFF, checked at offset 4 separately below
	{[]byte("fLaC"), AudioUncompressed},                      // FLAC
	{[]byte("ID3"), AudioCompressed},                         // MP3 with ID3 tag
	{[]byte("PK\x03\x04"), ArchiveCompressed},                // ZIP (also Office/ODT containers without extension)
	{[]byte("%PDF-"), PDFContainer},
	{[]byte("\x1F\x8B"), ArchiveCompressed},      // gzip
	{[]byte("7z\xBC\xAF\x27\x1C"), ArchiveCompressed},
	{[]byte("glTF"), Scene3D}, // GLB binary header
}

// Classify determines filename's category from its extension first, then
// falls back to the magic-byte signatures found in sample (expected to be
// up to the first 4KiB of the file). It never fails; unrecognized content
// is Unknown.
func Classify(filename string, sample []byte) Category {
	ext := strings.ToLower(filepath.Ext(filename))
	if cat, ok := byExtension[ext]; ok {
		return cat
	}

	if len(sample) >= 8 && bytes.Equal(sample[4:8], []byte("ftyp")) {
		return VideoCompressed
	}
	for _, m := range magicPrefixes {
		if bytes.HasPrefix(sample, m.sig) {
			return m.cat
		}
	}

	if looksLikeText(sample) {
		return Text
	}
	return Unknown
}

// looksLikeText is a coarse binary/text heuristic: a sample with no NUL
// bytes and a high ratio of printable/whitespace bytes is treated as text.
func looksLikeText(sample []byte) bool {
	if len(sample) == 0 {
		return true
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	printable := 0
	for _, b := range sample {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7F) || b >= 0x80 {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) > 0.95
}
