// Package compress implements the self-describing compression codec
// (spec.md C5) and the smart compression selector (C6) that picks an
// algorithm from a file's category and size.
package compress

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Algorithm is the closed set of compression algorithms the codec
// understands. The encoded form is self-describing: the first byte (or
// magic sequence) of the payload identifies which one was used.
type Algorithm string

const (
	Store  Algorithm = "store"
	Zlib   Algorithm = "zlib"
	Zstd   Algorithm = "zstd"
	Brotli Algorithm = "brotli"
)

// ZstdLevel selects one of the three zstd presets spec.md names.
type ZstdLevel int

const (
	ZstdFast    ZstdLevel = 1
	ZstdDefault ZstdLevel = 3
	ZstdBest    ZstdLevel = 19
)

const (
	storePrefix = 0x00
	zlibMagic1  = 0x78
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Encode compresses b with algo, falling back to Store automatically if the
// encoded form would be no smaller than the input (spec.md §4.6 post-encode
// rule). The returned bytes always carry the self-describing prefix.
func Encode(algo Algorithm, level int, b []byte) ([]byte, Algorithm, error) {
	var encoded []byte
	var err error

	switch algo {
	case Store:
		return storeEncode(b), Store, nil
	case Zlib:
		encoded, err = zlibEncode(b, level)
	case Zstd:
		encoded, err = zstdEncode(b, zstdEncoderLevel(level))
	case Brotli:
		encoded, err = brotliEncode(b, level)
	default:
		return nil, "", fmt.Errorf("compress: unknown algorithm %q", algo)
	}
	if err != nil {
		return nil, "", err
	}
	if len(encoded) >= len(b) {
		return storeEncode(b), Store, nil
	}
	return encoded, algo, nil
}

// Decode inspects the payload's prefix/magic and dispatches to the matching
// decoder, returning the original bytes.
func Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	switch {
	case payload[0] == storePrefix:
		return payload[1:], nil
	case bytes.HasPrefix(payload, zstdMagic):
		return zstdDecode(payload)
	case payload[0] == zlibMagic1:
		return zlibDecode(payload)
	default:
		return brotliDecode(payload)
	}
}

func storeEncode(b []byte) []byte {
	out := make([]byte, 0, len(b)+1)
	out = append(out, storePrefix)
	out = append(out, b...)
	return out
}

func zlibEncode(b []byte, level int) ([]byte, error) {
	if level == 0 {
		level = 6
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("compress: zlib writer: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("compress: zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

func zlibDecode(payload []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("compress: zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compress: zlib decode: %w", err)
	}
	return out, nil
}

func zstdEncoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= int(ZstdFast):
		return zstd.SpeedFastest
	case level >= int(ZstdBest):
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func zstdEncode(b []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, make([]byte, 0, len(b))), nil
}

func zstdDecode(payload []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: zstd decode: %w", err)
	}
	return out, nil
}

func brotliEncode(b []byte, level int) ([]byte, error) {
	if level == 0 {
		level = 9
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("compress: brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: brotli close: %w", err)
	}
	return buf.Bytes(), nil
}

func brotliDecode(payload []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(payload))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compress: brotli decode: %w", err)
	}
	return out, nil
}
