// Package oid implements the 32-byte content identifier used throughout the
// object subsystem: OIDs for Blob/Tree/Commit/Tag objects and ChunkIDs for
// individual chunks share the same representation and hashing rule.
package oid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

var errInvalidLength = errors.New("oid: hex string is not 32 bytes")

// Size is the fixed length of an OID in bytes.
const Size = sha256.Size

// OID is a 32-byte SHA-256 digest of an object's original, uncompressed
// bytes. Two OIDs are equal iff their content is equal; OIDs are immutable
// and never reused.
type OID [Size]byte

// Undef is the zero-value OID, used to mean "no object" (e.g. an unset
// parent or an empty HEAD).
var Undef OID

// ChunkID identifies a chunk by the hash of its own bytes. It shares OID's
// representation and hashing rule (spec.md §3 Chunk: "Chunk identity is the
// hash of its bytes").
type ChunkID = OID

// Of hashes b and returns the resulting OID.
func Of(b []byte) OID {
	return OID(sha256.Sum256(b))
}

// FromReader hashes the entire stream from r without buffering it, returning
// the resulting OID and the number of bytes read.
func FromReader(r io.Reader) (OID, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Undef, n, err
	}
	var out OID
	copy(out[:], h.Sum(nil))
	return out, n, nil
}

// String renders the OID as 64 lowercase hex characters.
func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

// IsZero reports whether o is the undefined OID.
func (o OID) IsZero() bool {
	return o == Undef
}

// Compare gives OID a strict total order by byte comparison, matching
// spec.md's requirement that OIDs be totally ordered.
func (o OID) Compare(other OID) int {
	return bytes.Compare(o[:], other[:])
}

// Less reports whether o sorts before other under Compare.
func (o OID) Less(other OID) bool {
	return o.Compare(other) < 0
}

// Parse decodes a 64-character lowercase hex string into an OID.
func Parse(s string) (OID, error) {
	var out OID
	b, err := hex.DecodeString(s)
	if err != nil {
		return Undef, err
	}
	if len(b) != Size {
		return Undef, errInvalidLength
	}
	copy(out[:], b)
	return out, nil
}

// MustParse is Parse but panics on error; intended for tests and constants.
func MustParse(s string) OID {
	o, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return o
}
