package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Hash is the hex SHA-256 of a request's canonical encoding. It doubles as
// the cache key and the storage path segment.
type Hash string

// HashLen is the fixed length of every Hash.
const HashLen = sha256.Size * 2

// hashScheme is bumped whenever the canonical form changes.
const hashScheme = 1

// canonicalRequest is the stable wire form that gets hashed. Integer keys
// keep the encoding independent of Go field names; Core Deterministic CBOR
// (RFC 8949 §4.2.1) fixes key order, integer widths and is whitespace-free.
type canonicalRequest struct {
	Scheme        int         `cbor:"0,keyasint"`
	UserID        string      `cbor:"1,keyasint"`
	SourceSurface string      `cbor:"2,keyasint"`
	Quality       string      `cbor:"3,keyasint"`
	Preset        string      `cbor:"4,keyasint"`
	View          string      `cbor:"5,keyasint"`
	KeepPose      bool        `cbor:"6,keyasint"`
	UseFaceRefs   bool        `cbor:"7,keyasint"`
	Slots         [][2]string `cbor:"8,keyasint"`
	// nil encodes as CBOR null, never as an empty string.
	FaceRefs  *string `cbor:"9,keyasint"`
	BaseImage *string `cbor:"10,keyasint"`
}

var canonicalEncoder = mustCanonicalEncoder()

func mustCanonicalEncoder() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("render: canonical cbor options: %v", err))
	}
	return em
}

// Canonical returns the bytes ComputeHash digests. Exposed for debugging and
// for cross-implementation checks.
func Canonical(r Request) ([]byte, error) {
	names := sortedKeys(r.SlotSignature)
	slots := make([][2]string, 0, len(names))
	for _, name := range names {
		slots = append(slots, [2]string{name, r.SlotSignature[name]})
	}

	return canonicalEncoder.Marshal(canonicalRequest{
		Scheme:        hashScheme,
		UserID:        r.UserID,
		SourceSurface: string(r.SourceSurface),
		Quality:       string(r.Quality),
		Preset:        r.Preset,
		View:          string(r.View),
		KeepPose:      r.KeepPose,
		UseFaceRefs:   r.UseFaceRefs,
		Slots:         slots,
		FaceRefs:      r.FaceRefsSignature,
		BaseImage:     r.BaseImageSignature,
	})
}

// ComputeHash derives the render hash of r. Pure and deterministic; an
// empty slot signature is valid.
func ComputeHash(r Request) (Hash, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return "", fmt.Errorf("render: canonical encoding: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return Hash(hex.EncodeToString(sum[:])), nil
}

// Valid reports whether h has the shape ComputeHash produces.
func (h Hash) Valid() bool {
	if len(h) != HashLen {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

func (h Hash) String() string { return string(h) }
