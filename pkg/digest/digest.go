// Package digest implements the 256 bit content addressing scheme
// used throughout the store.
//
// Digests are computed with blake2b-256
// (https://en.wikipedia.org/wiki/BLAKE_(hash_function)) over the
// uncompressed logical bytes of an object, so addressing is independent
// of the on-disk representation.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"

	blake2b "github.com/minio/blake2b-simd"
)

const (
	// Size of a digest in bytes
	Size = 32

	// SizeHex of the hex representation of a digest
	SizeHex = 64
)

// Digest is a 256 bit content hash. Two blobs with equal digests are
// assumed byte-identical.
type Digest [Size]byte

// Zero is the empty digest, used as the "no content" marker.
var Zero Digest

// New creates a digest from raw bytes
func New(data []byte) (Digest, error) {
	var d Digest
	n := copy(d[:], data)
	if n != Size {
		return Digest{}, &BadDigestSize{Data: data}
	}
	return d, nil
}

// MustNew creates a digest from raw bytes but panics if there is an error
func MustNew(data []byte) Digest {
	d, err := New(data)
	if err != nil {
		panic(err.Error())
	}
	return d
}

// FromString parses the hex representation of a digest
func FromString(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	return New(b)
}

// OfBytes computes the digest of a byte buffer
func OfBytes(data []byte) Digest {
	return Digest(blake2b.Sum256(data))
}

// OfReader computes the digest of everything read from r
func OfReader(r io.Reader) (Digest, int64, error) {
	h := blake2b.New256()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, err
	}
	return MustNew(h.Sum(nil)), n, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is the empty marker
func (d Digest) IsZero() bool {
	return d == Zero
}

// Hasher computes a digest incrementally
type Hasher struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

// NewHasher returns a streaming digest writer
func NewHasher() *Hasher {
	return &Hasher{h: blake2b.New256()}
}

func (w *Hasher) Write(p []byte) (int, error) {
	return w.h.Write(p)
}

// Digest returns the digest of all bytes written so far
func (w *Hasher) Digest() Digest {
	return MustNew(w.h.Sum(nil))
}

// BadDigestSize is an error that's returned when the digest to create has an invalid size.
type BadDigestSize struct {
	Data []byte
}

func (b *BadDigestSize) Error() string {
	return fmt.Sprintf("%x has invalid size of %d, expected %d", b.Data, len(b.Data), Size)
}
