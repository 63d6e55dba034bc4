package value

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ChecksumAlgorithm names a digest algorithm.
type ChecksumAlgorithm string

const (
	ChecksumSha256     ChecksumAlgorithm = "sha256"
	ChecksumBlake2b256 ChecksumAlgorithm = "blake2b256"
)

// Checksum is a declared digest over a process output or downloaded
// resource, rendered as "<algorithm>:<hex>".
type Checksum struct {
	Algorithm ChecksumAlgorithm
	Digest    []byte
}

func (c Checksum) String() string {
	return string(c.Algorithm) + ":" + hex.EncodeToString(c.Digest)
}

// Equal compares algorithm and digest.
func (c Checksum) Equal(other Checksum) bool {
	return c.Algorithm == other.Algorithm && bytes.Equal(c.Digest, other.Digest)
}

// ParseChecksum inverts String.
func ParseChecksum(s string) (Checksum, error) {
	algo, digest, ok := strings.Cut(s, ":")
	if !ok {
		return Checksum{}, fmt.Errorf("invalid checksum %q", s)
	}
	switch ChecksumAlgorithm(algo) {
	case ChecksumSha256, ChecksumBlake2b256:
	default:
		return Checksum{}, fmt.Errorf("unknown checksum algorithm %q", algo)
	}
	b, err := hex.DecodeString(digest)
	if err != nil {
		return Checksum{}, fmt.Errorf("invalid checksum digest: %w", err)
	}
	return Checksum{Algorithm: ChecksumAlgorithm(algo), Digest: b}, nil
}

// ChecksumWriter streams bytes into a digest.
type ChecksumWriter struct {
	algorithm ChecksumAlgorithm
	hash      hash.Hash
}

// NewChecksumWriter creates a writer for the given algorithm.
func NewChecksumWriter(algorithm ChecksumAlgorithm) (*ChecksumWriter, error) {
	switch algorithm {
	case ChecksumSha256:
		return &ChecksumWriter{algorithm: algorithm, hash: sha256.New()}, nil
	case ChecksumBlake2b256:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, err
		}
		return &ChecksumWriter{algorithm: algorithm, hash: h}, nil
	}
	return nil, fmt.Errorf("unknown checksum algorithm %q", algorithm)
}

func (w *ChecksumWriter) Write(p []byte) (int, error) {
	return w.hash.Write(p)
}

// Checksum finalizes the digest.
func (w *ChecksumWriter) Checksum() Checksum {
	return Checksum{Algorithm: w.algorithm, Digest: w.hash.Sum(nil)}
}

// ChecksumMismatchError carries both digests.
type ChecksumMismatchError struct {
	Expected Checksum
	Actual   Checksum
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}
