package chunker

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/meshdrop/backend/internal/wire"
)

// shake256DigestLen is the fixed output length meshdrop uses for Shake256
// checksums, the same length as the Sha256 and BLAKE3 digests.
const shake256DigestLen = 32

// NewHash returns a hash.Hash for the given wire.ChecksumAlgorithm, for
// the three fixed-output algorithms. Shake256 is an extendable-output
// function with a different interface (io.Reader, not Sum); it is
// handled separately by HexSum/HexSumBytes below. The teacher hardcodes
// BLAKE3 everywhere; spec §6 lets a FileMetadata name any of four
// digests, so chunking and assembly dispatch through here instead of
// calling blake3.New() directly.
func NewHash(algo wire.ChecksumAlgorithm) (hash.Hash, error) {
	switch algo {
	case wire.ChecksumSha256:
		return sha256.New(), nil
	case wire.ChecksumSha512:
		return sha512.New(), nil
	case wire.ChecksumBlake3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("chunker: algorithm %d has no fixed-output hash.Hash", algo)
	}
}

// HexSum hashes all of r with algo and returns the lowercase hex digest.
// internal/transfer carries FileMetadata.Checksum and FileChunk.ChunkChecksum
// in this hex form, not base64.
func HexSum(algo wire.ChecksumAlgorithm, r io.Reader) (string, error) {
	if algo == wire.ChecksumShake256 {
		shake := sha3.NewShake256()
		if _, err := io.Copy(shake, r); err != nil {
			return "", err
		}
		out := make([]byte, shake256DigestLen)
		if _, err := io.ReadFull(shake, out); err != nil {
			return "", err
		}
		return hex.EncodeToString(out), nil
	}
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HexSumBytes is the byte-slice convenience form of HexSum, used for
// per-chunk checksums where the chunk is already in memory.
func HexSumBytes(algo wire.ChecksumAlgorithm, data []byte) (string, error) {
	if algo == wire.ChecksumShake256 {
		shake := sha3.NewShake256()
		shake.Write(data)
		out := make([]byte, shake256DigestLen)
		if _, err := io.ReadFull(shake, out); err != nil {
			return "", err
		}
		return hex.EncodeToString(out), nil
	}
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
