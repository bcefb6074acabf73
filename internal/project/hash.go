package project

import (
	"crypto/sha256"
)

// Digest is a fixed 256-bit content hash, compatible with source.File.Hash.
type Digest [32]byte

// Combine hashes content followed by every part in order:
// H( content || part1 || part2 ... ). Callers keep parts in a
// deterministic order.
func Combine(content Digest, parts ...Digest) Digest {
	h := sha256.New()
	_, _ = h.Write(content[:])
	for _, d := range parts {
		_, _ = h.Write(d[:])
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// StringDigest hashes an identifier such as a unit key.
func StringDigest(s string) Digest {
	return sha256.Sum256([]byte(s))
}
