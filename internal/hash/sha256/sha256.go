// Package sha256 derives stable content keys from bytes and URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex returns the hex-encoded SHA-256 digest of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key returns the first n hex characters of the digest of s. n outside
// (0, 64] yields the full digest.
func Key(s string, n int) string {
	digest := Hex([]byte(s))
	if n <= 0 || n >= len(digest) {
		return digest
	}
	return digest[:n]
}
