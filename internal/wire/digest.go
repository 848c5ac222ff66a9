package wire

import (
	"crypto/subtle"

	"golang.org/x/crypto/blake2b"
)

// DigestSize est la taille d'un digest de chunk (BLAKE2b-256).
const DigestSize = blake2b.Size256

// Digest calcule le digest BLAKE2b-256 d'un chunk.
func Digest(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// VerifyDigest indique si digest correspond aux octets de data.
func VerifyDigest(data, digest []byte) bool {
	if len(digest) != DigestSize {
		return false
	}
	return subtle.ConstantTimeCompare(Digest(data), digest) == 1
}
