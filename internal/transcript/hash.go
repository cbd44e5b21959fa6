package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names the digest used to chain records.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = SHA256

// ParseAlgorithm accepts "sha256", "blake3" or an empty string (default).
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("transcript: unknown hash algorithm %q", s)
	}
}

// Sum returns "<algo>:<hex>" of data.
func (a Algorithm) Sum(data []byte) string {
	switch a {
	case BLAKE3:
		h := blake3.Sum256(data)
		return string(BLAKE3) + ":" + hex.EncodeToString(h[:])
	default:
		h := sha256.Sum256(data)
		return string(SHA256) + ":" + hex.EncodeToString(h[:])
	}
}

// HashLine returns the sha256 chain hash of a written line, including its
// trailing newline.
func HashLine(line []byte) string {
	return SHA256.Sum(line)
}

// ShortHash returns the first n hex digits of a chain hash, without its
// algorithm prefix.
func ShortHash(hash string, n int) string {
	_, digest := algorithmOf(hash)
	if len(digest) > n {
		return digest[:n]
	}
	return digest
}

// algorithmOf reports which algorithm produced hash. A bare hex digest is
// treated as sha256.
func algorithmOf(hash string) (Algorithm, string) {
	algo, digest, ok := strings.Cut(hash, ":")
	if !ok {
		return SHA256, hash
	}
	return Algorithm(algo), digest
}
