// Package digest normalizes the 32-byte signing digests accepted on the
// wire and computes the digest hash bound into tickets. The gateway and
// the enclave must produce identical values, so both use this package.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Decode parses a digest from its wire form: 64 hex characters with an
// optional 0x prefix. The canonical form is lowercase hex without prefix.
func Decode(raw string) (canonical string, digest []byte, err error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	if trimmed == "" {
		return "", nil, fmt.Errorf("digest is required")
	}

	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return "", nil, fmt.Errorf("digest must be hex: %w", err)
	}
	if len(decoded) != 32 {
		return "", nil, fmt.Errorf("digest must be 32 bytes, got %d", len(decoded))
	}

	return hex.EncodeToString(decoded), decoded, nil
}

// Hash returns the hex sha256 of the digest bytes. Tickets bind this value
// rather than the digest itself.
func Hash(digest []byte) string {
	sum := sha256.Sum256(digest)
	return hex.EncodeToString(sum[:])
}

// DecodeAndHash combines Decode and Hash for the common handler path.
func DecodeAndHash(raw string) (canonical string, digest []byte, digestHash string, err error) {
	canonical, digest, err = Decode(raw)
	if err != nil {
		return "", nil, "", err
	}
	return canonical, digest, Hash(digest), nil
}
