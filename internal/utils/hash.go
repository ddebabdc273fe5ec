package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// CalculateSHA256 returns the hex-encoded SHA-256 digest of data.
func CalculateSHA256(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CalculateFileSHA256 returns the hex-encoded SHA-256 digest of everything
// read from reader.
func CalculateFileSHA256(reader io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, reader); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsHexDigest reports whether s looks like a hex-encoded SHA-256 digest.
func IsHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
