package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"unicode/utf8"
)

// CanonicalJSON encodes v with map keys sorted at every level, so two maps
// with the same content always produce the same bytes regardless of
// insertion order.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ShortHash returns the first n hex characters of the SHA-256 of data.
func ShortHash(data []byte, n int) string {
	sum := sha256.Sum256(data)
	encoded := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(encoded) {
		return encoded
	}
	return encoded[:n]
}

// HashVariables returns an 8 character digest of the canonical encoding of vars.
func HashVariables(vars map[string]any) (string, error) {
	data, err := CanonicalJSON(vars)
	if err != nil {
		return "", err
	}
	return ShortHash(data, 8), nil
}

// TruncateString cuts s to at most maxBytes bytes without splitting a rune.
func TruncateString(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
