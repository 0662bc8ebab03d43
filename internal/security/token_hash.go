package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 of a token value. Stores index tokens by this hash, never the raw value.
func HashToken(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// TokenHashEqual compares the hash of value against storedHash in constant time.
func TokenHashEqual(value, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(value)), []byte(storedHash)) == 1
}
