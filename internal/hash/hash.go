// Package hash provides the digests used for cache keys and webhook
// signatures.
package hash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s. Report cache
// keys are derived from the normalized URL this way.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex signs body with secret and returns the lowercase hex MAC.
func HMACSHA256Hex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidMAC reports whether got is a valid signature for body in constant
// time.
func ValidMAC(secret string, body []byte, got string) bool {
	want := HMACSHA256Hex(secret, body)
	return hmac.Equal([]byte(want), []byte(got))
}
