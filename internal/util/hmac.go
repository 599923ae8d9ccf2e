package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// HMACSHA256 returns HMAC-SHA256(key, parts[0] || parts[1] || ...).
func HMACSHA256(key []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// HMACSHA256Hex is HMACSHA256 hex-encoded.
func HMACSHA256Hex(key []byte, parts ...[]byte) string {
	return HexEncode(HMACSHA256(key, parts...))
}

func SHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func SHA256Hex(b []byte) string {
	return HexEncode(SHA256(b))
}

// ConstantTimeEqual compares two strings in time that depends only on their
// lengths.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
