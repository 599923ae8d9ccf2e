package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// urlSafeChars is the RFC 3986 unreserved set used for PKCE verifiers.
const urlSafeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex-encoded (2n characters).
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return HexEncode(b), nil
}

// RandomURLSafe returns n characters drawn uniformly from the unreserved set.
func RandomURLSafe(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(urlSafeChars))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteByte(urlSafeChars[idx])
	}
	return sb.String(), nil
}

// IsURLSafe reports whether every byte of s is in the unreserved set.
func IsURLSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(urlSafeChars, s[i]) < 0 {
			return false
		}
	}
	return true
}
