package apikey

import (
	"slices"
	"strings"
	"time"
)

// Key is the stored form of an API key. The plaintext is never kept; only
// the SHA-256 of its secret portion.
type Key struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	SecretHash string     `json:"secret_hash"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// HasScope reports whether scope was granted.
func (k *Key) HasScope(scope string) bool {
	_, found := slices.BinarySearch(k.Scopes, scope)
	return found
}

// ExpiredAt reports whether the key is past its expiry at now.
func (k *Key) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// normalizeScopes trims, drops empties, dedupes and sorts.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
