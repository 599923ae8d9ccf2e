// Package state defines the shared mutable state used by the validators:
// fixed rate-limit windows and processed webhook nonces. Implementations
// must make Take and Insert atomic per key so that validators stay correct
// when many requests race on the same subject.
package state

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrUnavailable wraps backend failures so callers can fail closed.
var ErrUnavailable = errors.New("state backend unavailable")

// Window is a snapshot of a fixed rate-limit window after a Take.
type Window struct {
	Key      string
	Start    time.Time
	Count    int
	Limit    int
	Duration time.Duration
}

// Remaining is the number of requests still admissible in this window.
func (w Window) Remaining() int {
	if w.Count >= w.Limit {
		return 0
	}
	return w.Limit - w.Count
}

// ResetAt is when the window rolls over.
func (w Window) ResetAt() time.Time {
	return w.Start.Add(w.Duration)
}

// WindowStore holds fixed-window counters.
type WindowStore interface {
	// Take admits one request against key if the window has room. The
	// boundary check happens before the increment, so Count never exceeds
	// limit. A window whose age is >= window is reset first.
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, bool, error)
}

// NonceStore is an insert-if-absent set with per-entry expiry.
type NonceStore interface {
	// Insert records key until now+ttl. It returns false when key is
	// already present and unexpired.
	Insert(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error)
}

// RateLimitKey is the shared-store key of the (subject, action) window.
func RateLimitKey(subject, action string) string {
	return "ratelimit:" + subject + ":" + action
}

// NonceKey is the shared-store key of a processed webhook delivery.
func NonceKey(webhookID, signature string, timestamp int64) string {
	return "nonce:" + webhookID + ":" + signature + ":" + strconv.FormatInt(timestamp, 10)
}

// OAuthStateKey is the shared-store key marking an OAuth state as consumed.
func OAuthStateKey(nonce string) string {
	return "oauthstate:" + nonce
}

// Store is a backend that holds both windows and nonces.
type Store interface {
	WindowStore
	NonceStore
}
