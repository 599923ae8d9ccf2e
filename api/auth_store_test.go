package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthStoreEntriesAreSingleUse(t *testing.T) {
	s := newAuthStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	s.putPending("state-1", pendingAuth{OwnerID: "o", ExpiresAt: now.Add(time.Minute)})
	p, ok := s.takePending("state-1")
	assert.True(t, ok)
	assert.Equal(t, "o", p.OwnerID)
	_, ok = s.takePending("state-1")
	assert.False(t, ok)

	s.putCode("code-1", p)
	_, ok = s.takeCode("code-1")
	assert.True(t, ok)
	_, ok = s.takeCode("code-1")
	assert.False(t, ok)
}

func TestAuthStoreExpiry(t *testing.T) {
	s := newAuthStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	s.putCode("code-1", pendingAuth{})
	now = now.Add(authCodeTTL + time.Second)
	_, ok := s.takeCode("code-1")
	assert.False(t, ok, "expired codes are refused")

	s.putPending("old", pendingAuth{ExpiresAt: now.Add(-time.Second)})
	s.putPending("new", pendingAuth{ExpiresAt: now.Add(time.Minute)})
	s.mu.Lock()
	_, stillThere := s.pending["old"]
	s.mu.Unlock()
	assert.False(t, stillThere, "puts sweep expired entries")
}
