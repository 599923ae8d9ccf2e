package api

import (
	"sync"
	"time"
)

// authCodeTTL bounds the gap between callback and token exchange.
const authCodeTTL = time.Minute

// pendingAuth is an authorization request awaiting its callback, and then
// an issued code awaiting exchange.
type pendingAuth struct {
	OwnerID             string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scopes              []string
	ExpiresAt           time.Time
}

// authStore keeps pending authorizations (keyed by state token) and issued
// codes. Entries are removed when taken, so each is usable once. It is
// per-process: a deployment behind a load balancer needs sticky routing for
// the authorize/callback/token sequence.
type authStore struct {
	mu      sync.Mutex
	pending map[string]pendingAuth
	codes   map[string]pendingAuth
	now     func() time.Time
}

func newAuthStore() *authStore {
	return &authStore{
		pending: make(map[string]pendingAuth),
		codes:   make(map[string]pendingAuth),
		now:     time.Now,
	}
}

func (s *authStore) putPending(state string, p pendingAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.pending[state] = p
}

func (s *authStore) takePending(state string) (pendingAuth, bool) {
	return s.take(s.pending, state)
}

func (s *authStore) putCode(code string, p pendingAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	p.ExpiresAt = s.now().Add(authCodeTTL)
	s.codes[code] = p
}

func (s *authStore) takeCode(code string) (pendingAuth, bool) {
	return s.take(s.codes, code)
}

func (s *authStore) take(m map[string]pendingAuth, key string) (pendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := m[key]
	if !ok {
		return pendingAuth{}, false
	}
	delete(m, key)
	if s.now().After(p.ExpiresAt) {
		return pendingAuth{}, false
	}
	return p, true
}

func (s *authStore) sweepLocked() {
	now := s.now()
	for k, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, k)
		}
	}
	for k, p := range s.codes {
		if now.After(p.ExpiresAt) {
			delete(s.codes, k)
		}
	}
}
