package oauth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/state"
	"github.com/jmcleod/trustgate/verdict"
)

// DefaultStateTTL bounds how long an authorization request may take.
const DefaultStateTTL = 10 * time.Minute

const stateBytes = 32

// GenerateState returns 32 random bytes hex-encoded.
func GenerateState() (string, error) {
	return util.RandomHex(stateBytes)
}

// StateStore issues single-use state tokens. A token is
// "<state>.<issued unix>.<mac>", so only tokens this store issued verify,
// and consumption is recorded in a NonceStore shared across instances.
type StateStore struct {
	nonces state.NonceStore
	key    []byte
	ttl    time.Duration
	now    func() time.Time
}

// StateOption configures a StateStore.
type StateOption func(*StateStore)

func WithStateTTL(ttl time.Duration) StateOption {
	return func(s *StateStore) {
		s.ttl = ttl
	}
}

func WithClock(now func() time.Time) StateOption {
	return func(s *StateStore) {
		s.now = now
	}
}

// NewStateStore creates a StateStore. key authenticates tokens and must be
// at least 32 bytes.
func NewStateStore(nonces state.NonceStore, key []byte, opts ...StateOption) (*StateStore, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("oauth: state key must be at least 32 bytes")
	}
	s := &StateStore{
		nonces: nonces,
		key:    util.CopyBytes(key),
		ttl:    DefaultStateTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue returns a fresh state token.
func (s *StateStore) Issue(_ context.Context) (string, error) {
	nonce, err := GenerateState()
	if err != nil {
		return "", err
	}
	body := nonce + "." + strconv.FormatInt(s.now().Unix(), 10)
	return body + "." + util.HMACSHA256Hex(s.key, []byte(body)), nil
}

// Consume accepts token once. Forged, expired or reused tokens are
// rejected with invalid_state.
func (s *StateStore) Consume(ctx context.Context, token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return verdict.Rejectf(verdict.InvalidState, "malformed state")
	}
	body := parts[0] + "." + parts[1]
	if !util.ConstantTimeEqual(util.HMACSHA256Hex(s.key, []byte(body)), parts[2]) {
		return verdict.Rejectf(verdict.InvalidState, "state not issued here")
	}

	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return verdict.Rejectf(verdict.InvalidState, "malformed state")
	}
	now := s.now()
	age := now.Sub(time.Unix(issued, 0))
	if age > s.ttl || age < -time.Minute {
		return verdict.Rejectf(verdict.InvalidState, "state expired")
	}

	fresh, err := s.nonces.Insert(ctx, state.OAuthStateKey(parts[0]), s.ttl, now)
	if err != nil {
		return fmt.Errorf("recording oauth state: %w", err)
	}
	if !fresh {
		return verdict.Rejectf(verdict.InvalidState, "state already used")
	}
	return nil
}

// TTL is how long issued tokens stay valid.
func (s *StateStore) TTL() time.Duration {
	return s.ttl
}
