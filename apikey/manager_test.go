package apikey

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/ratelimit"
	"github.com/jmcleod/trustgate/state/memstate"
	"github.com/jmcleod/trustgate/storage"
	"github.com/jmcleod/trustgate/storage/memory"
	"github.com/jmcleod/trustgate/verdict"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testParams() util.Argon2idParams {
	return util.Argon2idParams{Time: 1, MemoryKiB: 8192, Parallelism: 1, KeyLen: 32}
}

func newTestManager(t *testing.T, limit ratelimit.Limit) (*Manager, *fakeClock, storage.Repository) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := memory.NewRepository()
	limiter := ratelimit.New(memstate.New(), limit, ratelimit.WithClock(clock.Now))
	m := NewManager(repo, limiter, WithClock(clock.Now), WithArgon2Params(testParams()))
	return m, clock, repo
}

func reasonOf(t *testing.T, err error) verdict.Reason {
	t.Helper()
	require.Error(t, err)
	r, ok := verdict.ReasonOf(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	return r
}

func intPtr(v int) *int { return &v }

var keyFormat = regexp.MustCompile(`^sk_[0-9a-f]{48}$`)

func TestGenerate(t *testing.T) {
	m, clock, repo := newTestManager(t, ratelimit.DefaultLimit)
	ctx := context.Background()

	plain, key, err := m.Generate(ctx, "owner-1", []string{"tts", "fonts", "tts", " "}, intPtr(30))
	require.NoError(t, err)
	assert.Regexp(t, keyFormat, plain)
	assert.NotEmpty(t, key.ID)
	assert.Equal(t, []string{"fonts", "tts"}, key.Scopes)
	require.NotNil(t, key.ExpiresAt)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour), *key.ExpiresAt)

	// The stored record holds no plaintext.
	env, err := repo.Get(Namespace, RecordType, key.SecretHash)
	require.NoError(t, err)
	assert.NotContains(t, string(env.Data), plain)
	assert.NotContains(t, string(env.Data), strings.TrimPrefix(plain, DefaultPrefix))

	other, _, err := m.Generate(ctx, "owner-1", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, plain, other)

	_, _, err = m.Generate(ctx, "  ", nil, nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	m, clock, _ := newTestManager(t, ratelimit.DefaultLimit)
	ctx := context.Background()

	plain, key, err := m.Generate(ctx, "owner-1", []string{"tts"}, intPtr(1))
	require.NoError(t, err)

	t.Run("Valid", func(t *testing.T) {
		got, err := m.Validate(ctx, plain, "tts")
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)

		_, err = m.Validate(ctx, plain, "")
		require.NoError(t, err)
	})

	t.Run("MissingScope", func(t *testing.T) {
		_, err := m.Validate(ctx, plain, "images")
		assert.Equal(t, verdict.MissingScope, reasonOf(t, err))
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := m.Validate(ctx, "sk_"+strings.Repeat("0", 48), "tts")
		assert.Equal(t, verdict.InvalidKey, reasonOf(t, err))
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, bad := range []string{"", "sk_", "pk_" + strings.Repeat("a", 48), "sk_" + strings.Repeat("G", 48), plain + "0"} {
			_, err := m.Validate(ctx, bad, "tts")
			assert.Equal(t, verdict.InvalidKey, reasonOf(t, err), bad)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		clock.Advance(24*time.Hour + time.Second)
		_, err := m.Validate(ctx, plain, "tts")
		assert.Equal(t, verdict.Expired, reasonOf(t, err))
	})
}

func TestValidate_NegativeTTLIsExpired(t *testing.T) {
	m, _, _ := newTestManager(t, ratelimit.DefaultLimit)
	ctx := context.Background()

	plain, _, err := m.Generate(ctx, "owner-1", []string{"tts"}, intPtr(-1))
	require.NoError(t, err)

	_, err = m.Validate(ctx, plain, "tts")
	assert.Equal(t, verdict.Expired, reasonOf(t, err))
}

func TestValidate_RateLimitedBeforeLookup(t *testing.T) {
	m, clock, _ := newTestManager(t, ratelimit.Limit{Requests: 3, Window: time.Minute})
	ctx := context.Background()

	plain, _, err := m.Generate(ctx, "owner-1", []string{"tts"}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.Validate(ctx, plain, "missing")
		assert.Equal(t, verdict.MissingScope, reasonOf(t, err))
	}
	// Failed validations counted; a now-correct call is still refused.
	_, err = m.Validate(ctx, plain, "tts")
	assert.Equal(t, verdict.RateLimited, reasonOf(t, err))
	w, ok := ratelimit.WindowOf(err)
	require.True(t, ok, "the key's window travels with the rejection")
	assert.Equal(t, time.Minute, w.Duration)
	assert.Equal(t, 3, w.Limit)

	clock.Advance(time.Minute)
	_, err = m.Validate(ctx, plain, "tts")
	require.NoError(t, err)
}

func TestRevoke(t *testing.T) {
	m, _, _ := newTestManager(t, ratelimit.DefaultLimit)
	ctx := context.Background()

	plain, key, err := m.Generate(ctx, "owner-1", []string{"tts"}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, plain))
	require.NoError(t, m.Revoke(ctx, plain), "revoking twice is a no-op")

	_, err = m.Validate(ctx, plain, "tts")
	assert.Equal(t, verdict.Revoked, reasonOf(t, err))

	keys, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Revoked)
	assert.NotNil(t, keys[0].RevokedAt)
	assert.Equal(t, key.ID, keys[0].ID)

	err = m.Revoke(ctx, "sk_"+strings.Repeat("1", 48))
	assert.Equal(t, verdict.InvalidKey, reasonOf(t, err))
}

func TestRevokeID(t *testing.T) {
	m, _, _ := newTestManager(t, ratelimit.DefaultLimit)
	ctx := context.Background()

	plain, key, err := m.Generate(ctx, "owner-1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.RevokeID(ctx, key.ID))
	_, err = m.Validate(ctx, plain, "")
	assert.Equal(t, verdict.Revoked, reasonOf(t, err))

	err = m.RevokeID(ctx, "nope")
	assert.Equal(t, verdict.InvalidKey, reasonOf(t, err))
}

func TestSweep(t *testing.T) {
	m, clock, repo := newTestManager(t, ratelimit.DefaultLimit)
	ctx := context.Background()

	revokedExpired, _, err := m.Generate(ctx, "a", nil, intPtr(1))
	require.NoError(t, err)
	revokedLive, _, err := m.Generate(ctx, "b", nil, nil)
	require.NoError(t, err)
	_, _, err = m.Generate(ctx, "c", nil, intPtr(1))
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, revokedExpired))
	require.NoError(t, m.Revoke(ctx, revokedLive))
	clock.Advance(48 * time.Hour)

	removed, err := m.Sweep(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed, "expired too recently")

	removed, err = m.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ids, err := repo.List(Namespace, RecordType)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestRedact(t *testing.T) {
	m, _, _ := newTestManager(t, ratelimit.DefaultLimit)
	plain, _, err := m.Generate(context.Background(), "owner-1", nil, nil)
	require.NoError(t, err)

	red := m.Redact(plain)
	assert.Equal(t, plain[:7]+"...[REDACTED]", red)
	assert.NotContains(t, red, plain[7:])
}

func TestEncryptAtRest(t *testing.T) {
	m, _, _ := newTestManager(t, ratelimit.DefaultLimit)
	plain := "sk_" + strings.Repeat("ab", 24)

	blob, err := m.EncryptAtRest(plain, "correct horse")
	require.NoError(t, err)
	assert.NotContains(t, blob, plain)

	again, err := m.EncryptAtRest(plain, "correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, blob, again, "fresh salt and nonce each time")

	got, err := m.DecryptAtRest(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	t.Run("WrongPassword", func(t *testing.T) {
		got, err := m.DecryptAtRest(blob, "battery staple")
		assert.True(t, errors.Is(err, ErrDecrypt))
		assert.Empty(t, got)
	})

	t.Run("Tampered", func(t *testing.T) {
		raw, err := util.Base64URLDecode(blob)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01
		got, err := m.DecryptAtRest(util.Base64URLEncode(raw), "correct horse")
		assert.True(t, errors.Is(err, ErrDecrypt))
		assert.Empty(t, got)
	})

	t.Run("Garbage", func(t *testing.T) {
		for _, bad := range []string{"", "!!!", util.Base64URLEncode([]byte{2, 1, 2})} {
			_, err := m.DecryptAtRest(bad, "correct horse")
			assert.True(t, errors.Is(err, ErrDecrypt), bad)
		}
	})

	_, err = m.EncryptAtRest(plain, "")
	assert.Error(t, err)
}
