package oauth

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/state/memstate"
	"github.com/jmcleod/trustgate/urlguard"
	"github.com/jmcleod/trustgate/verdict"
)

func reasonOf(t *testing.T, err error) verdict.Reason {
	t.Helper()
	require.Error(t, err)
	r, ok := verdict.ReasonOf(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	return r
}

func TestGenerateChallenge(t *testing.T) {
	c, err := GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, c.Verifier, 64)
	assert.True(t, util.IsURLSafe(c.Verifier))
	assert.Len(t, c.Challenge, 43)
	assert.Equal(t, MethodS256, c.Method)
	assert.True(t, ValidateVerifier(c.Verifier, c.Challenge))

	other, err := GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, c.Verifier, other.Verifier)

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(out), c.Verifier)
}

func TestChallengeOf_RFC7636Vector(t *testing.T) {
	// RFC 7636 appendix B.
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		ChallengeOf("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}

func TestValidateVerifier(t *testing.T) {
	c, err := GenerateChallenge()
	require.NoError(t, err)

	t.Run("RoundTrip", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			c, err := GenerateChallenge()
			require.NoError(t, err)
			assert.True(t, ValidateVerifier(c.Verifier, ChallengeOf(c.Verifier)))
		}
	})

	t.Run("OtherVerifier", func(t *testing.T) {
		mutated := []byte(c.Verifier)
		if mutated[0] == 'a' {
			mutated[0] = 'b'
		} else {
			mutated[0] = 'a'
		}
		assert.False(t, ValidateVerifier(string(mutated), c.Challenge))
		assert.False(t, ValidateVerifier(c.Verifier[:63], c.Challenge))
	})

	t.Run("NoPartialMatch", func(t *testing.T) {
		assert.False(t, ValidateVerifier(c.Verifier, c.Challenge[:42]))
		assert.False(t, ValidateVerifier(c.Verifier, c.Challenge+"="))
		assert.False(t, ValidateVerifier(c.Verifier, ""))
	})

	t.Run("LengthBounds", func(t *testing.T) {
		short := strings.Repeat("a", 42)
		assert.False(t, ValidateVerifier(short, ChallengeOf(short)))
		long := strings.Repeat("a", 129)
		assert.False(t, ValidateVerifier(long, ChallengeOf(long)))
		for _, n := range []int{43, 128} {
			v := strings.Repeat("a", n)
			assert.True(t, ValidateVerifier(v, ChallengeOf(v)), n)
		}
	})

	t.Run("Charset", func(t *testing.T) {
		v := strings.Repeat("a", 42) + "/"
		assert.False(t, ValidateVerifier(v, ChallengeOf(v)))
		v = strings.Repeat("a", 42) + " "
		assert.False(t, ValidateVerifier(v, ChallengeOf(v)))
	})
}

func TestCheckVerifier(t *testing.T) {
	c, err := GenerateChallenge()
	require.NoError(t, err)

	require.NoError(t, CheckVerifier(c.Verifier, c.Challenge, MethodS256))
	assert.Equal(t, verdict.InvalidPKCE, reasonOf(t, CheckVerifier(c.Verifier, c.Verifier, "plain")))
	assert.Equal(t, verdict.InvalidPKCE, reasonOf(t, CheckVerifier("x", c.Challenge, MethodS256)))
}

func TestGenerateState(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := GenerateState()
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9a-f]{64}$`, s)
		assert.False(t, seen[s])
		seen[s] = true
	}
}

func TestValidateRedirectURI(t *testing.T) {
	allow := []string{"https://app.example.com/callback", "https://app.example.com/cb?tenant=1"}

	assert.True(t, ValidateRedirectURI("https://app.example.com/callback", allow))
	assert.True(t, ValidateRedirectURI("https://app.example.com/cb?tenant=1", allow))

	for _, bad := range []string{
		"",
		"https://app.example.com/callback/",
		"https://app.example.com/Callback",
		"https://APP.example.com/callback",
		"https://app.example.com/callback?next=https://evil.com",
		"https://app.example.com/cb?tenant=1&next=https://evil.com",
		"https://app.example.com/cb",
		"http://app.example.com/callback",
		"https://app.example.com/callback#frag",
	} {
		assert.False(t, ValidateRedirectURI(bad, allow), bad)
	}
}

func TestRedirectPolicy(t *testing.T) {
	ctx := context.Background()
	p := NewRedirectPolicy([]string{
		"https://app.example.com/callback",
		"https://127.0.0.1/callback",
	}, urlguard.New())

	u, err := p.Check(ctx, "https://app.example.com/callback")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/callback", u.String())

	_, err = p.Check(ctx, "https://app.example.com/callback?next=x")
	assert.Equal(t, verdict.InvalidRedirectURI, reasonOf(t, err))

	_, err = p.Check(ctx, "https://127.0.0.1/callback")
	assert.Equal(t, verdict.InvalidRedirectURI, reasonOf(t, err))
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_750_000_000, 0)
	clock := func() time.Time { return now }
	key := []byte(strings.Repeat("k", 32))

	s, err := NewStateStore(memstate.New(), key, WithClock(clock))
	require.NoError(t, err)

	t.Run("SingleUse", func(t *testing.T) {
		tok, err := s.Issue(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Consume(ctx, tok))
		assert.Equal(t, verdict.InvalidState, reasonOf(t, s.Consume(ctx, tok)))
	})

	t.Run("Forged", func(t *testing.T) {
		tok, err := s.Issue(ctx)
		require.NoError(t, err)
		parts := strings.Split(tok, ".")
		forged := strings.Repeat("0", 64) + "." + parts[1] + "." + parts[2]
		assert.Equal(t, verdict.InvalidState, reasonOf(t, s.Consume(ctx, forged)))

		other, err := NewStateStore(memstate.New(), []byte(strings.Repeat("x", 32)), WithClock(clock))
		require.NoError(t, err)
		assert.Equal(t, verdict.InvalidState, reasonOf(t, other.Consume(ctx, tok)))

		for _, bad := range []string{"", "abc", "a.b", "a.b.c.d"} {
			assert.Equal(t, verdict.InvalidState, reasonOf(t, s.Consume(ctx, bad)), bad)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		tok, err := s.Issue(ctx)
		require.NoError(t, err)
		later, err := NewStateStore(memstate.New(), key, WithClock(func() time.Time {
			return now.Add(DefaultStateTTL + time.Second)
		}))
		require.NoError(t, err)
		assert.Equal(t, verdict.InvalidState, reasonOf(t, later.Consume(ctx, tok)))
	})

	t.Run("ShortKey", func(t *testing.T) {
		_, err := NewStateStore(memstate.New(), []byte("short"))
		assert.Error(t, err)
	})
}
