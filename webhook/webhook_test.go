package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/state/memstate"
	"github.com/jmcleod/trustgate/storage/memory"
	"github.com/jmcleod/trustgate/verdict"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testMasterKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(memory.NewRepository(), testMasterKey())
	require.NoError(t, err)
	return reg
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_750_000_000, 0)}
	reg := newTestRegistry(t)
	_, err := reg.Register(context.Background(), "w1")
	require.NoError(t, err)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(reg, memstate.New(memstate.WithClock(clock.Now)), opts...), reg, clock
}

func reasonOf(t *testing.T, err error) verdict.Reason {
	t.Helper()
	require.Error(t, err)
	r, ok := verdict.ReasonOf(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	return r
}

func TestCanonicalize(t *testing.T) {
	t.Run("SortsKeysAtEveryDepth", func(t *testing.T) {
		got, err := Canonicalize(map[string]any{
			"b": 1,
			"a": map[string]any{"d": 2, "c": []any{map[string]any{"z": 1, "y": 2}}},
		})
		require.NoError(t, err)
		assert.Equal(t, `{"a":{"c":[{"y":2,"z":1}],"d":2},"b":1}`, string(got))
	})

	t.Run("RawAndStructAgree", func(t *testing.T) {
		type payload struct {
			Event  string  `json:"event"`
			Amount float64 `json:"amount"`
		}
		a, err := Canonicalize(payload{Event: "payment.success", Amount: 12.5})
		require.NoError(t, err)
		b, err := Canonicalize(json.RawMessage(" {\n \"amount\": 12.5, \"event\": \"payment.success\" }"))
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	})

	t.Run("NumbersKeptAsWritten", func(t *testing.T) {
		got, err := CanonicalizeRaw([]byte(`{"n":1.50,"big":12345678901234567890}`))
		require.NoError(t, err)
		assert.Equal(t, `{"big":12345678901234567890,"n":1.50}`, string(got))
	})

	t.Run("NoHTMLEscaping", func(t *testing.T) {
		got, err := Canonicalize(map[string]string{"html": "<b>&</b>"})
		require.NoError(t, err)
		assert.Equal(t, `{"html":"<b>&</b>"}`, string(got))
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := CanonicalizeRaw([]byte(`{"a":1} {"b":2}`))
		assert.Error(t, err)
		_, err = CanonicalizeRaw([]byte(`{"a":`))
		assert.Error(t, err)
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	reg, err := NewRegistry(repo, testMasterKey())
	require.NoError(t, err)

	secret, err := reg.Register(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	raw, err := reg.Secret(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, secret, util.HexEncode(raw))

	env, err := repo.Get(Namespace, RecordType, "w1")
	require.NoError(t, err)
	assert.NotContains(t, string(env.Data), string(raw))
	assert.NotContains(t, string(env.Data), secret)

	_, err = reg.Register(ctx, "w1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = reg.Secret(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownWebhook)

	assert.ErrorIs(t, reg.Import(ctx, "w2", "abc"), ErrInvalidSecret)
	require.NoError(t, reg.Import(ctx, "w2", strings.Repeat("ab", 32)))

	ids, err := reg.IDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, ids)

	t.Run("SealedUnderMasterKey", func(t *testing.T) {
		other, err := NewRegistry(repo, []byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		_, err = other.Secret(ctx, "w1")
		assert.Error(t, err)
	})

	t.Run("MasterKeyLength", func(t *testing.T) {
		_, err := NewRegistry(repo, []byte("short"))
		assert.ErrorIs(t, err, ErrInvalidMasterKey)
	})
}

func TestEngine_ReplayScenario(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	payload := map[string]any{"event": "payment.success"}

	t0 := clock.Now()
	sig, ts, err := e.Sign(ctx, "w1", payload, &t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Unix(), ts)
	assert.Len(t, sig, 64)

	require.NoError(t, e.Verify(ctx, payload, sig, ts, "w1"))

	clock.Advance(time.Second)
	err = e.Verify(ctx, payload, sig, ts, "w1")
	assert.Equal(t, verdict.AlreadyProcessed, reasonOf(t, err))
}

func TestEngine_SignIsDeterministic(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	t0 := clock.Now()

	a, _, err := e.Sign(ctx, "w1", map[string]int{"x": 1, "y": 2}, &t0)
	require.NoError(t, err)
	b, _, err := e.Sign(ctx, "w1", json.RawMessage(`{"y":2,"x":1}`), &t0)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	later := t0.Add(time.Second)
	c, _, err := e.Sign(ctx, "w1", map[string]int{"x": 1, "y": 2}, &later)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEngine_TamperSensitivity(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	body := []byte(`{"amount":100,"event":"payment.success"}`)

	t0 := clock.Now()
	sig, ts, err := e.Sign(ctx, "w1", body, &t0)
	require.NoError(t, err)
	require.NoError(t, e.VerifyRaw(ctx, body, sig, ts, "w1"))

	// Even after the genuine tuple is recorded, tampering reports
	// invalid_signature rather than a replay.
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		err := e.VerifyRaw(ctx, mutated, sig, ts, "w1")
		assert.Equal(t, verdict.InvalidSignature, reasonOf(t, err), "payload byte %d", i)
	}
	for i := range sig {
		mutated := []byte(sig)
		mutated[i] ^= 0x01
		err := e.VerifyRaw(ctx, body, string(mutated), ts, "w1")
		assert.Equal(t, verdict.InvalidSignature, reasonOf(t, err), "signature byte %d", i)
	}
	for _, delta := range []int64{-1, 1} {
		err := e.VerifyRaw(ctx, body, sig, ts+delta, "w1")
		assert.Equal(t, verdict.InvalidSignature, reasonOf(t, err))
	}
}

func TestEngine_TimestampWindow(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	payload := map[string]string{"event": "ping"}

	sign := func(at time.Time) (string, int64) {
		sig, ts, err := e.Sign(ctx, "w1", payload, &at)
		require.NoError(t, err)
		return sig, ts
	}

	sig, ts := sign(clock.Now().Add(-5*time.Minute - time.Second))
	assert.Equal(t, verdict.TooOld, reasonOf(t, e.Verify(ctx, payload, sig, ts, "w1")))

	sig, ts = sign(clock.Now().Add(5*time.Minute + time.Second))
	assert.Equal(t, verdict.FutureTimestamp, reasonOf(t, e.Verify(ctx, payload, sig, ts, "w1")))

	sig, ts = sign(clock.Now().Add(-5 * time.Minute))
	assert.NoError(t, e.Verify(ctx, payload, sig, ts, "w1"))

	sig, ts = sign(clock.Now().Add(5 * time.Minute))
	assert.NoError(t, e.Verify(ctx, payload, sig, ts, "w1"))
}

func TestEngine_ExtremeTimestamps(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	payload := map[string]string{"event": "ping"}
	now := clock.Now().Unix()

	tests := []struct {
		name string
		ts   int64
		want verdict.Reason
	}{
		{"ten billion seconds old", now - 10_000_000_000, verdict.TooOld},
		{"2^55 seconds old", now - 1<<55, verdict.TooOld},
		{"min int64", math.MinInt64, verdict.TooOld},
		{"far future", now + 17_446_744_073, verdict.FutureTimestamp},
		{"max int64", math.MaxInt64, verdict.FutureTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Unix(tt.ts, 0)
			sig, ts, err := e.Sign(ctx, "w1", payload, &at)
			require.NoError(t, err)
			require.Equal(t, tt.ts, ts)
			assert.Equal(t, tt.want, reasonOf(t, e.Verify(ctx, payload, sig, ts, "w1")))
		})
	}
}

func TestCheckFreshness(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	tol, skew := 5*time.Minute, time.Minute

	tests := []struct {
		name string
		ts   int64
		want verdict.Reason
	}{
		{"now", now.Unix(), ""},
		{"at tolerance", now.Unix() - 300, ""},
		{"past tolerance", now.Unix() - 301, verdict.TooOld},
		{"at skew", now.Unix() + 60, ""},
		{"past skew", now.Unix() + 61, verdict.FutureTimestamp},
		{"wraps to zero offset", now.Unix() - 1<<55, verdict.TooOld},
		{"min int64", math.MinInt64, verdict.TooOld},
		{"max int64", math.MaxInt64, verdict.FutureTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFreshness(now, tt.ts, tol, skew)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, reasonOf(t, err))
		})
	}

	err := CheckFreshness(now, math.MinInt64, tol, skew)
	assert.Contains(t, err.Error(), "9223372038604775808s old")
}

func TestEngine_RejectedAttemptsAreNotRecorded(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	payload := map[string]string{"event": "ping"}

	t0 := clock.Now()
	sig, ts, err := e.Sign(ctx, "w1", payload, &t0)
	require.NoError(t, err)

	err = e.Verify(ctx, map[string]string{"event": "pong"}, sig, ts, "w1")
	assert.Equal(t, verdict.InvalidSignature, reasonOf(t, err))
	require.NoError(t, e.Verify(ctx, payload, sig, ts, "w1"))
}

func TestEngine_ConcurrentReplayAcceptedOnce(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	payload := map[string]string{"event": "payment.success"}

	t0 := clock.Now()
	sig, ts, err := e.Sign(ctx, "w1", payload, &t0)
	require.NoError(t, err)

	var accepted, replays atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Verify(ctx, payload, sig, ts, "w1")
			if err == nil {
				accepted.Add(1)
				return
			}
			if r, ok := verdict.ReasonOf(err); ok && r == verdict.AlreadyProcessed {
				replays.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(31), replays.Load())
}

func TestEngine_UnknownWebhook(t *testing.T) {
	ctx := context.Background()

	t.Run("Lenient", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		err := e.Verify(ctx, map[string]string{}, strings.Repeat("0", 64), 1, "nope")
		assert.Equal(t, verdict.InvalidSignature, reasonOf(t, err))
		assert.True(t, errors.Is(err, ErrUnknownWebhook))
	})

	t.Run("Strict", func(t *testing.T) {
		e, _, _ := newTestEngine(t, WithStrictRegistry(true))
		assert.Panics(t, func() {
			_ = e.Verify(ctx, map[string]string{}, strings.Repeat("0", 64), 1, "nope")
		})
	})

	t.Run("SignUnknown", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		_, _, err := e.Sign(ctx, "nope", map[string]string{}, nil)
		assert.ErrorIs(t, err, ErrUnknownWebhook)
	})
}

func TestEngine_MalformedBody(t *testing.T) {
	e, _, _ := newTestEngine(t)
	err := e.VerifyRaw(context.Background(), []byte("not json"), strings.Repeat("0", 64), 1, "w1")
	assert.Equal(t, verdict.InvalidSignature, reasonOf(t, err))
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp(" 1750000000 ")
	require.NoError(t, err)
	assert.Equal(t, int64(1750000000), ts)

	for _, bad := range []string{"", "abc", "1.5", "99999999999999999999"} {
		_, err := ParseTimestamp(bad)
		assert.Equal(t, verdict.InvalidSignature, reasonOf(t, err), bad)
	}
}
