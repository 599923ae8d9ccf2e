package memstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTake_Boundary(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 1; i <= 3; i++ {
		w, ok, err := s.Take(ctx, "k", 3, time.Minute, now)
		require.NoError(t, err)
		require.True(t, ok, "call %d should be admitted", i)
		assert.Equal(t, i, w.Count)
	}

	w, ok, err := s.Take(ctx, "k", 3, time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, w.Count, "count never exceeds limit")
	assert.Equal(t, 0, w.Remaining())
	assert.Equal(t, now.Add(time.Minute), w.ResetAt())

	w, ok, err = s.Take(ctx, "k", 3, time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "window resets once its age reaches the duration")
	assert.Equal(t, 1, w.Count)
}

func TestTake_IsolatesKeys(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, ok, _ := s.Take(ctx, "a", 1, time.Minute, now)
	require.True(t, ok)
	_, ok, _ = s.Take(ctx, "a", 1, time.Minute, now)
	require.False(t, ok)

	_, ok, _ = s.Take(ctx, "b", 1, time.Minute, now)
	assert.True(t, ok)
}

func TestTake_ConcurrentSingleSlot(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.Take(ctx, "hot", 5, time.Minute, now); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), admitted.Load())
}

func TestInsert_ReplayAndExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	ok, err := s.Insert(ctx, "n1", 5*time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Insert(ctx, "n1", 5*time.Minute, now.Add(time.Second))
	assert.False(t, ok, "second insert is a replay")

	ok, _ = s.Insert(ctx, "n1", 5*time.Minute, now.Add(5*time.Minute))
	assert.True(t, ok, "expired entries no longer block")
}

func TestInsert_ConcurrentExactlyOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Insert(ctx, "dup", time.Minute, now); ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestSweep(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := base
	s := New(WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, _, _ = s.Take(ctx, "w", 10, time.Minute, base)
	_, _ = s.Insert(ctx, "n", 5*time.Minute, base)

	clock = base.Add(5 * time.Minute)
	w, n := s.Sweep()
	assert.Equal(t, 1, w)
	assert.Equal(t, 0, n, "nonce at exactly its expiry is kept")

	clock = base.Add(5*time.Minute + time.Nanosecond)
	_, n = s.Sweep()
	assert.Equal(t, 1, n)

	windows, nonces := s.Len()
	assert.Zero(t, windows)
	assert.Zero(t, nonces)
}

func TestSweeperStops(t *testing.T) {
	s := New()
	s.StartSweeper(time.Millisecond)
	s.Close()
	s.Close()
}
