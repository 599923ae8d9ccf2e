// Package memstate is a thread-safe in-process implementation of the state
// interfaces. Suitable for single-process deployments and tests.
package memstate

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/trustgate/state"
)

const shardCount = 32

type window struct {
	start    time.Time
	count    int
	duration time.Duration
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Store implements state.WindowStore and state.NonceStore in memory.
type Store struct {
	shards [shardCount]windowShard

	nonceMu sync.Mutex
	nonces  map[string]time.Time // key -> expiry

	now      func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

var (
	_ state.WindowStore = (*Store)(nil)
	_ state.NonceStore  = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used by Sweep.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		nonces: make(map[string]time.Time),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*window)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shard(key string) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) Take(_ context.Context, key string, limit int, d time.Duration, now time.Time) (state.Window, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok || now.Sub(w.start) >= d {
		w = &window{start: now, duration: d}
		sh.windows[key] = w
	}

	snap := state.Window{Key: key, Start: w.start, Limit: limit, Duration: d}
	if w.count >= limit {
		snap.Count = w.count
		return snap, false, nil
	}
	w.count++
	snap.Count = w.count
	return snap, true, nil
}

func (s *Store) Insert(_ context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	if exp, ok := s.nonces[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.nonces[key] = now.Add(ttl)
	return true, nil
}

// Sweep removes rolled-over windows and nonces whose expiry has strictly
// passed. Each shard is locked only while it is scanned.
func (s *Store) Sweep() (windows, nonces int) {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, w := range sh.windows {
			if now.Sub(w.start) >= w.duration {
				delete(sh.windows, k)
				windows++
			}
		}
		sh.mu.Unlock()
	}

	s.nonceMu.Lock()
	for k, exp := range s.nonces {
		if now.After(exp) {
			delete(s.nonces, k)
			nonces++
		}
	}
	s.nonceMu.Unlock()
	return windows, nonces
}

// StartSweeper runs Sweep every interval until Close is called.
func (s *Store) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				w, n := s.Sweep()
				if w > 0 || n > 0 {
					slog.Debug("state sweep", "component", "memstate", "windows", w, "nonces", n)
				}
			}
		}
	}()
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Len reports the number of live windows and nonces. Intended for tests and
// diagnostics.
func (s *Store) Len() (windows, nonces int) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		windows += len(sh.windows)
		sh.mu.Unlock()
	}
	s.nonceMu.Lock()
	nonces = len(s.nonces)
	s.nonceMu.Unlock()
	return windows, nonces
}
