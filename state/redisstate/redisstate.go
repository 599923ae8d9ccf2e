// Package redisstate implements the state interfaces on Redis so that rate
// windows and processed nonces are shared across processes.
package redisstate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/trustgate/state"
)

// takeScript checks the boundary before incrementing and arms the expiry on
// the first hit of a window. Returns {admitted, count, pttl}.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if count >= limit then
  return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// Store implements state.WindowStore and state.NonceStore on Redis.
type Store struct {
	client redis.UniversalClient
}

var (
	_ state.WindowStore = (*Store)(nil)
	_ state.NonceStore  = (*Store)(nil)
)

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Dial creates a client for addr and verifies connectivity.
func Dial(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", state.ErrUnavailable, addr, err)
	}
	return New(client), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (state.Window, bool, error) {
	res, err := takeScript.Run(ctx, s.client, []string{key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return state.Window{}, false, fmt.Errorf("%w: take %s: %v", state.ErrUnavailable, key, err)
	}
	if len(res) != 3 {
		return state.Window{}, false, fmt.Errorf("%w: take %s: unexpected reply %v", state.ErrUnavailable, key, res)
	}
	ttl := time.Duration(res[2]) * time.Millisecond
	if ttl < 0 || ttl > window {
		ttl = window
	}
	w := state.Window{
		Key:      key,
		Start:    now.Add(ttl - window),
		Count:    int(res[1]),
		Limit:    limit,
		Duration: window,
	}
	return w, res[0] == 1, nil
}

func (s *Store) Insert(ctx context.Context, key string, ttl time.Duration, now time.Time) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, now.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: insert %s: %v", state.ErrUnavailable, key, err)
	}
	return ok, nil
}
