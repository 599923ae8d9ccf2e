// Package ratelimit enforces fixed-window request limits keyed by
// (subject, action). Windows live in a state.WindowStore so that limits are
// shared across processes when the store is.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/trustgate/state"
	"github.com/jmcleod/trustgate/verdict"
)

// Well-known actions. Any string is accepted; these have tuned defaults.
const (
	ActionAPIKeyValidate = "api_key.validate"
	ActionTTSRequest     = "tts.request"
	ActionFontUpload     = "font.upload"
	ActionImageGenerate  = "image.generate"
)

// Limit is a request budget per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimit is 100 requests per minute.
var DefaultLimit = Limit{Requests: 100, Window: time.Minute}

// Limiter checks and consumes request budgets.
type Limiter struct {
	store state.WindowStore
	now   func() time.Time

	mu       sync.RWMutex
	limits   map[string]Limit
	fallback Limit
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLimit sets the budget for a single action.
func WithLimit(action string, lim Limit) Option {
	return func(l *Limiter) {
		l.limits[action] = lim
	}
}

// New creates a Limiter. fallback applies to actions without their own limit.
func New(store state.WindowStore, fallback Limit, opts ...Option) *Limiter {
	if fallback.Requests <= 0 || fallback.Window <= 0 {
		panic(fmt.Sprintf("ratelimit: invalid fallback limit %+v", fallback))
	}
	l := &Limiter{
		store:    store,
		now:      time.Now,
		limits:   make(map[string]Limit),
		fallback: fallback,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimit replaces the budget for action.
func (l *Limiter) SetLimit(action string, lim Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[action] = lim
}

func (l *Limiter) limitFor(action string) Limit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lim, ok := l.limits[action]; ok {
		return lim
	}
	return l.fallback
}

// Allow consumes one request for (subject, action). It returns a
// rate_limited rejection when the window is exhausted, or a wrapped
// state.ErrUnavailable if the store failed.
func (l *Limiter) Allow(ctx context.Context, subject, action string) (state.Window, error) {
	lim := l.limitFor(action)
	key := state.RateLimitKey(subject, action)
	w, ok, err := l.store.Take(ctx, key, lim.Requests, lim.Window, l.now())
	if err != nil {
		return w, fmt.Errorf("rate limit %s: %w", action, err)
	}
	if !ok {
		return w, &LimitError{
			Window:    w,
			Rejection: verdict.Rejectf(verdict.RateLimited, "%s limit %d per %s", action, lim.Requests, lim.Window),
		}
	}
	return w, nil
}

// LimitError is the rate_limited rejection returned by Allow. It keeps the
// exhausted window so callers that only see the error can still answer
// with Retry-After.
type LimitError struct {
	Window state.Window
	*verdict.Rejection
}

func (e *LimitError) Unwrap() error {
	return e.Rejection
}

// WindowOf returns the exhausted window carried by err, if any.
func WindowOf(err error) (state.Window, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le.Window, true
	}
	return state.Window{}, false
}

// RetryAfter returns the whole seconds a client should wait, at least 1.
func RetryAfter(w state.Window, now time.Time) string {
	secs := int(w.ResetAt().Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
