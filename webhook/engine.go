// Package webhook signs and verifies webhook payloads. A signature is the
// hex HMAC-SHA256 of "<unix timestamp>.<canonical JSON>" under the
// webhook's secret. Verification also enforces a timestamp window and
// rejects replays of an accepted (webhook, signature, timestamp) tuple.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/state"
	"github.com/jmcleod/trustgate/verdict"
)

// Header names carried by signed deliveries.
const (
	HeaderSignature = "X-Trustgate-Signature"
	HeaderTimestamp = "X-Trustgate-Timestamp"
	HeaderWebhook   = "X-Trustgate-Webhook"
)

const (
	DefaultTolerance     = 5 * time.Minute
	DefaultMaxFutureSkew = 5 * time.Minute
)

// SecretSource returns the signing secret of a webhook. *Registry
// satisfies it. A missing webhook must yield an error wrapping
// ErrUnknownWebhook.
type SecretSource interface {
	Secret(ctx context.Context, webhookID string) ([]byte, error)
}

// Engine signs and verifies payloads.
type Engine struct {
	secrets   SecretSource
	nonces    state.NonceStore
	tolerance time.Duration
	skew      time.Duration
	strict    bool
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTolerance sets how old a timestamp may be.
func WithTolerance(d time.Duration) Option {
	return func(e *Engine) {
		e.tolerance = d
	}
}

// WithMaxFutureSkew sets how far ahead of the local clock a timestamp may be.
func WithMaxFutureSkew(d time.Duration) Option {
	return func(e *Engine) {
		e.skew = d
	}
}

// WithStrictRegistry makes Verify panic when asked about a webhook that
// was never registered.
func WithStrictRegistry(strict bool) Option {
	return func(e *Engine) {
		e.strict = strict
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an Engine that looks secrets up in secrets and records
// accepted tuples in nonces.
func NewEngine(secrets SecretSource, nonces state.NonceStore, opts ...Option) *Engine {
	e := &Engine{
		secrets:   secrets,
		nonces:    nonces,
		tolerance: DefaultTolerance,
		skew:      DefaultMaxFutureSkew,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "webhook")
	return e
}

// Sign signs payload for webhookID. A nil ts signs at the current time.
func (e *Engine) Sign(ctx context.Context, webhookID string, payload any, ts *time.Time) (string, int64, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", 0, err
	}
	secret, err := e.secrets.Secret(ctx, webhookID)
	if err != nil {
		return "", 0, err
	}
	defer util.WipeBytes(secret)

	unix := e.now().Unix()
	if ts != nil {
		unix = ts.Unix()
	}
	return signature(secret, unix, canonical), unix, nil
}

// Verify checks a signed payload. Checks run in a fixed order: signature,
// age, future skew, replay. The tuple is recorded only when all pass.
func (e *Engine) Verify(ctx context.Context, payload any, sig string, ts int64, webhookID string) error {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return verdict.Rejectf(verdict.InvalidSignature, "webhook %s: %v", webhookID, err)
	}
	return e.verify(ctx, canonical, sig, ts, webhookID)
}

// VerifyRaw is Verify for a raw JSON request body.
func (e *Engine) VerifyRaw(ctx context.Context, body []byte, sig string, ts int64, webhookID string) error {
	canonical, err := CanonicalizeRaw(body)
	if err != nil {
		return verdict.Rejectf(verdict.InvalidSignature, "webhook %s: %v", webhookID, err)
	}
	return e.verify(ctx, canonical, sig, ts, webhookID)
}

func (e *Engine) verify(ctx context.Context, canonical []byte, sig string, ts int64, webhookID string) error {
	secret, err := e.secrets.Secret(ctx, webhookID)
	if errors.Is(err, ErrUnknownWebhook) {
		if e.strict {
			panic(err)
		}
		return fmt.Errorf("%w: %w", verdict.Reject(verdict.InvalidSignature), err)
	}
	if err != nil {
		return err
	}
	expected := signature(secret, ts, canonical)
	util.WipeBytes(secret)

	if !util.ConstantTimeEqual(expected, sig) {
		return verdict.Rejectf(verdict.InvalidSignature, "webhook %s", webhookID)
	}

	now := e.now()
	if err := CheckFreshness(now, ts, e.tolerance, e.skew); err != nil {
		return fmt.Errorf("webhook %s: %w", webhookID, err)
	}

	fresh, err := e.nonces.Insert(ctx, state.NonceKey(webhookID, sig, ts), e.tolerance+e.skew, now)
	if err != nil {
		return fmt.Errorf("recording webhook nonce: %w", err)
	}
	if !fresh {
		return verdict.Rejectf(verdict.AlreadyProcessed, "webhook %s at %d", webhookID, ts)
	}
	return nil
}

// ParseTimestamp parses a timestamp header. A malformed value cannot match
// any signature, so it is reported as invalid_signature.
func ParseTimestamp(header string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return 0, verdict.Rejectf(verdict.InvalidSignature, "malformed timestamp")
	}
	return ts, nil
}

func signature(secret []byte, ts int64, canonical []byte) string {
	return util.HMACSHA256Hex(secret, []byte(strconv.FormatInt(ts, 10)), []byte("."), canonical)
}
