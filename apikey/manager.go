// Package apikey issues, validates and revokes API keys. Plaintext keys are
// shown to the caller once; storage keeps only a hash of the secret part.
package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/ratelimit"
	"github.com/jmcleod/trustgate/storage"
	"github.com/jmcleod/trustgate/verdict"
)

const (
	// Namespace and RecordType address key records in the repository.
	Namespace  = "apikeys"
	RecordType = "APIKEY"

	// DefaultPrefix marks trustgate secret keys.
	DefaultPrefix = "sk_"

	// secretBytes of randomness, rendered as 48 hex characters.
	secretBytes  = 24
	secretHexLen = 2 * secretBytes

	casRetries = 3
)

// Manager owns the API key lifecycle.
type Manager struct {
	repo    storage.Repository
	limiter *ratelimit.Limiter
	prefix  string
	now     func() time.Time
	argon   util.Argon2idParams
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithArgon2Params sets the KDF cost used by EncryptAtRest.
func WithArgon2Params(p util.Argon2idParams) Option {
	return func(m *Manager) {
		m.argon = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager. Every Validate call consumes one request
// from limiter under ratelimit.ActionAPIKeyValidate.
func NewManager(repo storage.Repository, limiter *ratelimit.Limiter, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		limiter: limiter,
		prefix:  DefaultPrefix,
		now:     time.Now,
		argon:   util.DefaultArgon2idParams(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "apikey")
	return m
}

// Generate issues a key for ownerID. A nil ttlDays means no expiry; a
// negative value yields a key that is already expired.
func (m *Manager) Generate(ctx context.Context, ownerID string, scopes []string, ttlDays *int) (string, *Key, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", nil, fmt.Errorf("generating api key: owner id is required")
	}
	secret, err := util.RandomHex(secretBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generating api key: %w", err)
	}
	plaintext := m.prefix + secret

	now := m.now().UTC()
	key := &Key{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		SecretHash: util.SHA256Hex([]byte(secret)),
		Scopes:     normalizeScopes(scopes),
		CreatedAt:  now,
	}
	if ttlDays != nil {
		exp := now.Add(time.Duration(*ttlDays) * 24 * time.Hour)
		key.ExpiresAt = &exp
	}

	data, err := json.Marshal(key)
	if err != nil {
		return "", nil, err
	}
	if err := m.repo.PutCAS(Namespace, RecordType, key.SecretHash, 0, storage.PlainRecord(data, 1)); err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}

	m.logger.InfoContext(ctx, "api key issued",
		"key_id", key.ID, "owner_id", ownerID, "key", m.Redact(plaintext), "scopes", key.Scopes)
	return plaintext, key, nil
}

// Validate checks plaintext and, when requiredScope is non-empty, that it
// carries that scope. The rate limit is consumed before any other check so
// failed guesses count against the window too.
func (m *Manager) Validate(ctx context.Context, plaintext, requiredScope string) (*Key, error) {
	hash := util.SHA256Hex([]byte(strings.TrimPrefix(plaintext, m.prefix)))

	if _, err := m.limiter.Allow(ctx, hash, ratelimit.ActionAPIKeyValidate); err != nil {
		return nil, err
	}

	if !m.wellFormed(plaintext) {
		return nil, verdict.Rejectf(verdict.InvalidKey, "malformed key %s", m.Redact(plaintext))
	}

	key, _, err := m.load(hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, verdict.Rejectf(verdict.InvalidKey, "unknown key %s", m.Redact(plaintext))
	}
	if err != nil {
		return nil, err
	}

	if key.Revoked {
		return nil, verdict.Rejectf(verdict.Revoked, "key %s", key.ID)
	}
	if key.ExpiredAt(m.now()) {
		return nil, verdict.Rejectf(verdict.Expired, "key %s", key.ID)
	}
	if requiredScope != "" && !key.HasScope(requiredScope) {
		return nil, verdict.Rejectf(verdict.MissingScope, "key %s lacks %q", key.ID, requiredScope)
	}
	return key, nil
}

// Revoke marks the key as revoked. Revoking twice is not an error.
func (m *Manager) Revoke(ctx context.Context, plaintext string) error {
	if !m.wellFormed(plaintext) {
		return verdict.Rejectf(verdict.InvalidKey, "malformed key %s", m.Redact(plaintext))
	}
	hash := util.SHA256Hex([]byte(strings.TrimPrefix(plaintext, m.prefix)))
	return m.revokeHash(ctx, hash)
}

// RevokeID revokes a key by its public ID, for administrative use.
func (m *Manager) RevokeID(ctx context.Context, id string) error {
	keys, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == id {
			return m.revokeHash(ctx, k.SecretHash)
		}
	}
	return verdict.Rejectf(verdict.InvalidKey, "unknown key id %s", id)
}

func (m *Manager) revokeHash(ctx context.Context, hash string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		key, version, err := m.load(hash)
		if errors.Is(err, storage.ErrNotFound) {
			return verdict.Reject(verdict.InvalidKey)
		}
		if err != nil {
			return err
		}
		if key.Revoked {
			return nil
		}
		now := m.now().UTC()
		key.Revoked = true
		key.RevokedAt = &now

		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		err = m.repo.PutCAS(Namespace, RecordType, hash, version, storage.PlainRecord(data, version+1))
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("revoking api key: %w", err)
		}
		m.logger.InfoContext(ctx, "api key revoked", "key_id", key.ID, "owner_id", key.OwnerID)
		return nil
	}
	return fmt.Errorf("revoking api key: %w", storage.ErrCASFailed)
}

// List returns every stored key record.
func (m *Manager) List(_ context.Context) ([]*Key, error) {
	hashes, err := m.repo.List(Namespace, RecordType)
	if err != nil {
		return nil, err
	}
	keys := make([]*Key, 0, len(hashes))
	for _, h := range hashes {
		k, _, err := m.load(h)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Sweep deletes keys that are revoked and expired for at least olderThan.
// It returns the number of records removed.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, k := range keys {
		if !k.Revoked || !k.ExpiredAt(cutoff) {
			continue
		}
		err := m.repo.Delete(Namespace, RecordType, k.SecretHash)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.InfoContext(ctx, "api keys swept", "removed", removed)
	}
	return removed, nil
}

// Redact returns a log-safe form of a key.
func (m *Manager) Redact(plaintext string) string {
	return verdict.Redact(plaintext)
}

// EncryptAtRest seals plaintext with password using the manager's KDF cost.
func (m *Manager) EncryptAtRest(plaintext, password string) (string, error) {
	return EncryptAtRest(plaintext, password, m.argon)
}

// DecryptAtRest opens a blob produced by EncryptAtRest.
func (m *Manager) DecryptAtRest(ciphertext, password string) (string, error) {
	return DecryptAtRest(ciphertext, password, m.argon)
}

func (m *Manager) wellFormed(plaintext string) bool {
	secret, ok := strings.CutPrefix(plaintext, m.prefix)
	if !ok || len(secret) != secretHexLen {
		return false
	}
	for i := 0; i < len(secret); i++ {
		c := secret[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func (m *Manager) load(hash string) (*Key, uint64, error) {
	env, err := m.repo.Get(Namespace, RecordType, hash)
	if err != nil {
		return nil, 0, err
	}
	data, err := storage.OpenRecord(nil, env, nil)
	if err != nil {
		return nil, 0, err
	}
	var key Key
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, 0, fmt.Errorf("decoding api key record: %w", err)
	}
	return &key, env.Version, nil
}
