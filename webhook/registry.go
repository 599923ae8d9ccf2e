package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/storage"
)

const (
	// Namespace and RecordType address sealed secrets in the repository.
	Namespace  = "webhooks"
	RecordType = "SECRET"

	// SecretBytes of randomness per webhook, hex-encoded to 64 characters.
	SecretBytes = 32

	masterKeyInfo = "trustgate webhook secrets v1"
)

var (
	ErrUnknownWebhook    = errors.New("webhook: no secret registered for webhook id")
	ErrAlreadyRegistered = errors.New("webhook: webhook id already registered")
	ErrInvalidSecret     = errors.New("webhook: secret must be 64 hex characters")
	ErrInvalidMasterKey  = errors.New("webhook: master key must be 32 bytes")
)

// Secret is a webhook's signing secret as handed to its owner.
type Secret struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret"`
}

// Registry keeps one immutable signing secret per webhook. Secrets are
// sealed with AES-256-GCM under a key derived from the master key; the
// derived key lives in a memguard enclave.
type Registry struct {
	repo storage.Repository
	kek  *memguard.Enclave
}

// NewRegistry derives the sealing key from masterKey and wipes masterKey.
func NewRegistry(repo storage.Repository, masterKey []byte) (*Registry, error) {
	defer util.WipeBytes(masterKey)
	if len(masterKey) != 32 {
		return nil, ErrInvalidMasterKey
	}
	kek, err := util.HKDF(masterKey, nil, []byte(masterKeyInfo))
	if err != nil {
		return nil, fmt.Errorf("deriving webhook sealing key: %w", err)
	}
	return &Registry{repo: repo, kek: memguard.NewEnclave(kek)}, nil
}

// Register creates a secret for webhookID and returns it hex-encoded. It
// is the only time the secret is returned in the clear to a caller outside
// the engine.
func (r *Registry) Register(ctx context.Context, webhookID string) (string, error) {
	secret, err := util.RandomHex(SecretBytes)
	if err != nil {
		return "", fmt.Errorf("generating webhook secret: %w", err)
	}
	if err := r.Import(ctx, webhookID, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// Import registers an existing hex secret for webhookID.
func (r *Registry) Import(_ context.Context, webhookID, secret string) error {
	if strings.TrimSpace(webhookID) == "" {
		return fmt.Errorf("webhook: empty webhook id")
	}
	raw, err := util.HexDecode(secret)
	if err != nil || len(raw) != SecretBytes {
		return ErrInvalidSecret
	}
	defer util.WipeBytes(raw)

	key, err := r.kek.Open()
	if err != nil {
		return fmt.Errorf("opening webhook sealing key: %w", err)
	}
	defer key.Destroy()

	env, err := storage.SealRecord(key.Bytes(), raw, []byte(webhookID), 1)
	if err != nil {
		return fmt.Errorf("sealing webhook secret: %w", err)
	}
	err = r.repo.PutCAS(Namespace, RecordType, webhookID, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, webhookID)
	}
	if err != nil {
		return fmt.Errorf("storing webhook secret: %w", err)
	}
	return nil
}

// Secret returns the raw secret bytes for webhookID. The caller should wipe
// them when done.
func (r *Registry) Secret(_ context.Context, webhookID string) ([]byte, error) {
	env, err := r.repo.Get(Namespace, RecordType, webhookID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWebhook, webhookID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading webhook secret: %w", err)
	}

	key, err := r.kek.Open()
	if err != nil {
		return nil, fmt.Errorf("opening webhook sealing key: %w", err)
	}
	defer key.Destroy()

	secret, err := storage.OpenRecord(key.Bytes(), env, []byte(webhookID))
	if err != nil {
		return nil, fmt.Errorf("unsealing webhook secret: %w", err)
	}
	return secret, nil
}

// IDs lists registered webhook ids.
func (r *Registry) IDs(_ context.Context) ([]string, error) {
	return r.repo.List(Namespace, RecordType)
}
