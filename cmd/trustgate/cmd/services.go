package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"

	"github.com/jmcleod/trustgate/api"
	"github.com/jmcleod/trustgate/apikey"
	"github.com/jmcleod/trustgate/config"
	"github.com/jmcleod/trustgate/internal/util"
	"github.com/jmcleod/trustgate/oauth"
	"github.com/jmcleod/trustgate/ratelimit"
	"github.com/jmcleod/trustgate/sandbox"
	"github.com/jmcleod/trustgate/state"
	"github.com/jmcleod/trustgate/state/memstate"
	"github.com/jmcleod/trustgate/state/redisstate"
	"github.com/jmcleod/trustgate/storage"
	bboltstorage "github.com/jmcleod/trustgate/storage/bbolt"
	"github.com/jmcleod/trustgate/storage/memory"
	"github.com/jmcleod/trustgate/storage/postgres"
	"github.com/jmcleod/trustgate/urlguard"
	"github.com/jmcleod/trustgate/webhook"
)

const oauthStateKeyInfo = "trustgate oauth state v1"

// adminScopes are granted to the bootstrap key.
var adminScopes = []string{
	api.ScopeKeysAdmin,
	api.ScopeWebhooksAdmin,
	api.ScopeThemesWrite,
	api.ScopeUploadsWrite,
	api.ScopeURLsCheck,
	api.ScopeOAuthAuthorize,
}

// gateway is every long-lived component the server runs, built from a
// Config.
type gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	services   api.Services
	dispatcher *webhook.Dispatcher
	targets    []webhook.Target
	closers    []func() error
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.Format == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewRepository(), func() error { return nil }, nil
	case "postgres":
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, func() error { repo.Close(); return nil }, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "trustgate.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	}
}

func openState(ctx context.Context, cfg config.StateConfig) (state.Store, func() error, error) {
	if cfg.Backend == "redis" {
		st, err := redisstate.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return st, st.Close, nil
	}
	st := memstate.New()
	st.StartSweeper(cfg.SweepInterval)
	return st, func() error { st.Close(); return nil }, nil
}

// masterKey decodes the configured master key, or generates one that lives
// only as long as the process.
func masterKey(cfg config.WebhookConfig, logger *slog.Logger) ([]byte, error) {
	if cfg.MasterKey != "" {
		return util.HexDecode(cfg.MasterKey)
	}
	logger.Warn("no webhook master key configured, generated an ephemeral one; registered webhook secrets will not survive a restart")
	return util.RandomBytes(32)
}

// argonParams is the Argon2id cost of sealing keys with a passphrase.
func argonParams(cfg config.APIKeyConfig) util.Argon2idParams {
	params := util.DefaultArgon2idParams()
	params.Time = cfg.Argon2Time
	params.MemoryKiB = cfg.Argon2MemoryKiB
	params.Parallelism = cfg.Argon2Threads
	return params
}

func newKeyManager(repo storage.Repository, limiter *ratelimit.Limiter, cfg config.APIKeyConfig, logger *slog.Logger) *apikey.Manager {
	return apikey.NewManager(repo, limiter,
		apikey.WithPrefix(cfg.Prefix),
		apikey.WithArgon2Params(argonParams(cfg)),
		apikey.WithLogger(logger))
}

func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	gw := &gateway{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			gw.Close()
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	gw.closers = append(gw.closers, closeRepo)

	st, closeState, err := openState(ctx, cfg.State)
	if err != nil {
		return nil, err
	}
	gw.closers = append(gw.closers, closeState)

	limiter := ratelimit.New(st, ratelimit.DefaultLimit,
		ratelimit.WithLimit(ratelimit.ActionAPIKeyValidate, ratelimit.Limit{
			Requests: cfg.APIKey.RateLimit,
			Window:   cfg.APIKey.RateWindow,
		}))

	keys := newKeyManager(repo, limiter, cfg.APIKey, logger)

	master, err := masterKey(cfg.Webhook, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook master key: %w", err)
	}
	stateKey, err := util.HKDF(master, nil, []byte(oauthStateKeyInfo))
	if err != nil {
		util.WipeBytes(master)
		return nil, fmt.Errorf("deriving oauth state key: %w", err)
	}
	defer util.WipeBytes(stateKey)
	registry, err := webhook.NewRegistry(repo, master)
	if err != nil {
		return nil, err
	}

	engine := webhook.NewEngine(registry, st,
		webhook.WithTolerance(cfg.Webhook.Tolerance),
		webhook.WithMaxFutureSkew(cfg.Webhook.MaxFutureSkew),
		webhook.WithStrictRegistry(cfg.Webhook.StrictRegistry),
		webhook.WithLogger(logger))

	guardOpts := []urlguard.Option{
		urlguard.WithSchemes(cfg.URL.AllowedSchemes...),
		urlguard.WithAllowedDomains(cfg.URL.AllowedDomains...),
	}
	if cfg.URL.ResolveDNS {
		guardOpts = append(guardOpts, urlguard.WithResolver(net.DefaultResolver))
	}
	guard := urlguard.New(guardOpts...)

	csv, err := sandbox.NewCSVGuard(sandbox.CSVMode(cfg.Sandbox.CSVMode))
	if err != nil {
		return nil, err
	}
	box := sandbox.New(
		sandbox.WithMaxCSSBytes(cfg.Sandbox.MaxCSSBytes),
		sandbox.WithMaxAssets(cfg.Sandbox.MaxAssets),
		sandbox.WithMaxAssetBytes(cfg.Sandbox.MaxAssetBytes),
		sandbox.WithStrictExecutableScan(cfg.Sandbox.StrictExecutableScan),
		sandbox.WithCSVGuard(csv))

	states, err := oauth.NewStateStore(st, stateKey, oauth.WithStateTTL(cfg.OAuth.StateTTL))
	if err != nil {
		return nil, err
	}

	gw.services = api.Services{
		Repo:      repo,
		Keys:      keys,
		Limiter:   limiter,
		Webhooks:  engine,
		Registry:  registry,
		Sandbox:   box,
		URLs:      guard,
		Redirects: oauth.NewRedirectPolicy(cfg.OAuth.RedirectAllowlist, guard),
		States:    states,
	}

	if len(cfg.Webhook.Targets) > 0 {
		gw.dispatcher = webhook.NewDispatcher(engine, guard,
			webhook.WithDeliveryTimeout(cfg.Webhook.DeliveryTimeout))
		for _, t := range cfg.Webhook.Targets {
			gw.targets = append(gw.targets, webhook.Target{WebhookID: t.WebhookID, URL: t.URL})
		}
	}
	built = true
	return gw, nil
}

// API builds the HTTP surface over the gateway's services.
func (gw *gateway) API() (*api.API, error) {
	proxies, err := api.WithTrustedProxies(gw.cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	opts := []api.Option{
		api.WithLogger(gw.logger),
		api.WithAlertFunc(func(e api.AlertEvent) {
			gw.logger.Warn("security alert",
				"component", "alert",
				"type", e.Type,
				"reason", e.Reason,
				"count", e.Count,
				"threshold", e.Threshold,
				"message", e.Message)
		}),
		api.WithDefaultKeyTTL(gw.cfg.APIKey.DefaultTTLDays),
		proxies,
	}
	if gw.dispatcher != nil {
		opts = append(opts, api.WithDispatcher(gw.dispatcher, gw.targets))
	}
	return api.New(gw.services, opts...), nil
}

// Bootstrap issues an admin key when none exist yet. It returns the
// plaintext key, or "" when nothing was issued.
func (gw *gateway) Bootstrap(ctx context.Context) (string, error) {
	if !gw.cfg.APIKey.BootstrapAdmin {
		return "", nil
	}
	existing, err := gw.services.Keys.List(ctx)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", nil
	}
	plaintext, key, err := gw.services.Keys.Generate(ctx, "bootstrap", adminScopes, nil)
	if err != nil {
		return "", fmt.Errorf("issuing bootstrap key: %w", err)
	}
	gw.logger.Info("issued bootstrap admin key", "key_id", key.ID)
	return plaintext, nil
}

// SweepKeys removes revoked and expired keys every interval until ctx ends.
func (gw *gateway) SweepKeys(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := gw.services.Keys.Sweep(ctx, olderThan)
			if err != nil {
				gw.logger.Error("key sweep failed", "error", err)
				continue
			}
			if n > 0 {
				gw.logger.Info("swept stale keys", "count", n)
			}
		}
	}
}

// Close drains the dispatcher and releases backends in reverse order.
func (gw *gateway) Close() error {
	if gw.dispatcher != nil {
		gw.dispatcher.Close()
	}
	var errs []error
	for i := len(gw.closers) - 1; i >= 0; i-- {
		errs = append(errs, gw.closers[i]())
	}
	gw.closers = nil
	return errors.Join(errs...)
}
