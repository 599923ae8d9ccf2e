// Package api exposes the validators over HTTP: the API key gateway
// middleware, the webhook receiver, theme installation, asset uploads, the
// OAuth callback and token exchange, and URL checks.
package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/trustgate/apikey"
	"github.com/jmcleod/trustgate/oauth"
	"github.com/jmcleod/trustgate/ratelimit"
	"github.com/jmcleod/trustgate/sandbox"
	"github.com/jmcleod/trustgate/storage"
	"github.com/jmcleod/trustgate/urlguard"
	"github.com/jmcleod/trustgate/webhook"
)

// Scopes checked by the routes.
const (
	ScopeKeysAdmin      = "keys:admin"
	ScopeWebhooksAdmin  = "webhooks:admin"
	ScopeThemesWrite    = "themes:write"
	ScopeUploadsWrite   = "uploads:write"
	ScopeURLsCheck      = "urls:check"
	ScopeOAuthAuthorize = "oauth:authorize"
)

// Services are the engine components the handlers call into.
type Services struct {
	Repo      storage.Repository
	Keys      *apikey.Manager
	Limiter   *ratelimit.Limiter
	Webhooks  *webhook.Engine
	Registry  *webhook.Registry
	Sandbox   *sandbox.Sandbox
	URLs      *urlguard.Validator
	Redirects *oauth.RedirectPolicy
	States    *oauth.StateStore
}

// WebhookHandler receives verified webhook bodies.
type WebhookHandler func(ctx context.Context, webhookID string, body []byte) error

// API holds the dependencies needed by the REST handlers.
type API struct {
	Services

	audit          *auditLogger
	trustedProxies []netip.Prefix
	onWebhook      WebhookHandler
	dispatcher     *webhook.Dispatcher
	targets        []webhook.Target
	auth           *authStore
	defaultTTLDays int
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		metrics := a.audit.metrics
		a.audit = newAuditLogger(logger)
		a.audit.metrics = metrics
	}
}

// WithAlertFunc enables rejection-spike alerting.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// WithTrustedProxies parses CIDRs (or bare IPs) whose forwarding headers
// are honoured when extracting the client IP.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithWebhookHandler sets the business logic run for verified webhooks.
func WithWebhookHandler(h WebhookHandler) Option {
	return func(a *API) {
		a.onWebhook = h
	}
}

// WithDispatcher makes the API notify targets of installed themes.
func WithDispatcher(d *webhook.Dispatcher, targets []webhook.Target) Option {
	return func(a *API) {
		a.dispatcher = d
		a.targets = targets
	}
}

// WithDefaultKeyTTL sets the lifetime of keys issued without ttl_days.
// Zero issues keys that never expire.
func WithDefaultKeyTTL(days int) Option {
	return func(a *API) {
		a.defaultTTLDays = days
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
		a.auth.now = now
	}
}

// New creates a new API instance.
func New(svc Services, opts ...Option) *API {
	a := &API{
		Services: svc,
		audit:    newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil))),
		auth:     newAuthStore(),
		now:      time.Now,
	}
	a.onWebhook = a.logWebhook
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/webhooks/{webhookID}", a.ReceiveWebhook)
	r.With(a.RequireAPIKey(ScopeWebhooksAdmin)).Post("/webhooks", a.RegisterWebhook)

	r.With(a.RequireAPIKey(ScopeKeysAdmin)).Post("/keys", a.CreateKey)
	r.With(a.RequireAPIKey(ScopeKeysAdmin)).Get("/keys", a.ListKeys)
	r.With(a.RequireAPIKey(ScopeKeysAdmin)).Get("/keys/export", a.ExportKeys)
	r.With(a.RequireAPIKey(ScopeKeysAdmin)).Delete("/keys/{keyID}", a.RevokeKey)

	r.With(a.RequireAPIKey(ScopeURLsCheck)).Post("/urls/check", a.CheckURL)

	r.With(a.RequireAPIKey(ScopeThemesWrite)).Post("/themes", a.InstallTheme)
	r.Get("/themes/{themeID}/style.css", a.ServeThemeCSS)
	r.Get("/themes/{themeID}/assets/{assetName}", a.ServeThemeAsset)

	r.With(a.RequireAPIKey(ScopeUploadsWrite)).Post("/uploads", a.Upload)

	r.With(a.RequireAPIKey(ScopeOAuthAuthorize)).Post("/oauth/authorize", a.Authorize)
	r.Get("/oauth/callback", a.OAuthCallback)
	r.Post("/oauth/token", a.OAuthToken)

	return r
}

// logWebhook is the default WebhookHandler.
func (a *API) logWebhook(ctx context.Context, webhookID string, body []byte) error {
	a.audit.logger.InfoContext(ctx, "webhook accepted", "webhook_id", webhookID, "bytes", len(body))
	return nil
}
