// Package config holds the closed set of options recognised by trustgate.
// Every field has a documented default applied through struct tags; a YAML
// file and TRUSTGATE_ environment variables may override them.
package config

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	State   StateConfig   `yaml:"state"`
	Storage StorageConfig `yaml:"storage"`
	URL     URLConfig     `yaml:"url"`
	APIKey  APIKeyConfig  `yaml:"api_key"`
	Webhook WebhookConfig `yaml:"webhook"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

type ServerConfig struct {
	Port    int    `yaml:"port" default:"8443" validate:"min=1,max=65535"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key" validate:"required_with=TLSCert"`
	// TrustedProxies lists CIDRs or single addresses whose forwarding
	// headers are honoured when deriving the client IP.
	TrustedProxies []string `yaml:"trusted_proxies" validate:"dive,cidr|ip"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json text"`
}

// StateConfig selects where rate windows and processed nonces live.
type StateConfig struct {
	Backend       string        `yaml:"backend" default:"memory" validate:"oneof=memory redis"`
	RedisAddr     string        `yaml:"redis_addr" default:"localhost:6379" validate:"required_if=Backend redis"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" default:"0" validate:"min=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" default:"1m" validate:"gt=0"`
}

// StorageConfig selects where API key records and sealed webhook secrets live.
type StorageConfig struct {
	Backend     string `yaml:"backend" default:"bbolt" validate:"oneof=memory bbolt postgres"`
	DataDir     string `yaml:"data_dir" default:"./data" validate:"required_if=Backend bbolt"`
	PostgresDSN string `yaml:"postgres_dsn" validate:"required_if=Backend postgres"`
}

type URLConfig struct {
	AllowedSchemes []string `yaml:"allowed_schemes" default:"[\"https\"]" validate:"min=1,dive,required"`
	// AllowedDomains are exact hosts, or ".example.com" for explicit
	// subdomain suffixes. Empty disables the domain allowlist.
	AllowedDomains []string `yaml:"allowed_domains"`
	ResolveDNS     bool     `yaml:"resolve_dns" default:"false"`
}

type APIKeyConfig struct {
	Prefix          string        `yaml:"prefix" default:"sk_" validate:"required,max=8"`
	RateLimit       int           `yaml:"rate_limit" default:"100" validate:"min=1"`
	RateWindow      time.Duration `yaml:"rate_window" default:"1m" validate:"gt=0"`
	DefaultTTLDays  int           `yaml:"default_ttl_days" default:"0" validate:"min=0"`
	Argon2Time      uint32        `yaml:"argon2_time" default:"1" validate:"min=1"`
	Argon2MemoryKiB uint32        `yaml:"argon2_memory_kib" default:"65536" validate:"min=8192"`
	Argon2Threads   uint8         `yaml:"argon2_threads" default:"4" validate:"min=1"`
	// BootstrapAdmin issues a keys:admin key on first start when the key
	// store is empty.
	BootstrapAdmin bool `yaml:"bootstrap_admin" default:"true"`
}

type WebhookConfig struct {
	// Tolerance is the maximum age of a signed timestamp.
	Tolerance time.Duration `yaml:"tolerance" default:"5m" validate:"gt=0"`
	// MaxFutureSkew is how far ahead of now a timestamp may be.
	MaxFutureSkew time.Duration `yaml:"max_future_skew" default:"5m" validate:"gt=0"`
	// StrictRegistry panics when verifying against an unregistered webhook.
	StrictRegistry bool `yaml:"strict_registry" default:"false"`
	// MasterKey is a 64-character hex key that seals webhook secrets at rest.
	MasterKey string `yaml:"master_key" validate:"omitempty,hexadecimal,len=64"`
	// DeliveryTimeout bounds each outbound signed delivery attempt.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" default:"10s" validate:"gt=0"`
	// Targets receive signed event notifications.
	Targets []TargetConfig `yaml:"targets" validate:"dive"`
}

type TargetConfig struct {
	WebhookID string `yaml:"webhook_id" validate:"required"`
	URL       string `yaml:"url" validate:"required,url"`
}

type OAuthConfig struct {
	RedirectAllowlist []string      `yaml:"redirect_allowlist"`
	StateTTL          time.Duration `yaml:"state_ttl" default:"10m" validate:"gt=0"`
}

type SandboxConfig struct {
	MaxCSSBytes   int    `yaml:"max_css_bytes" default:"512000" validate:"min=1"`
	MaxAssets     int    `yaml:"max_assets" default:"50" validate:"min=1"`
	MaxAssetBytes int    `yaml:"max_asset_bytes" default:"10485760" validate:"min=1"`
	CSVMode       string `yaml:"csv_mode" default:"prefix" validate:"oneof=prefix reject"`
	// StrictExecutableScan rejects an "MZ" sequence at any offset, not only
	// at the start of the file or when it heads a PE image.
	StrictExecutableScan bool `yaml:"strict_executable_scan" default:"false"`
}

// Default returns a Config populated with every default.
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Tags are static; a failure here is a programming error.
		panic(fmt.Sprintf("config: applying defaults: %v", err))
	}
	return cfg
}

// Validate checks every constraint declared on the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
