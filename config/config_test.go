package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"https"}, cfg.URL.AllowedSchemes)
	assert.Equal(t, "sk_", cfg.APIKey.Prefix)
	assert.Equal(t, 100, cfg.APIKey.RateLimit)
	assert.Equal(t, time.Minute, cfg.APIKey.RateWindow)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.MaxFutureSkew)
	assert.Equal(t, 512000, cfg.Sandbox.MaxCSSBytes)
	assert.Equal(t, 50, cfg.Sandbox.MaxAssets)
	assert.Equal(t, "prefix", cfg.Sandbox.CSVMode)
	assert.Equal(t, 10<<20, cfg.Sandbox.MaxAssetBytes)
	assert.False(t, cfg.Sandbox.StrictExecutableScan)
	assert.Equal(t, "memory", cfg.State.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustgate.yaml")
	content := `
url:
  allowed_domains: ["allowed.com", ".cdn.allowed.com"]
api_key:
  rate_limit: 10
webhook:
  tolerance: 2m
sandbox:
  csv_mode: reject
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TRUSTGATE_API_KEY__RATE_LIMIT", "25")
	t.Setenv("TRUSTGATE_STATE__BACKEND", "redis")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"allowed.com", ".cdn.allowed.com"}, cfg.URL.AllowedDomains)
	assert.Equal(t, 25, cfg.APIKey.RateLimit, "env should win over file")
	assert.Equal(t, 2*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, "reject", cfg.Sandbox.CSVMode)
	assert.Equal(t, "redis", cfg.State.Backend)
	// Untouched values keep their defaults.
	assert.Equal(t, []string{"https"}, cfg.URL.AllowedSchemes)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  csv_mode: strip\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_MasterKey(t *testing.T) {
	cfg := Default()
	cfg.Webhook.MasterKey = "not-hex"
	assert.Error(t, cfg.Validate())

	cfg.Webhook.MasterKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_StorageAndTargets(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "postgres"
	assert.Error(t, cfg.Validate(), "postgres needs a DSN")
	cfg.Storage.PostgresDSN = "postgres://trustgate@localhost/trustgate"
	assert.NoError(t, cfg.Validate())

	cfg.Webhook.Targets = []TargetConfig{{WebhookID: "billing", URL: "not a url"}}
	assert.Error(t, cfg.Validate())
	cfg.Webhook.Targets[0].URL = "https://hooks.example.com/in"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_TrustedProxies(t *testing.T) {
	cfg := Default()
	cfg.Server.TrustedProxies = []string{"10.0.0.0/8", "192.0.2.10", "2001:db8::1"}
	assert.NoError(t, cfg.Validate())

	cfg.Server.TrustedProxies = []string{"proxy.internal"}
	assert.Error(t, cfg.Validate())
}

func TestLoad_SandboxLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.yaml")
	content := `
sandbox:
  max_asset_bytes: 2048
  strict_executable_scan: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Sandbox.MaxAssetBytes)
	assert.True(t, cfg.Sandbox.StrictExecutableScan)
}
