package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("does-not-exist.yaml")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 120, cfg.JWT.LifetimeMinutes)
	assert.Equal(t, 120000, cfg.Hashing.Iterations)
	assert.Equal(t, "CredVault", cfg.JWT.Issuer)
	assert.Equal(t, "X-API-KEY", cfg.APIKey.Header)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
listen_addr: ":9000"
db_driver: sqlite
db_url: vault.db
encryption:
  key: file-passphrase
jwt:
  key: file-signing-key
  lifetime_minutes: 30
`)
	t.Setenv("CREDVAULT_JWT_KEY", "env-signing-key")
	t.Setenv("CREDVAULT_HASH_ITERATIONS", "200000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "file-passphrase", cfg.Encryption.Key)
	assert.Equal(t, "env-signing-key", cfg.JWT.Key)
	assert.Equal(t, 30, cfg.JWT.LifetimeMinutes)
	assert.Equal(t, 200000, cfg.Hashing.Iterations)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadInteger(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CREDVAULT_JWT_LIFETIME_MINUTES", "soon")
	_, err := Load("missing.yaml")
	assert.ErrorContains(t, err, "CREDVAULT_JWT_LIFETIME_MINUTES")
}

func TestValidateMissingKeys(t *testing.T) {
	cfg := Default()
	cfg.DBUrl = "postgres://localhost/vault"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "encryption.key")
	assert.ErrorContains(t, err, "jwt.key")
}

func TestValidateDriverAndLifetime(t *testing.T) {
	cfg := Default()
	cfg.Encryption.Key = "k"
	cfg.JWT.Key = "k"
	cfg.DBUrl = "x"
	cfg.DBDriver = "mysql"
	cfg.JWT.LifetimeMinutes = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "db_driver")
	assert.ErrorContains(t, err, "lifetime_minutes")
}

func TestValidateBlankIssuerAndAudience(t *testing.T) {
	path := writeConfig(t, `
db_url: x
encryption:
  key: k
jwt:
  key: k
  issuer: ""
  audience: "  "
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.JWT.Issuer)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "jwt.issuer")
	assert.ErrorContains(t, err, "jwt.audience")
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("CREDVAULT_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.TrustedProxies)

	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.True(t, prefixes[0].Contains(netip.MustParseAddr("10.1.2.3")))
	assert.True(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.7")))
	assert.False(t, prefixes[1].Contains(netip.MustParseAddr("192.0.2.8")))

	cfg.TrustedProxies = []string{"not-an-ip"}
	assert.ErrorContains(t, cfg.Validate(), "trusted_proxies")
}
