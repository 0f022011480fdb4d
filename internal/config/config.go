// Package config loads server configuration from a YAML file, an optional
// .env file and CREDVAULT_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	DBDriver    string `yaml:"db_driver"`
	DBUrl       string `yaml:"db_url"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	// TrustedProxies lists the peers (IPs or CIDRs) whose forwarding
	// headers are believed. Empty means the TCP peer is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Encryption EncryptionConfig `yaml:"encryption"`
	JWT        JWTConfig        `yaml:"jwt"`
	Hashing    HashingConfig    `yaml:"hashing"`
	APIKey     APIKeyConfig     `yaml:"api_key"`
	Files      FilesConfig      `yaml:"files"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// EncryptionConfig seeds the field cipher.
type EncryptionConfig struct {
	Key string `yaml:"key"`
}

// JWTConfig controls session token issuance and validation.
type JWTConfig struct {
	Key             string `yaml:"key"`
	Issuer          string `yaml:"issuer"`
	Audience        string `yaml:"audience"`
	LifetimeMinutes int    `yaml:"lifetime_minutes"`
}

// Lifetime returns the token lifetime as a duration.
func (j JWTConfig) Lifetime() time.Duration {
	return time.Duration(j.LifetimeMinutes) * time.Minute
}

// HashingConfig sets the PBKDF2 work factor for new password hashes.
type HashingConfig struct {
	Iterations int `yaml:"iterations"`
}

// APIKeyConfig enables the optional shared API key gate. An empty Value disables it.
type APIKeyConfig struct {
	Header string `yaml:"header"`
	Value  string `yaml:"value"`
}

// FilesConfig locates credential attachments on disk.
type FilesConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// RateLimitConfig is the per client IP token bucket.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns a Config populated with defaults. Keys are left empty on purpose.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DBDriver:   "postgres",
		LogLevel:   "info",
		LogFormat:  "console",
		JWT: JWTConfig{
			Issuer:          "CredVault",
			Audience:        "CredVaultUsers",
			LifetimeMinutes: 120,
		},
		Hashing: HashingConfig{Iterations: 120000},
		APIKey:  APIKeyConfig{Header: "X-API-KEY"},
		Files: FilesConfig{
			Dir:      "data/files",
			MaxBytes: 20 << 20,
		},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// Load reads path (if it exists), then .env (if it exists), then applies
// environment overrides. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := os.LookupEnv(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&cfg.ListenAddr, "CREDVAULT_LISTEN_ADDR")
	setString(&cfg.DBDriver, "CREDVAULT_DB_DRIVER")
	setString(&cfg.DBUrl, "CREDVAULT_DB_URL", "DATABASE_URL")
	setString(&cfg.LogLevel, "CREDVAULT_LOG_LEVEL")
	setString(&cfg.LogFormat, "CREDVAULT_LOG_FORMAT")
	setString(&cfg.Encryption.Key, "CREDVAULT_ENCRYPTION_KEY")
	setString(&cfg.JWT.Key, "CREDVAULT_JWT_KEY")
	setString(&cfg.JWT.Issuer, "CREDVAULT_JWT_ISSUER")
	setString(&cfg.JWT.Audience, "CREDVAULT_JWT_AUDIENCE")
	setString(&cfg.APIKey.Value, "CREDVAULT_API_KEY")
	setString(&cfg.Files.Dir, "CREDVAULT_FILES_DIR")
	if v := os.Getenv("CREDVAULT_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.TrustedProxies = append(cfg.TrustedProxies, p)
			}
		}
	}

	ints := map[string]*int{
		"CREDVAULT_JWT_LIFETIME_MINUTES": &cfg.JWT.LifetimeMinutes,
		"CREDVAULT_HASH_ITERATIONS":      &cfg.Hashing.Iterations,
	}
	for k, dst := range ints {
		v, ok := os.LookupEnv(k)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s has invalid integer %q: %w", k, v, err)
		}
		*dst = n
	}
	return nil
}

// Validate reports every configuration fault that must stop the server.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Encryption.Key) == "" {
		errs = append(errs, errors.New("encryption.key must be configured (or CREDVAULT_ENCRYPTION_KEY)"))
	}
	if strings.TrimSpace(c.JWT.Key) == "" {
		errs = append(errs, errors.New("jwt.key must be configured (or CREDVAULT_JWT_KEY)"))
	}
	if strings.TrimSpace(c.JWT.Issuer) == "" {
		errs = append(errs, errors.New("jwt.issuer must not be blank"))
	}
	if strings.TrimSpace(c.JWT.Audience) == "" {
		errs = append(errs, errors.New("jwt.audience must not be blank"))
	}
	if c.JWT.LifetimeMinutes <= 0 {
		errs = append(errs, errors.New("jwt.lifetime_minutes must be positive"))
	}
	if c.Hashing.Iterations <= 0 {
		errs = append(errs, errors.New("hashing.iterations must be positive"))
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("db_driver %q is not supported (postgres, sqlite)", c.DBDriver))
	}
	if c.DBUrl == "" {
		errs = append(errs, errors.New("db_url must be configured (or DATABASE_URL)"))
	}
	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
