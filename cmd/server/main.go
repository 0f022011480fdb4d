package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/credvault/internal/api"
	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/config"
	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/secret"
	"github.com/org/credvault/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("CREDVAULT_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to open storage")
	}
	defer store.Close()
	log.Info().Str("driver", cfg.DBDriver).Msg("storage ready, migrations applied")

	cipher, err := crypto.NewFieldCipher(cfg.Encryption.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build field cipher")
	}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Key:      cfg.JWT.Key,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		Lifetime: cfg.JWT.Lifetime(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build token service")
	}
	files, err := secret.NewFileStore(cfg.Files.Dir, cfg.Files.MaxBytes)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Files.Dir).Msg("failed to prepare attachment directory")
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid trusted proxies")
	}

	srv, err := api.NewServer(store, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		APIKeyHeader:   cfg.APIKey.Header,
		APIKey:         cfg.APIKey.Value,
		MaxUploadBytes: cfg.Files.MaxBytes,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		TrustedProxies: trusted,
	}, api.Deps{
		Cipher:  cipher,
		Hasher:  crypto.NewPasswordHasher(cfg.Hashing.Iterations),
		Tokens:  tokens,
		Files:   files,
		Auditor: audit.NewLogger(store),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	if n, err := store.CountAccounts(ctx); err == nil && n == 0 {
		log.Info().Msg("no accounts yet - POST /api/auth/register to create the first administrator")
	}

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// openStore connects the configured backend. Postgres migrations run through
// their own connection before the pool opens; SQLite migrates on open.
func openStore(ctx context.Context, cfg config.Config) (storage.StorageBackend, error) {
	if cfg.DBDriver == "sqlite" {
		return storage.NewSQLiteBackend(ctx, cfg.DBUrl)
	}
	if err := storage.RunMigrations(cfg.DBUrl); err != nil {
		return nil, err
	}
	return storage.NewPostgresBackend(ctx, cfg.DBUrl)
}
