package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/secret"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	APIKeyHeader   string
	APIKey         string
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies are the peers allowed to set the client address
	// through X-Forwarded-For, X-Real-IP or True-Client-IP.
	TrustedProxies []netip.Prefix
}

// Deps are the components the server is built from. Key material lives in
// Cipher and Tokens; the server never reads configuration keys itself.
type Deps struct {
	Cipher  *crypto.FieldCipher
	Hasher  *crypto.PasswordHasher
	Tokens  *auth.TokenService
	Files   *secret.FileStore
	Auditor AuditLogger
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	store       storage.StorageBackend
	tokens      *auth.TokenService
	accounts    *auth.AccountService
	policy      *policy.Engine
	credentials *secret.CredentialService
	categories  *secret.CategoryService
	files       *secret.FileService
	auditor     AuditLogger
	registry    *prometheus.Registry
	cfg         Config
	httpSrv     *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.StorageBackend, cfg Config, deps Deps) (*Server, error) {
	if deps.Cipher == nil || deps.Tokens == nil || deps.Hasher == nil || deps.Files == nil {
		return nil, errors.New("cipher, hasher, token service and file store are required")
	}
	if deps.Auditor == nil {
		deps.Auditor = audit.NewLogger(store)
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-KEY"
	}

	policyEng := policy.NewEngine(store)
	accounts, err := auth.NewAccountService(store, deps.Hasher, deps.Tokens)
	if err != nil {
		return nil, err
	}

	return &Server{
		store:       store,
		tokens:      deps.Tokens,
		accounts:    accounts,
		policy:      policyEng,
		credentials: secret.NewCredentialService(store, deps.Cipher, policyEng, deps.Files),
		categories:  secret.NewCategoryService(store, policyEng, deps.Files),
		files:       secret.NewFileService(store, policyEng, deps.Files),
		auditor:     deps.Auditor,
		registry:    newRegistry(store),
		cfg:         cfg,
	}, nil
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(trustedRealIP(s.cfg.TrustedProxies))
	r.Use(requestLogging()...)
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(newIPRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	}
	r.Use(auditMiddleware(s.auditor))
	r.Use(apiKeyMiddleware(s.cfg.APIKeyHeader, s.cfg.APIKey))

	// Public routes (no auth required)
	r.Get("/health", s.HealthHandler)
	r.Handle("/metrics", MetricsHandler(s.registry))

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(optionalAuthMiddleware(s.tokens)).Post("/register", s.RegisterHandler)
			r.Post("/login", s.LoginHandler)
			r.With(authMiddleware(s.tokens)).Get("/me", s.MeHandler)
		})

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(s.tokens))

			r.Route("/categories", func(r chi.Router) {
				r.Get("/", s.CategoryListHandler)
				r.Post("/", s.CategoryCreateHandler)
				r.Get("/{id}", s.CategoryGetHandler)
				r.Put("/{id}", s.CategoryUpdateHandler)
				r.Delete("/{id}", s.CategoryDeleteHandler)
			})

			r.Route("/credentials", func(r chi.Router) {
				r.Get("/", s.CredentialListHandler)
				r.Post("/", s.CredentialCreateHandler)
				r.Get("/{id}", s.CredentialGetHandler)
				r.Put("/{id}", s.CredentialUpdateHandler)
				r.Delete("/{id}", s.CredentialDeleteHandler)

				r.Get("/{id}/files", s.FileListHandler)
				r.Post("/{id}/files", s.FileUploadHandler)
				r.Get("/{id}/files/{fileId}", s.FileDownloadHandler)
				r.Delete("/{id}/files/{fileId}", s.FileDeleteHandler)
			})

			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.UserListHandler)
				r.Post("/", s.UserCreateHandler)
				r.Get("/{id}", s.UserGetHandler)
				r.Put("/{id}", s.UserUpdateHandler)
				r.Delete("/{id}", s.UserDeleteHandler)
				r.Put("/{id}/access", s.UserAccessHandler)
			})

			r.Get("/audit-log", s.AuditLogHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
