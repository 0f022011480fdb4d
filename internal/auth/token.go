package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/pkg/models"
)

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid or expired token")

// ErrMissingClaims is returned when the issuer or audience a token must carry is not configured.
var ErrMissingClaims = errors.New("jwt issuer and audience must be configured")

// DefaultTokenLifetime applies when TokenConfig.Lifetime is zero.
const DefaultTokenLifetime = 120 * time.Minute

// TokenConfig is the static configuration of a TokenService.
type TokenConfig struct {
	Key      string
	Issuer   string
	Audience string
	Lifetime time.Duration
}

// Claims is the JWT payload of a session token.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 session tokens. It holds no
// mutable state and is safe for concurrent use.
type TokenService struct {
	key      []byte
	issuer   string
	audience string
	lifetime time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewTokenService validates cfg and returns a TokenService.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("jwt signing key: %w", crypto.ErrMissingKey)
	}
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, ErrMissingClaims
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultTokenLifetime
	}
	s := &TokenService{
		key:      []byte(cfg.Key),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		lifetime: cfg.Lifetime,
		now:      time.Now,
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
	}
	s.parser = jwt.NewParser(opts...)
	return s, nil
}

// Lifetime returns the configured token lifetime.
func (s *TokenService) Lifetime() time.Duration {
	return s.lifetime
}

// Issue mints a token for the account and returns it with its expiry.
func (s *TokenService) Issue(account *models.Account) (string, time.Time, error) {
	now := s.now().UTC()
	expires := now.Add(s.lifetime)

	claims := Claims{
		Email: account.Email,
		Role:  string(account.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

// Validate checks signature, issuer, audience and expiry and returns the caller.
func (s *TokenService) Validate(tokenString string) (models.Caller, error) {
	var claims Claims
	_, err := s.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return models.Caller{AccountID: id, Email: claims.Email, Role: role}, nil
}
