package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

// MinPasswordLength is the shortest password accepted for an account.
const MinPasswordLength = 6

var (
	// ErrInvalidCredentials is returned by Login for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrRegistrationClosed is returned when an anonymous caller registers after the first account exists.
	ErrRegistrationClosed = errors.New("registration requires an authenticated administrator")
)

// Session is the result of a successful register or login.
type Session struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
	User      models.Profile `json:"user"`
}

// AccountInput is the submitted form of an account. Role may be blank.
// On update a blank Password leaves the stored hash unchanged.
type AccountInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// AccountService handles registration, login and administrator account management.
type AccountService struct {
	store  storage.StorageBackend
	hasher *crypto.PasswordHasher
	tokens *TokenService

	// dummyHash keeps login timing similar for unknown emails.
	dummyHash string
}

// NewAccountService creates an AccountService.
func NewAccountService(store storage.StorageBackend, hasher *crypto.PasswordHasher, tokens *TokenService) (*AccountService, error) {
	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("preparing login hash: %w", err)
	}
	return &AccountService{store: store, hasher: hasher, tokens: tokens, dummyHash: dummy}, nil
}

// Register creates an account and signs it in. While no account exists
// registration is open and a blank role yields an administrator, so the
// first account can manage the vault. Afterwards only administrators may
// register accounts and a blank role yields RoleUser.
func (s *AccountService) Register(ctx context.Context, caller *models.Caller, in AccountInput) (*Session, error) {
	count, err := s.store.CountAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting accounts: %w", err)
	}
	if count == 0 {
		acct, err := s.bootstrap(ctx, in)
		if err == nil {
			log.Info().Str("account_id", acct.ID.String()).Str("role", string(acct.Role)).Msg("first account registered")
			return s.session(acct)
		}
		// Lost the race to another first registration.
		if !errors.Is(err, storage.ErrAccountsExist) {
			return nil, err
		}
	}

	if caller == nil {
		return nil, ErrRegistrationClosed
	}
	if !caller.IsAdmin() {
		return nil, policy.ErrForbidden
	}
	acct, err := s.create(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.session(acct)
}

// bootstrap creates the first account, defaulting a blank role to Admin.
func (s *AccountService) bootstrap(ctx context.Context, in AccountInput) (*models.Account, error) {
	if strings.TrimSpace(in.Role) == "" {
		in.Role = string(models.RoleAdmin)
	}
	acct, err := s.newAccount(in)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateFirstAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Login verifies the password and issues a token. Records hashed with fewer
// iterations than configured are upgraded in place.
func (s *AccountService) Login(ctx context.Context, email, password string) (*Session, error) {
	acct, err := s.store.GetAccountByEmail(ctx, models.NormalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		s.hasher.Verify(password, s.dummyHash)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if !s.hasher.Verify(password, acct.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if s.hasher.NeedsRehash(acct.PasswordHash) {
		if hash, err := s.hasher.Hash(password); err == nil {
			acct.PasswordHash = hash
			if err := s.store.UpdateAccount(ctx, acct); err != nil {
				log.Warn().Err(err).Str("account_id", acct.ID.String()).Msg("password rehash failed")
			}
		}
	}
	return s.session(acct)
}

// Me returns the account behind an authenticated caller. A token for a
// deleted account is treated as invalid.
func (s *AccountService) Me(ctx context.Context, caller models.Caller) (*models.Account, error) {
	acct, err := s.store.GetAccount(ctx, caller.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	return acct, err
}

// ListUsers returns every account with its granted credential ids, ordered by email.
func (s *AccountService) ListUsers(ctx context.Context) ([]models.UserSummary, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	out := make([]models.UserSummary, 0, len(accounts))
	for _, a := range accounts {
		sum, err := s.summary(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

// GetUser returns a single account summary.
func (s *AccountService) GetUser(ctx context.Context, id uuid.UUID) (models.UserSummary, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return models.UserSummary{}, err
	}
	return s.summary(ctx, acct)
}

// CreateUser creates an account without signing it in.
func (s *AccountService) CreateUser(ctx context.Context, in AccountInput) (models.UserSummary, error) {
	acct, err := s.create(ctx, in)
	if err != nil {
		return models.UserSummary{}, err
	}
	return models.UserSummary{Profile: acct.Profile(), CredentialIDs: []uuid.UUID{}}, nil
}

// UpdateUser replaces email and role, and the password hash when a password is given.
func (s *AccountService) UpdateUser(ctx context.Context, id uuid.UUID, in AccountInput) (models.UserSummary, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return models.UserSummary{}, err
	}
	email, err := validEmail(in.Email)
	if err != nil {
		return models.UserSummary{}, err
	}
	role, err := models.ParseRole(in.Role)
	if err != nil {
		return models.UserSummary{}, err
	}
	acct.Email = email
	acct.Role = role
	if in.Password != "" {
		if acct.PasswordHash, err = s.hashPassword(in.Password); err != nil {
			return models.UserSummary{}, err
		}
	}
	if err := s.store.UpdateAccount(ctx, acct); err != nil {
		return models.UserSummary{}, err
	}
	return s.summary(ctx, acct)
}

// DeleteUser removes an account and, through the store, its grants.
func (s *AccountService) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteAccount(ctx, id)
}

// SetAccess replaces the account's grants with exactly credentialIDs.
// Ids of credentials that do not exist are ignored.
func (s *AccountService) SetAccess(ctx context.Context, id uuid.UUID, credentialIDs []uuid.UUID) (models.UserSummary, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return models.UserSummary{}, err
	}
	granted, err := s.store.ReplaceGrants(ctx, id, credentialIDs)
	if err != nil {
		return models.UserSummary{}, fmt.Errorf("replacing grants: %w", err)
	}
	if granted == nil {
		granted = []uuid.UUID{}
	}
	return models.UserSummary{Profile: acct.Profile(), CredentialIDs: granted}, nil
}

func (s *AccountService) create(ctx context.Context, in AccountInput) (*models.Account, error) {
	acct, err := s.newAccount(in)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *AccountService) newAccount(in AccountInput) (*models.Account, error) {
	email, err := validEmail(in.Email)
	if err != nil {
		return nil, err
	}
	role, err := models.ParseRole(in.Role)
	if err != nil {
		return nil, err
	}
	hash, err := s.hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	return &models.Account{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *AccountService) hashPassword(password string) (string, error) {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return "", fmt.Errorf("%w: password must be at least %d characters", models.ErrInvalidInput, MinPasswordLength)
	}
	return s.hasher.Hash(password)
}

func (s *AccountService) session(acct *models.Account) (*Session, error) {
	tok, exp, err := s.tokens.Issue(acct)
	if err != nil {
		return nil, err
	}
	return &Session{Token: tok, ExpiresAt: exp, User: acct.Profile()}, nil
}

func (s *AccountService) summary(ctx context.Context, acct *models.Account) (models.UserSummary, error) {
	ids, err := s.store.ListGrantedCredentialIDs(ctx, acct.ID)
	if err != nil {
		return models.UserSummary{}, fmt.Errorf("listing grants: %w", err)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return models.UserSummary{Profile: acct.Profile(), CredentialIDs: ids}, nil
}

func validEmail(raw string) (string, error) {
	email := models.NormalizeEmail(raw)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email address is not valid", models.ErrInvalidInput)
	}
	return email, nil
}
