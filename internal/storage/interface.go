package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/org/credvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrAccountsExist is returned by CreateFirstAccount once any account exists.
var ErrAccountsExist = errors.New("accounts already exist")

// StorageBackend defines the persistence interface for CredVault.
type StorageBackend interface {
	// Accounts
	CreateAccount(ctx context.Context, account *models.Account) error
	// CreateFirstAccount inserts account only while the accounts table is
	// empty. Concurrent callers are serialized so at most one succeeds.
	CreateFirstAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	UpdateAccount(ctx context.Context, account *models.Account) error
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	CountAccounts(ctx context.Context) (int64, error)

	// Categories
	CreateCategory(ctx context.Context, category *models.Category) error
	GetCategory(ctx context.Context, id uuid.UUID) (*models.Category, error)
	ListCategories(ctx context.Context) ([]*models.Category, error)
	UpdateCategory(ctx context.Context, category *models.Category) error
	DeleteCategory(ctx context.Context, id uuid.UUID) error

	// Credentials
	CreateCredential(ctx context.Context, cred *models.Credential) error
	GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error)
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]*models.Credential, error)
	UpdateCredential(ctx context.Context, cred *models.Credential) error
	DeleteCredential(ctx context.Context, id uuid.UUID) error
	CountCredentials(ctx context.Context) (int64, error)

	// Access grants
	HasAnyGrant(ctx context.Context, credentialID uuid.UUID) (bool, error)
	HasGrant(ctx context.Context, accountID, credentialID uuid.UUID) (bool, error)
	ListRestrictedCredentialIDs(ctx context.Context) ([]uuid.UUID, error)
	ListGrantedCredentialIDs(ctx context.Context, accountID uuid.UUID) ([]uuid.UUID, error)
	ListGrants(ctx context.Context, accountID uuid.UUID) ([]*models.AccessGrant, error)
	// ReplaceGrants atomically replaces every grant of the account with grants
	// for the given credentials. Unknown ids are skipped and duplicates collapse.
	// It returns the ids actually granted.
	ReplaceGrants(ctx context.Context, accountID uuid.UUID, credentialIDs []uuid.UUID) ([]uuid.UUID, error)

	// Attachments
	CreateFile(ctx context.Context, file *models.CredentialFile) error
	GetFile(ctx context.Context, credentialID, fileID uuid.UUID) (*models.CredentialFile, error)
	ListFiles(ctx context.Context, credentialID uuid.UUID) ([]*models.CredentialFile, error)
	DeleteFile(ctx context.Context, credentialID, fileID uuid.UUID) error

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Lifecycle
	Close()
}

// CredentialFilter narrows ListCredentials. A nil CategoryID lists everything.
type CredentialFilter struct {
	CategoryID *uuid.UUID
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path      string
	AccountID string
	Since     *time.Time
	Limit     int
	Offset    int
}

// dedupe returns ids without duplicates, keeping first-seen order.
func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
