// Package secret stores credential records, their categories and their
// attachments. Secret fields are encrypted before they reach storage and are
// decrypted only for callers the policy engine allows to see them.
package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

// ErrCategoryNotFound is returned when a credential references a missing category.
var ErrCategoryNotFound = errors.New("category not found")

// CredentialService implements credential CRUD with field encryption.
type CredentialService struct {
	store  storage.StorageBackend
	cipher *crypto.FieldCipher
	policy *policy.Engine
	files  *FileStore
}

// NewCredentialService creates a CredentialService. files may be nil when
// attachments are not stored on disk.
func NewCredentialService(store storage.StorageBackend, cipher *crypto.FieldCipher, pol *policy.Engine, files *FileStore) *CredentialService {
	return &CredentialService{store: store, cipher: cipher, policy: pol, files: files}
}

// List returns credentials newest first, optionally limited to one category.
// Every record is returned; secrets are decrypted only where the caller may see them.
func (s *CredentialService) List(ctx context.Context, caller models.Caller, categoryID *uuid.UUID) ([]models.CredentialView, error) {
	creds, err := s.store.ListCredentials(ctx, storage.CredentialFilter{CategoryID: categoryID})
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	vis, err := s.policy.VisibilityFor(ctx, caller)
	if err != nil {
		return nil, err
	}

	out := make([]models.CredentialView, 0, len(creds))
	for _, c := range creds {
		v, err := s.view(c, vis.CanViewSecret(c.ID))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns one credential with its attachment list.
func (s *CredentialService) Get(ctx context.Context, caller models.Caller, id uuid.UUID) (models.CredentialView, error) {
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return models.CredentialView{}, err
	}
	canView, err := s.policy.CanViewSecret(ctx, caller, id)
	if err != nil {
		return models.CredentialView{}, err
	}
	v, err := s.view(c, canView)
	if err != nil {
		return models.CredentialView{}, err
	}

	files, err := s.store.ListFiles(ctx, id)
	if err != nil {
		return models.CredentialView{}, fmt.Errorf("listing files: %w", err)
	}
	v.Files = make([]models.FileInfo, 0, len(files))
	for _, f := range files {
		v.Files = append(v.Files, f.Info())
	}
	return v, nil
}

// Create stores a new credential. Only administrators may create credentials.
func (s *CredentialService) Create(ctx context.Context, caller models.Caller, in models.CredentialFields) (models.CredentialView, error) {
	if !s.policy.CanCreate(caller) {
		return models.CredentialView{}, policy.ErrForbidden
	}
	if err := s.checkFields(ctx, &in); err != nil {
		return models.CredentialView{}, err
	}

	now := time.Now().UTC()
	c := &models.Credential{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}
	if err := s.apply(c, in); err != nil {
		return models.CredentialView{}, err
	}
	if err := s.store.CreateCredential(ctx, c); err != nil {
		return models.CredentialView{}, fmt.Errorf("creating credential: %w", err)
	}
	return s.view(c, true)
}

// Update replaces every field of an existing credential.
func (s *CredentialService) Update(ctx context.Context, caller models.Caller, id uuid.UUID, in models.CredentialFields) (models.CredentialView, error) {
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return models.CredentialView{}, err
	}
	if err := policy.Require(s.policy.CanUpdate(ctx, caller, id)); err != nil {
		return models.CredentialView{}, err
	}
	if err := s.checkFields(ctx, &in); err != nil {
		return models.CredentialView{}, err
	}

	if err := s.apply(c, in); err != nil {
		return models.CredentialView{}, err
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateCredential(ctx, c); err != nil {
		return models.CredentialView{}, fmt.Errorf("updating credential: %w", err)
	}

	canView, err := s.policy.CanViewSecret(ctx, caller, id)
	if err != nil {
		return models.CredentialView{}, err
	}
	return s.view(c, canView)
}

// Delete removes a credential, its grants and its attachments. Attachment
// files are removed after the record is gone and failures are only logged.
func (s *CredentialService) Delete(ctx context.Context, caller models.Caller, id uuid.UUID) error {
	if _, err := s.store.GetCredential(ctx, id); err != nil {
		return err
	}
	if err := policy.Require(s.policy.CanDelete(ctx, caller, id)); err != nil {
		return err
	}
	if err := s.store.DeleteCredential(ctx, id); err != nil {
		return err
	}
	s.files.RemoveCredential(id)
	return nil
}

func (s *CredentialService) checkFields(ctx context.Context, in *models.CredentialFields) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", models.ErrInvalidInput)
	}
	if _, err := s.store.GetCategory(ctx, in.CategoryID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrCategoryNotFound
		}
		return fmt.Errorf("loading category: %w", err)
	}
	return nil
}

// apply copies trimmed metadata and freshly encrypted secrets onto c.
// Secret values are kept exactly as submitted.
func (s *CredentialService) apply(c *models.Credential, in models.CredentialFields) error {
	pw, err := s.cipher.Encrypt(in.Password)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	conn, err := s.cipher.Encrypt(in.ConnectionString)
	if err != nil {
		return fmt.Errorf("encrypting connection string: %w", err)
	}
	notes, err := s.cipher.Encrypt(in.Notes)
	if err != nil {
		return fmt.Errorf("encrypting notes: %w", err)
	}

	c.CategoryID = in.CategoryID
	c.Name = in.Name
	c.HostOrURL = strings.TrimSpace(in.HostOrURL)
	c.Username = strings.TrimSpace(in.Username)
	c.AppName = strings.TrimSpace(in.AppName)
	c.AppLink = strings.TrimSpace(in.AppLink)
	c.AccountFirstName = strings.TrimSpace(in.AccountFirstName)
	c.AccountLastName = strings.TrimSpace(in.AccountLastName)
	c.AccountEmail = strings.TrimSpace(in.AccountEmail)
	c.AccountRole = strings.TrimSpace(in.AccountRole)
	c.ServerVPNRequired = in.ServerVPNRequired
	c.EncryptedPassword = pw
	c.EncryptedConnectionString = conn
	c.EncryptedNotes = notes
	return nil
}

// view builds the caller-facing record. Secret fields are decrypted only when
// canView is set; otherwise they stay nil and no decryption happens.
func (s *CredentialService) view(c *models.Credential, canView bool) (models.CredentialView, error) {
	v := models.CredentialView{
		ID:                c.ID,
		CategoryID:        c.CategoryID,
		Name:              c.Name,
		HostOrURL:         c.HostOrURL,
		Username:          c.Username,
		AppName:           c.AppName,
		AppLink:           c.AppLink,
		AccountFirstName:  c.AccountFirstName,
		AccountLastName:   c.AccountLastName,
		AccountEmail:      c.AccountEmail,
		AccountRole:       c.AccountRole,
		ServerVPNRequired: c.ServerVPNRequired,
		CanViewSecret:     canView,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
	if !canView {
		return v, nil
	}

	fields := []struct {
		name string
		in   string
		out  **string
	}{
		{"password", c.EncryptedPassword, &v.Password},
		{"connection string", c.EncryptedConnectionString, &v.ConnectionString},
		{"notes", c.EncryptedNotes, &v.Notes},
	}
	for _, f := range fields {
		plain, err := s.cipher.Decrypt(f.in)
		if err != nil {
			return models.CredentialView{}, fmt.Errorf("decrypting %s of %s: %w", f.name, c.ID, err)
		}
		*f.out = &plain
	}
	return v, nil
}
