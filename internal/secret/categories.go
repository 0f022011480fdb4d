package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

// CategoryInput is the submitted form of a category.
type CategoryInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CategoryService manages credential categories. Reads are open to any
// authenticated caller, writes need an administrator.
type CategoryService struct {
	store  storage.StorageBackend
	policy *policy.Engine
	files  *FileStore
}

// NewCategoryService creates a CategoryService.
func NewCategoryService(store storage.StorageBackend, pol *policy.Engine, files *FileStore) *CategoryService {
	return &CategoryService{store: store, policy: pol, files: files}
}

func (s *CategoryService) List(ctx context.Context) ([]*models.Category, error) {
	return s.store.ListCategories(ctx)
}

func (s *CategoryService) Get(ctx context.Context, id uuid.UUID) (*models.Category, error) {
	return s.store.GetCategory(ctx, id)
}

func (s *CategoryService) Create(ctx context.Context, caller models.Caller, in CategoryInput) (*models.Category, error) {
	if !s.policy.CanManage(caller) {
		return nil, policy.ErrForbidden
	}
	c := &models.Category{ID: uuid.New()}
	if err := applyCategory(c, in); err != nil {
		return nil, err
	}
	if err := s.store.CreateCategory(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *CategoryService) Update(ctx context.Context, caller models.Caller, id uuid.UUID, in CategoryInput) (*models.Category, error) {
	if !s.policy.CanManage(caller) {
		return nil, policy.ErrForbidden
	}
	c := &models.Category{ID: id}
	if err := applyCategory(c, in); err != nil {
		return nil, err
	}
	if err := s.store.UpdateCategory(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a category together with its credentials and their attachments.
func (s *CategoryService) Delete(ctx context.Context, caller models.Caller, id uuid.UUID) error {
	if !s.policy.CanManage(caller) {
		return policy.ErrForbidden
	}
	creds, err := s.store.ListCredentials(ctx, storage.CredentialFilter{CategoryID: &id})
	if err != nil {
		return fmt.Errorf("listing category credentials: %w", err)
	}
	if err := s.store.DeleteCategory(ctx, id); err != nil {
		return err
	}
	for _, c := range creds {
		s.files.RemoveCredential(c.ID)
	}
	return nil
}

func applyCategory(c *models.Category, in CategoryInput) error {
	c.Name = strings.TrimSpace(in.Name)
	c.Description = strings.TrimSpace(in.Description)
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", models.ErrInvalidInput)
	}
	return nil
}
