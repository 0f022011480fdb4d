package secret

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

type fixture struct {
	store      *storage.SQLiteBackend
	cipher     *crypto.FieldCipher
	files      *FileStore
	filesDir   string
	creds      *CredentialService
	categories *CategoryService
	attach     *FileService

	admin models.Caller
	u1    models.Caller
	u2    models.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.NewSQLiteBackend(ctx, filepath.Join(dir, "vault.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	cipher, err := crypto.NewFieldCipher("test-passphrase")
	require.NoError(t, err)
	filesDir := filepath.Join(dir, "files")
	files, err := NewFileStore(filesDir, 64)
	require.NoError(t, err)

	pol := policy.NewEngine(store)
	f := &fixture{
		store:      store,
		cipher:     cipher,
		files:      files,
		filesDir:   filesDir,
		creds:      NewCredentialService(store, cipher, pol, files),
		categories: NewCategoryService(store, pol, files),
		attach:     NewFileService(store, pol, files),
	}
	f.admin = f.account(t, "admin@x.com", models.RoleAdmin)
	f.u1 = f.account(t, "u1@x.com", models.RoleUser)
	f.u2 = f.account(t, "u2@x.com", models.RoleUser)
	return f
}

func (f *fixture) account(t *testing.T, email string, role models.Role) models.Caller {
	t.Helper()
	a := &models.Account{ID: uuid.New(), Email: email, PasswordHash: "x", Role: role, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateAccount(context.Background(), a))
	return models.Caller{AccountID: a.ID, Email: email, Role: role}
}

func (f *fixture) category(t *testing.T, name string) *models.Category {
	t.Helper()
	c, err := f.categories.Create(context.Background(), f.admin, CategoryInput{Name: name})
	require.NoError(t, err)
	return c
}

func (f *fixture) credential(t *testing.T, categoryID uuid.UUID, name, password string) models.CredentialView {
	t.Helper()
	v, err := f.creds.Create(context.Background(), f.admin, models.CredentialFields{
		CategoryID: categoryID,
		Name:       name,
		Password:   password,
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) grant(t *testing.T, who models.Caller, ids ...uuid.UUID) {
	t.Helper()
	_, err := f.store.ReplaceGrants(context.Background(), who.AccountID, ids)
	require.NoError(t, err)
}
