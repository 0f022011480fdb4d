package storage

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/credvault/pkg/models"
)

// setupTestDB opens a named shared in-memory database so the writer and
// reader pools see the same data. The test name keeps parallel tests apart.
func setupTestDB(t *testing.T) *SQLiteBackend {
	t.Helper()
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(t.Name()),
	)
	db, err := openSQLite(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func seedAccount(t *testing.T, db *SQLiteBackend, email string, role models.Role) *models.Account {
	t.Helper()
	a := &models.Account{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: "1000.c2FsdA==.a2V5",
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, db.CreateAccount(context.Background(), a))
	return a
}

func seedCategory(t *testing.T, db *SQLiteBackend, name string) *models.Category {
	t.Helper()
	c := &models.Category{ID: uuid.New(), Name: name}
	require.NoError(t, db.CreateCategory(context.Background(), c))
	return c
}

func seedCredential(t *testing.T, db *SQLiteBackend, categoryID uuid.UUID, name string, updated time.Time) *models.Credential {
	t.Helper()
	c := &models.Credential{
		ID:                uuid.New(),
		CategoryID:        categoryID,
		Name:              name,
		EncryptedPassword: "opaque",
		CreatedAt:         updated,
		UpdatedAt:         updated,
	}
	require.NoError(t, db.CreateCredential(context.Background(), c))
	return c
}

func TestSQLiteAccounts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	n, err := db.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	a := seedAccount(t, db, "a@x.com", models.RoleAdmin)

	got, err := db.GetAccountByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, models.RoleAdmin, got.Role)
	assert.WithinDuration(t, a.CreatedAt, got.CreatedAt, time.Millisecond)

	dup := *a
	dup.ID = uuid.New()
	assert.ErrorIs(t, db.CreateAccount(ctx, &dup), ErrAlreadyExists)

	got.Role = models.RoleUser
	got.PasswordHash = "2000.c2FsdA==.a2V5"
	require.NoError(t, db.UpdateAccount(ctx, got))
	again, err := db.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, again.Role)
	assert.Equal(t, "2000.c2FsdA==.a2V5", again.PasswordHash)

	require.NoError(t, db.DeleteAccount(ctx, a.ID))
	_, err = db.GetAccount(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteAccount(ctx, a.ID), ErrNotFound)
}

func TestSQLiteCredentialsOrderedByUpdate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	infra := seedCategory(t, db, "Infra")
	apps := seedCategory(t, db, "Apps")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := seedCredential(t, db, infra.ID, "old", base)
	newer := seedCredential(t, db, infra.ID, "newer", base.Add(time.Hour))
	other := seedCredential(t, db, apps.ID, "other", base.Add(30*time.Minute))

	all, err := db.ListCredentials(ctx, CredentialFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{newer.ID, other.ID, old.ID}, []uuid.UUID{all[0].ID, all[1].ID, all[2].ID})

	filtered, err := db.ListCredentials(ctx, CredentialFilter{CategoryID: &apps.ID})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, other.ID, filtered[0].ID)
	assert.Nil(t, filtered[0].ServerVPNRequired)

	vpn := true
	old.ServerVPNRequired = &vpn
	old.UpdatedAt = base.Add(2 * time.Hour)
	require.NoError(t, db.UpdateCredential(ctx, old))
	got, err := db.GetCredential(ctx, old.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ServerVPNRequired)
	assert.True(t, *got.ServerVPNRequired)
	assert.Equal(t, old.UpdatedAt, got.UpdatedAt)

	count, err := db.CountCredentials(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestSQLiteCredentialRequiresCategory(t *testing.T) {
	db := setupTestDB(t)
	c := &models.Credential{ID: uuid.New(), CategoryID: uuid.New(), Name: "x", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	assert.ErrorIs(t, db.CreateCredential(context.Background(), c), ErrNotFound)
}

func TestSQLiteReplaceGrantsIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedAccount(t, db, "u@x.com", models.RoleUser)
	cat := seedCategory(t, db, "Infra")
	c1 := seedCredential(t, db, cat.ID, "c1", time.Now())
	c2 := seedCredential(t, db, cat.ID, "c2", time.Now())

	for range 2 {
		granted, err := db.ReplaceGrants(ctx, u.ID, []uuid.UUID{c1.ID, c2.ID})
		require.NoError(t, err)
		assert.ElementsMatch(t, []uuid.UUID{c1.ID, c2.ID}, granted)

		grants, err := db.ListGrants(ctx, u.ID)
		require.NoError(t, err)
		assert.Len(t, grants, 2)
	}
}

func TestSQLiteReplaceGrantsFiltersAndReplaces(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedAccount(t, db, "u@x.com", models.RoleUser)
	cat := seedCategory(t, db, "Infra")
	c1 := seedCredential(t, db, cat.ID, "c1", time.Now())
	c2 := seedCredential(t, db, cat.ID, "c2", time.Now())

	_, err := db.ReplaceGrants(ctx, u.ID, []uuid.UUID{c1.ID})
	require.NoError(t, err)

	granted, err := db.ReplaceGrants(ctx, u.ID, []uuid.UUID{c2.ID, c2.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c2.ID}, granted)

	ok, err := db.HasGrant(ctx, u.ID, c1.ID)
	require.NoError(t, err)
	assert.False(t, ok, "replacement drops grants that were not resent")

	any1, err := db.HasAnyGrant(ctx, c1.ID)
	require.NoError(t, err)
	assert.False(t, any1)
	any2, err := db.HasAnyGrant(ctx, c2.ID)
	require.NoError(t, err)
	assert.True(t, any2)

	restricted, err := db.ListRestrictedCredentialIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c2.ID}, restricted)

	_, err = db.ReplaceGrants(ctx, uuid.New(), []uuid.UUID{c1.ID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteDeletesCascade(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	u := seedAccount(t, db, "u@x.com", models.RoleUser)
	cat := seedCategory(t, db, "Infra")
	c1 := seedCredential(t, db, cat.ID, "c1", time.Now())
	_, err := db.ReplaceGrants(ctx, u.ID, []uuid.UUID{c1.ID})
	require.NoError(t, err)
	require.NoError(t, db.CreateFile(ctx, &models.CredentialFile{
		ID: uuid.New(), CredentialID: c1.ID, FileName: "key.pem", ContentType: "text/plain",
		Size: 3, Path: "x", UploadedAt: time.Now(),
	}))

	require.NoError(t, db.DeleteCredential(ctx, c1.ID))

	ok, err := db.HasAnyGrant(ctx, c1.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	files, err := db.ListFiles(ctx, c1.ID)
	require.NoError(t, err)
	assert.Empty(t, files)

	c2 := seedCredential(t, db, cat.ID, "c2", time.Now())
	_, err = db.ReplaceGrants(ctx, u.ID, []uuid.UUID{c2.ID})
	require.NoError(t, err)
	require.NoError(t, db.DeleteAccount(ctx, u.ID))
	ok, err = db.HasAnyGrant(ctx, c2.ID)
	require.NoError(t, err)
	assert.False(t, ok, "deleting the account removes its grants")
}

func TestSQLiteFiles(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	cat := seedCategory(t, db, "Infra")
	c := seedCredential(t, db, cat.ID, "c", time.Now())

	f := &models.CredentialFile{
		ID: uuid.New(), CredentialID: c.ID, FileName: "id_rsa", ContentType: "application/octet-stream",
		Size: 42, Path: "files/x", UploadedAt: time.Now().UTC(),
	}
	require.NoError(t, db.CreateFile(ctx, f))

	got, err := db.GetFile(ctx, c.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "id_rsa", got.FileName)
	assert.EqualValues(t, 42, got.Size)

	_, err = db.GetFile(ctx, uuid.New(), f.ID)
	assert.ErrorIs(t, err, ErrNotFound, "file lookups are scoped to their credential")

	require.NoError(t, db.DeleteFile(ctx, c.ID, f.ID))
	assert.ErrorIs(t, db.DeleteFile(ctx, c.ID, f.ID), ErrNotFound)
}

func TestSQLiteAuditLog(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, p := range []string{"/api/credentials", "/api/users", "/api/credentials/1"} {
		require.NoError(t, db.WriteAuditEntry(ctx, &models.AuditEntry{
			RequestID: fmt.Sprintf("req-%d", i), Timestamp: base.Add(time.Duration(i) * time.Minute),
			AccountID: "acct", Operation: "GET", Path: p, ResponseCode: 200, ClientIP: "127.0.0.1",
		}))
	}

	entries, err := db.QueryAuditLog(ctx, AuditFilter{Path: "/api/credentials"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/api/credentials/1", entries[0].Path, "newest first")

	since := base.Add(90 * time.Second)
	entries, err = db.QueryAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = db.QueryAuditLog(ctx, AuditFilter{Offset: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSQLiteCreateFirstAccount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := &models.Account{
		ID:           uuid.New(),
		Email:        "root@x.com",
		PasswordHash: "1000.c2FsdA==.a2V5",
		Role:         models.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, db.CreateFirstAccount(ctx, first))

	second := *first
	second.ID = uuid.New()
	second.Email = "other@x.com"
	assert.ErrorIs(t, db.CreateFirstAccount(ctx, &second), ErrAccountsExist)

	n, err := db.CountAccounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
