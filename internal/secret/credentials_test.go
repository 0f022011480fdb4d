package secret

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/credvault/internal/crypto"
	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

func TestCreateEncryptsAndTrims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cat := f.category(t, "Databases")

	vpn := true
	v, err := f.creds.Create(ctx, f.admin, models.CredentialFields{
		CategoryID:        cat.ID,
		Name:              "  prod-db ",
		HostOrURL:         " db.internal:5432 ",
		Username:          " app ",
		Password:          "  p@ss  ",
		ConnectionString:  "postgres://app@db.internal/prod",
		Notes:             "rotate quarterly",
		ServerVPNRequired: &vpn,
	})
	require.NoError(t, err)
	assert.Equal(t, "prod-db", v.Name)
	assert.Equal(t, "db.internal:5432", v.HostOrURL)
	assert.Equal(t, "app", v.Username)
	require.NotNil(t, v.Password)
	assert.Equal(t, "  p@ss  ", *v.Password, "secret fields are not trimmed")
	assert.True(t, v.CanViewSecret)

	stored, err := f.store.GetCredential(ctx, v.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.EncryptedPassword, "p@ss")
	assert.NotContains(t, stored.EncryptedConnectionString, "postgres://")
	plain, err := f.cipher.Decrypt(stored.EncryptedNotes)
	require.NoError(t, err)
	assert.Equal(t, "rotate quarterly", plain)
}

func TestCreateRequiresAdminAndCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cat := f.category(t, "Infra")

	_, err := f.creds.Create(ctx, f.u1, models.CredentialFields{CategoryID: cat.ID, Name: "x"})
	assert.ErrorIs(t, err, policy.ErrForbidden)

	_, err = f.creds.Create(ctx, f.admin, models.CredentialFields{CategoryID: uuid.New(), Name: "x"})
	assert.ErrorIs(t, err, ErrCategoryNotFound)

	_, err = f.creds.Create(ctx, f.admin, models.CredentialFields{CategoryID: cat.ID, Name: "   "})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

// Granting one user access hides the secrets from every other non-admin,
// including users who could read them before the grant existed.
func TestGrantRestrictsSecretVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.credential(t, f.category(t, "Infra").ID, "router", "hunter2")

	v, err := f.creds.Get(ctx, f.u1, c.ID)
	require.NoError(t, err)
	assert.True(t, v.CanViewSecret)
	require.NotNil(t, v.Password)
	assert.Equal(t, "hunter2", *v.Password)

	f.grant(t, f.u2, c.ID)

	v, err = f.creds.Get(ctx, f.u1, c.ID)
	require.NoError(t, err)
	assert.False(t, v.CanViewSecret)
	assert.Nil(t, v.Password)
	assert.Nil(t, v.ConnectionString)
	assert.Nil(t, v.Notes)
	assert.Equal(t, "router", v.Name, "metadata stays visible")

	v, err = f.creds.Get(ctx, f.u2, c.ID)
	require.NoError(t, err)
	assert.True(t, v.CanViewSecret)
	require.NotNil(t, v.Password)

	v, err = f.creds.Get(ctx, f.admin, c.ID)
	require.NoError(t, err)
	assert.True(t, v.CanViewSecret)
}

func TestListOrderAndVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	infra := f.category(t, "Infra")
	apps := f.category(t, "Apps")
	first := f.credential(t, infra.ID, "first", "a")
	second := f.credential(t, apps.ID, "second", "b")
	f.grant(t, f.u2, first.ID)

	list, err := f.creds.List(ctx, f.u1, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "most recently updated first")
	assert.True(t, list[0].CanViewSecret)
	assert.False(t, list[1].CanViewSecret)
	assert.Nil(t, list[1].Password)

	list, err = f.creds.List(ctx, f.u1, &infra.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
}

func TestUpdateDeniedOnceRestricted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cat := f.category(t, "Infra")
	c := f.credential(t, cat.ID, "router", "hunter2")
	in := models.CredentialFields{CategoryID: cat.ID, Name: "router", Password: "changed"}

	v, err := f.creds.Update(ctx, f.u1, c.ID, in)
	require.NoError(t, err, "unrestricted credentials are editable by users")
	assert.Equal(t, "changed", *v.Password)
	assert.False(t, v.UpdatedAt.Before(c.UpdatedAt))

	f.grant(t, f.u2, c.ID)
	_, err = f.creds.Update(ctx, f.u1, c.ID, in)
	assert.ErrorIs(t, err, policy.ErrForbidden)

	_, err = f.creds.Update(ctx, f.u2, c.ID, in)
	assert.NoError(t, err)

	_, err = f.creds.Update(ctx, f.admin, uuid.New(), in)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	in.CategoryID = uuid.New()
	_, err = f.creds.Update(ctx, f.admin, c.ID, in)
	assert.ErrorIs(t, err, ErrCategoryNotFound)
}

func TestDeleteRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cat := f.category(t, "Infra")
	c := f.credential(t, cat.ID, "router", "hunter2")

	assert.ErrorIs(t, f.creds.Delete(ctx, f.u1, c.ID), policy.ErrForbidden)
	assert.ErrorIs(t, f.creds.Delete(ctx, f.u1, uuid.New()), storage.ErrNotFound,
		"missing records are reported as missing, not forbidden")

	f.grant(t, f.u1, c.ID)
	require.NoError(t, f.creds.Delete(ctx, f.u1, c.ID))
	_, err := f.creds.Get(ctx, f.admin, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCorruptCiphertextFailsOnlyForViewers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.credential(t, f.category(t, "Infra").ID, "router", "hunter2")

	stored, err := f.store.GetCredential(ctx, c.ID)
	require.NoError(t, err)
	stored.EncryptedPassword = "bm90LWEtcmVhbC1jaXBoZXJ0ZXh0LWF0LWFsbA=="
	require.NoError(t, f.store.UpdateCredential(ctx, stored))

	_, err = f.creds.Get(ctx, f.admin, c.ID)
	assert.ErrorIs(t, err, crypto.ErrMalformedCiphertext)

	f.grant(t, f.u2, c.ID)
	v, err := f.creds.Get(ctx, f.u1, c.ID)
	require.NoError(t, err, "no decryption happens for callers who cannot see secrets")
	assert.Nil(t, v.Password)
}

func TestCategoryManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.categories.Create(ctx, f.u1, CategoryInput{Name: "Infra"})
	assert.ErrorIs(t, err, policy.ErrForbidden)

	cat := f.category(t, " Infra ")
	assert.Equal(t, "Infra", cat.Name)
	_, err = f.categories.Create(ctx, f.admin, CategoryInput{Name: "Infra"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	updated, err := f.categories.Update(ctx, f.admin, cat.ID, CategoryInput{Name: "Network", Description: "routers"})
	require.NoError(t, err)
	assert.Equal(t, "Network", updated.Name)
	_, err = f.categories.Update(ctx, f.admin, uuid.New(), CategoryInput{Name: "Other"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	c := f.credential(t, cat.ID, "router", "hunter2")
	require.NoError(t, f.categories.Delete(ctx, f.admin, cat.ID))
	_, err = f.store.GetCredential(ctx, c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "credentials go with their category")
}
