package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/credvault/pkg/models"
)

// mockGrantStore is a minimal in-memory GrantChecker for testing.
type mockGrantStore struct {
	grants map[uuid.UUID]map[uuid.UUID]bool // credential -> account
	err    error
}

func newMockStore() *mockGrantStore {
	return &mockGrantStore{grants: map[uuid.UUID]map[uuid.UUID]bool{}}
}

func (m *mockGrantStore) grant(accountID, credentialID uuid.UUID) {
	if m.grants[credentialID] == nil {
		m.grants[credentialID] = map[uuid.UUID]bool{}
	}
	m.grants[credentialID][accountID] = true
}

func (m *mockGrantStore) HasAnyGrant(_ context.Context, credentialID uuid.UUID) (bool, error) {
	return len(m.grants[credentialID]) > 0, m.err
}

func (m *mockGrantStore) HasGrant(_ context.Context, accountID, credentialID uuid.UUID) (bool, error) {
	return m.grants[credentialID][accountID], m.err
}

func (m *mockGrantStore) ListRestrictedCredentialIDs(context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, accounts := range m.grants {
		if len(accounts) > 0 {
			ids = append(ids, id)
		}
	}
	return ids, m.err
}

func (m *mockGrantStore) ListGrantedCredentialIDs(_ context.Context, accountID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, accounts := range m.grants {
		if accounts[accountID] {
			ids = append(ids, id)
		}
	}
	return ids, m.err
}

func user() models.Caller {
	return models.Caller{AccountID: uuid.New(), Role: models.RoleUser}
}

func admin() models.Caller {
	return models.Caller{AccountID: uuid.New(), Role: models.RoleAdmin}
}

func mustView(t *testing.T, e *Engine, c models.Caller, id uuid.UUID) bool {
	t.Helper()
	ok, err := e.CanViewSecret(context.Background(), c, id)
	require.NoError(t, err)
	return ok
}

// The first grant on a credential flips it from open-to-all to
// granted-accounts-only. Accounts that could see it a moment ago lose access.
func TestFirstGrantRestrictsOtherUsers(t *testing.T) {
	store := newMockStore()
	eng := NewEngine(store)
	cred := uuid.New()
	u1, u2, a := user(), user(), admin()

	assert.True(t, mustView(t, eng, u1, cred), "ungranted credential is open to every user")
	assert.True(t, mustView(t, eng, u2, cred))

	store.grant(u2.AccountID, cred)

	assert.False(t, mustView(t, eng, u1, cred), "u1 loses access once u2 is granted")
	assert.True(t, mustView(t, eng, u2, cred))
	assert.True(t, mustView(t, eng, a, cred), "admins ignore grants")
}

func TestUpdateFollowsRestriction(t *testing.T) {
	store := newMockStore()
	eng := NewEngine(store)
	ctx := context.Background()
	cred := uuid.New()
	u1, u2 := user(), user()

	ok, err := eng.CanUpdate(ctx, u1, cred)
	require.NoError(t, err)
	assert.True(t, ok)

	store.grant(u2.AccountID, cred)

	ok, err = eng.CanUpdate(ctx, u1, cred)
	require.NoError(t, err)
	assert.False(t, ok, "restriction is re-evaluated on every call")

	ok, err = eng.CanUpdate(ctx, u2, cred)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRequiresAdminOrGrant(t *testing.T) {
	store := newMockStore()
	eng := NewEngine(store)
	ctx := context.Background()
	cred := uuid.New()
	u := user()

	ok, err := eng.CanDelete(ctx, u, cred)
	require.NoError(t, err)
	assert.False(t, ok, "open credentials are not deletable by users")

	store.grant(u.AccountID, cred)
	ok, err = eng.CanDelete(ctx, u, cred)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = eng.CanDelete(ctx, admin(), uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRoleOnlyDecisions(t *testing.T) {
	eng := NewEngine(newMockStore())
	u, a := user(), admin()

	assert.False(t, eng.CanCreate(u))
	assert.True(t, eng.CanCreate(a))
	assert.False(t, eng.CanDeleteFile(u))
	assert.True(t, eng.CanDeleteFile(a))
	assert.False(t, eng.CanManage(u))
	assert.True(t, eng.CanManage(a))
}

func TestFileAccessMatchesSecretVisibility(t *testing.T) {
	store := newMockStore()
	eng := NewEngine(store)
	ctx := context.Background()
	cred := uuid.New()
	u1, u2 := user(), user()
	store.grant(u2.AccountID, cred)

	for _, c := range []models.Caller{u1, u2, admin()} {
		view, err := eng.CanViewSecret(ctx, c, cred)
		require.NoError(t, err)
		file, err := eng.CanAccessFile(ctx, c, cred)
		require.NoError(t, err)
		assert.Equal(t, view, file)
	}
}

func TestVisibilityMatchesSingleDecisions(t *testing.T) {
	store := newMockStore()
	eng := NewEngine(store)
	ctx := context.Background()
	open, mine, theirs := uuid.New(), uuid.New(), uuid.New()
	u1, u2 := user(), user()
	store.grant(u1.AccountID, mine)
	store.grant(u2.AccountID, theirs)

	for _, c := range []models.Caller{u1, u2, admin()} {
		vis, err := eng.VisibilityFor(ctx, c)
		require.NoError(t, err)
		for _, id := range []uuid.UUID{open, mine, theirs} {
			assert.Equal(t, mustView(t, eng, c, id), vis.CanViewSecret(id))
		}
	}
}

func TestStorageErrorsFailClosed(t *testing.T) {
	store := newMockStore()
	store.err = errors.New("connection reset")
	eng := NewEngine(store)

	ok, err := eng.CanViewSecret(context.Background(), user(), uuid.New())
	assert.Error(t, err)
	assert.False(t, ok)

	_, err = eng.VisibilityFor(context.Background(), user())
	assert.Error(t, err)
}

func TestRequire(t *testing.T) {
	assert.NoError(t, Require(true, nil))
	assert.ErrorIs(t, Require(false, nil), ErrForbidden)

	boom := errors.New("boom")
	assert.ErrorIs(t, Require(true, boom), boom)
}
