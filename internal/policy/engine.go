// Package policy decides what an authenticated caller may do with a credential.
//
// Non-admin access follows the grant list of each credential: a credential
// without grants is open to every authenticated account, and the first grant
// narrows it to exactly the granted accounts. Admins bypass grants entirely.
// Decisions are evaluated against storage on every call and never cached.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/org/credvault/pkg/models"
)

// ErrForbidden is returned by the Require* helpers when a caller is denied.
var ErrForbidden = errors.New("forbidden")

// GrantChecker is the minimal interface the Engine needs from storage.
type GrantChecker interface {
	HasAnyGrant(ctx context.Context, credentialID uuid.UUID) (bool, error)
	HasGrant(ctx context.Context, accountID, credentialID uuid.UUID) (bool, error)
	ListRestrictedCredentialIDs(ctx context.Context) ([]uuid.UUID, error)
	ListGrantedCredentialIDs(ctx context.Context, accountID uuid.UUID) ([]uuid.UUID, error)
}

// Engine evaluates credential access for a caller.
type Engine struct {
	store GrantChecker
}

// NewEngine creates a new policy Engine backed by the given storage.
func NewEngine(store GrantChecker) *Engine {
	return &Engine{store: store}
}

// CanViewSecret reports whether the caller may see the decrypted fields of the credential.
func (e *Engine) CanViewSecret(ctx context.Context, caller models.Caller, credentialID uuid.UUID) (bool, error) {
	if caller.IsAdmin() {
		return true, nil
	}
	restricted, err := e.store.HasAnyGrant(ctx, credentialID)
	if err != nil {
		return false, fmt.Errorf("checking grants for %s: %w", credentialID, err)
	}
	if !restricted {
		return true, nil
	}
	return e.granted(ctx, caller, credentialID)
}

// CanCreate reports whether the caller may create credentials.
func (e *Engine) CanCreate(caller models.Caller) bool {
	return caller.IsAdmin()
}

// CanUpdate reports whether the caller may modify the credential. Restriction
// is checked first so that a grant added after the caller last read the
// record takes effect immediately.
func (e *Engine) CanUpdate(ctx context.Context, caller models.Caller, credentialID uuid.UUID) (bool, error) {
	return e.CanViewSecret(ctx, caller, credentialID)
}

// CanDelete reports whether the caller may delete the credential. Unlike
// viewing, an unrestricted credential is not deletable by non-admins.
func (e *Engine) CanDelete(ctx context.Context, caller models.Caller, credentialID uuid.UUID) (bool, error) {
	if caller.IsAdmin() {
		return true, nil
	}
	return e.granted(ctx, caller, credentialID)
}

// CanAccessFile gates attachment upload and download.
func (e *Engine) CanAccessFile(ctx context.Context, caller models.Caller, credentialID uuid.UUID) (bool, error) {
	return e.CanViewSecret(ctx, caller, credentialID)
}

// CanDeleteFile is admin-only regardless of grants.
func (e *Engine) CanDeleteFile(caller models.Caller) bool {
	return caller.IsAdmin()
}

// CanManage covers categories, accounts and grant replacement.
func (e *Engine) CanManage(caller models.Caller) bool {
	return caller.IsAdmin()
}

// Visibility answers CanViewSecret for many credentials with two storage
// round trips instead of one per credential.
type Visibility struct {
	all        bool
	restricted map[uuid.UUID]struct{}
	granted    map[uuid.UUID]struct{}
}

// CanViewSecret reports visibility for a single credential in the snapshot.
func (v *Visibility) CanViewSecret(credentialID uuid.UUID) bool {
	if v.all {
		return true
	}
	if _, ok := v.restricted[credentialID]; !ok {
		return true
	}
	_, ok := v.granted[credentialID]
	return ok
}

// VisibilityFor loads the grant state needed to decide visibility for the
// caller across a listing. The snapshot must not outlive the request.
func (e *Engine) VisibilityFor(ctx context.Context, caller models.Caller) (*Visibility, error) {
	if caller.IsAdmin() {
		return &Visibility{all: true}, nil
	}
	restricted, err := e.store.ListRestrictedCredentialIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing restricted credentials: %w", err)
	}
	granted, err := e.store.ListGrantedCredentialIDs(ctx, caller.AccountID)
	if err != nil {
		return nil, fmt.Errorf("listing grants for %s: %w", caller.AccountID, err)
	}
	return &Visibility{restricted: toSet(restricted), granted: toSet(granted)}, nil
}

// Require converts a decision into ErrForbidden.
func Require(allowed bool, err error) error {
	if err != nil {
		return err
	}
	if !allowed {
		return ErrForbidden
	}
	return nil
}

func (e *Engine) granted(ctx context.Context, caller models.Caller, credentialID uuid.UUID) (bool, error) {
	ok, err := e.store.HasGrant(ctx, caller.AccountID, credentialID)
	if err != nil {
		return false, fmt.Errorf("checking grant for %s on %s: %w", caller.AccountID, credentialID, err)
	}
	return ok, nil
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	s := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
