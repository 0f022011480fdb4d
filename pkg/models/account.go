package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRole is returned when a role label is not one of the known roles.
var ErrInvalidRole = errors.New("invalid role")

// ErrInvalidInput marks a request that failed field validation.
var ErrInvalidInput = errors.New("invalid input")

// Role is the privilege level of an account.
type Role string

const (
	RoleAdmin Role = "Admin"
	RoleUser  Role = "User"
)

// ParseRole maps a role label onto a Role. Matching is case-insensitive and a
// blank label yields RoleUser.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	case "user":
		return RoleUser, nil
	default:
		return "", ErrInvalidRole
	}
}

// IsAdmin reports whether the role is privileged.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

// Account is a user able to log in to the vault.
type Account struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	AccountID uuid.UUID
	Email     string
	Role      Role
}

// IsAdmin reports whether the caller holds the Admin role.
func (c Caller) IsAdmin() bool {
	return c.Role.IsAdmin()
}

// Profile is the public view of an account.
type Profile struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Role  Role      `json:"role"`
}

// Profile returns the public view of the account.
func (a *Account) Profile() Profile {
	return Profile{ID: a.ID, Email: a.Email, Role: a.Role}
}

// UserSummary is an account as seen by administrators, with the ids of the
// credentials it has been granted.
type UserSummary struct {
	Profile
	CredentialIDs []uuid.UUID `json:"credentialIds"`
}
