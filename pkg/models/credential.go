package models

import (
	"time"

	"github.com/google/uuid"
)

// Category groups credential records.
type Category struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
}

// Credential is a stored credential record. The Encrypted* fields hold
// ciphertext tokens and are never plaintext.
type Credential struct {
	ID                        uuid.UUID
	CategoryID                uuid.UUID
	Name                      string
	HostOrURL                 string
	Username                  string
	EncryptedPassword         string
	EncryptedConnectionString string
	EncryptedNotes            string
	AppName                   string
	AppLink                   string
	AccountFirstName          string
	AccountLastName           string
	AccountEmail              string
	AccountRole               string
	ServerVPNRequired         *bool
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// CredentialFields carries the plaintext values submitted when creating or
// updating a credential.
type CredentialFields struct {
	CategoryID        uuid.UUID `json:"categoryId"`
	Name              string    `json:"name"`
	HostOrURL         string    `json:"hostOrUrl"`
	Username          string    `json:"username"`
	Password          string    `json:"password"`
	ConnectionString  string    `json:"connectionString"`
	Notes             string    `json:"notes"`
	AppName           string    `json:"appName"`
	AppLink           string    `json:"appLink"`
	AccountFirstName  string    `json:"accountFirstName"`
	AccountLastName   string    `json:"accountLastName"`
	AccountEmail      string    `json:"accountEmail"`
	AccountRole       string    `json:"accountRole"`
	ServerVPNRequired *bool     `json:"serverVpnRequired"`
}

// CredentialView is a credential as returned to a caller. Secret fields are nil
// when the caller may not see them.
type CredentialView struct {
	ID                uuid.UUID  `json:"id"`
	CategoryID        uuid.UUID  `json:"categoryId"`
	Name              string     `json:"name"`
	HostOrURL         string     `json:"hostOrUrl,omitempty"`
	Username          string     `json:"username,omitempty"`
	Password          *string    `json:"password"`
	ConnectionString  *string    `json:"connectionString"`
	Notes             *string    `json:"notes"`
	AppName           string     `json:"appName,omitempty"`
	AppLink           string     `json:"appLink,omitempty"`
	AccountFirstName  string     `json:"accountFirstName,omitempty"`
	AccountLastName   string     `json:"accountLastName,omitempty"`
	AccountEmail      string     `json:"accountEmail,omitempty"`
	AccountRole       string     `json:"accountRole,omitempty"`
	ServerVPNRequired *bool      `json:"serverVpnRequired,omitempty"`
	Files             []FileInfo `json:"files,omitempty"`
	CanViewSecret     bool       `json:"canViewSecret"`
	CreatedAt         time.Time  `json:"createdAtUtc"`
	UpdatedAt         time.Time  `json:"updatedAtUtc"`
}

// CredentialFile is an attachment stored on disk for a credential.
type CredentialFile struct {
	ID           uuid.UUID
	CredentialID uuid.UUID
	FileName     string
	ContentType  string
	Size         int64
	Path         string
	UploadedAt   time.Time
}

// FileInfo is the public view of an attachment.
type FileInfo struct {
	ID           uuid.UUID `json:"id"`
	CredentialID uuid.UUID `json:"credentialId"`
	FileName     string    `json:"fileName"`
	ContentType  string    `json:"contentType"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAtUtc"`
}

// Info returns the public view of the attachment.
func (f *CredentialFile) Info() FileInfo {
	return FileInfo{
		ID:           f.ID,
		CredentialID: f.CredentialID,
		FileName:     f.FileName,
		ContentType:  f.ContentType,
		Size:         f.Size,
		UploadedAt:   f.UploadedAt,
	}
}

// AccessGrant allows one account to see one restricted credential.
type AccessGrant struct {
	AccountID    uuid.UUID
	CredentialID uuid.UUID
	GrantedAt    time.Time
}
