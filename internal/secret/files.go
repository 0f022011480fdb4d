package secret

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/credvault/internal/policy"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/pkg/models"
)

// ErrFileTooLarge is returned when an upload exceeds the configured limit.
var ErrFileTooLarge = errors.New("file too large")

// FileStore keeps attachment content on disk under <dir>/<credentialID>/<fileID>.
type FileStore struct {
	dir      string
	maxBytes int64
}

// NewFileStore creates the base directory if needed. maxBytes <= 0 disables the size limit.
func NewFileStore(dir string, maxBytes int64) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating files dir: %w", err)
	}
	return &FileStore{dir: dir, maxBytes: maxBytes}, nil
}

func relPath(credentialID, fileID uuid.UUID) string {
	return filepath.Join(credentialID.String(), fileID.String())
}

// write streams r into the file for (credentialID, fileID) and returns its size.
// A partial file is removed on error.
func (fs *FileStore) write(credentialID, fileID uuid.UUID, r io.Reader) (int64, error) {
	dir := filepath.Join(fs.dir, credentialID.String())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("creating credential dir: %w", err)
	}
	full := filepath.Join(fs.dir, relPath(credentialID, fileID))
	f, err := os.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating file: %w", err)
	}

	src := r
	if fs.maxBytes > 0 {
		src = io.LimitReader(r, fs.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && fs.maxBytes > 0 && n > fs.maxBytes {
		err = ErrFileTooLarge
	}
	if err != nil {
		_ = os.Remove(full)
		return 0, err
	}
	return n, nil
}

func (fs *FileStore) open(path string) (*os.File, error) {
	return os.Open(filepath.Join(fs.dir, path))
}

// remove deletes a single attachment. Failures are logged, not returned.
func (fs *FileStore) remove(path string) {
	if fs == nil {
		return
	}
	if err := os.Remove(filepath.Join(fs.dir, path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("attachment removal failed")
	}
}

// RemoveCredential deletes every attachment of a credential. Failures are
// logged, not returned.
func (fs *FileStore) RemoveCredential(credentialID uuid.UUID) {
	if fs == nil {
		return
	}
	if err := os.RemoveAll(filepath.Join(fs.dir, credentialID.String())); err != nil {
		log.Warn().Err(err).Str("credential_id", credentialID.String()).Msg("attachment removal failed")
	}
}

// FileService exposes credential attachments with the same visibility as the
// credential's secret fields. Deletion is reserved for administrators.
type FileService struct {
	store  storage.StorageBackend
	policy *policy.Engine
	files  *FileStore
}

// NewFileService creates a FileService.
func NewFileService(store storage.StorageBackend, pol *policy.Engine, files *FileStore) *FileService {
	return &FileService{store: store, policy: pol, files: files}
}

// Upload is the metadata submitted with attachment content.
type Upload struct {
	FileName    string
	ContentType string
	Body        io.Reader
}

func (s *FileService) authorize(ctx context.Context, caller models.Caller, credentialID uuid.UUID) error {
	if _, err := s.store.GetCredential(ctx, credentialID); err != nil {
		return err
	}
	return policy.Require(s.policy.CanAccessFile(ctx, caller, credentialID))
}

// List returns the attachments of a credential.
func (s *FileService) List(ctx context.Context, caller models.Caller, credentialID uuid.UUID) ([]models.FileInfo, error) {
	if err := s.authorize(ctx, caller, credentialID); err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	out := make([]models.FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, f.Info())
	}
	return out, nil
}

// Upload stores content on disk and then records it.
func (s *FileService) Upload(ctx context.Context, caller models.Caller, credentialID uuid.UUID, up Upload) (models.FileInfo, error) {
	if err := s.authorize(ctx, caller, credentialID); err != nil {
		return models.FileInfo{}, err
	}
	name := cleanFileName(up.FileName)
	if name == "" {
		return models.FileInfo{}, fmt.Errorf("%w: file name is required", models.ErrInvalidInput)
	}
	ctype := up.ContentType
	if ctype == "" {
		ctype = mime.TypeByExtension(filepath.Ext(name))
	}
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	id := uuid.New()
	size, err := s.files.write(credentialID, id, up.Body)
	if err != nil {
		return models.FileInfo{}, err
	}
	f := &models.CredentialFile{
		ID:           id,
		CredentialID: credentialID,
		FileName:     name,
		ContentType:  ctype,
		Size:         size,
		Path:         relPath(credentialID, id),
		UploadedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateFile(ctx, f); err != nil {
		s.files.remove(f.Path)
		return models.FileInfo{}, fmt.Errorf("recording file: %w", err)
	}
	return f.Info(), nil
}

// Open returns the attachment metadata and its content. The caller closes the reader.
func (s *FileService) Open(ctx context.Context, caller models.Caller, credentialID, fileID uuid.UUID) (*models.CredentialFile, io.ReadCloser, error) {
	if err := s.authorize(ctx, caller, credentialID); err != nil {
		return nil, nil, err
	}
	f, err := s.store.GetFile(ctx, credentialID, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.files.open(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	return f, rc, nil
}

// Delete removes an attachment record and then, best effort, its content.
func (s *FileService) Delete(ctx context.Context, caller models.Caller, credentialID, fileID uuid.UUID) error {
	if !s.policy.CanDeleteFile(caller) {
		return policy.ErrForbidden
	}
	f, err := s.store.GetFile(ctx, credentialID, fileID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFile(ctx, credentialID, fileID); err != nil {
		return err
	}
	s.files.remove(f.Path)
	return nil
}

// cleanFileName drops any directory part a client may send.
func cleanFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
