package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/org/credvault/pkg/models"
)

// sqliteTimeFormat is fixed width so that lexical order matches time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteBackend is a StorageBackend backed by an SQLite file. Writes go
// through a single connection to avoid "database is locked" errors; reads
// use a small separate pool.
type SQLiteBackend struct {
	writer *sql.DB
	reader *sql.DB
}

// NewSQLiteBackend opens the database at path, applies migrations and returns a ready backend.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)
	return openSQLite(ctx, dsn)
}

func openSQLite(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.PingContext(ctx); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("pinging sqlite writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("opening sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.PingContext(ctx); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("pinging sqlite reader: %w", err)
	}

	if err := RunSQLiteMigrations(writer); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, err
	}
	return &SQLiteBackend{writer: writer, reader: reader}, nil
}

func (s *SQLiteBackend) Close() {
	_ = s.reader.Close()
	_ = s.writer.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(v string) (time.Time, error) {
	formats := []string{
		sqliteTimeFormat,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}
	for _, f := range formats {
		if t, err := time.Parse(f, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %s", v)
}

// liteErr maps driver errors onto the package sentinels.
func liteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		msg := se.Error()
		switch {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY,
			code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "UNIQUE"):
			return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
		case code == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY,
			code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(msg, "FOREIGN KEY"):
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
	}
	return err
}

func rowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Accounts ---

func scanLiteAccount(row scanner) (*models.Account, error) {
	var a models.Account
	var role, created string
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &role, &created); err != nil {
		return nil, liteErr(err)
	}
	a.Role = models.Role(role)
	t, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	a.CreatedAt = t
	return &a, nil
}

func (s *SQLiteBackend) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.PasswordHash, string(a.Role), formatTime(a.CreatedAt),
	)
	return liteErr(err)
}

// CreateFirstAccount relies on the single writer connection: the
// conditional insert is one statement on a serialized handle.
func (s *SQLiteBackend) CreateFirstAccount(ctx context.Context, a *models.Account) error {
	res, err := s.writer.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, role, created_at)
		 SELECT ?, ?, ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM accounts)`,
		a.ID, a.Email, a.PasswordHash, string(a.Role), formatTime(a.CreatedAt),
	)
	if err != nil {
		return liteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountsExist
	}
	return nil
}

func (s *SQLiteBackend) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanLiteAccount(s.reader.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (s *SQLiteBackend) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanLiteAccount(s.reader.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email))
}

func (s *SQLiteBackend) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanLiteAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) UpdateAccount(ctx context.Context, a *models.Account) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE accounts SET email = ?, password_hash = ?, role = ? WHERE id = ?`,
		a.Email, a.PasswordHash, string(a.Role), a.ID,
	)
	if err != nil {
		return liteErr(err)
	}
	return rowsAffected(res)
}

func (s *SQLiteBackend) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

func (s *SQLiteBackend) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count)
	return count, err
}

// --- Categories ---

func (s *SQLiteBackend) CreateCategory(ctx context.Context, c *models.Category) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO categories (id, name, description) VALUES (?, ?, ?)`,
		c.ID, c.Name, c.Description,
	)
	return liteErr(err)
}

func (s *SQLiteBackend) GetCategory(ctx context.Context, id uuid.UUID) (*models.Category, error) {
	var c models.Category
	err := s.reader.QueryRowContext(ctx, `SELECT id, name, description FROM categories WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		return nil, liteErr(err)
	}
	return &c, nil
}

func (s *SQLiteBackend) ListCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT id, name, description FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []*models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) UpdateCategory(ctx context.Context, c *models.Category) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE categories SET name = ?, description = ? WHERE id = ?`,
		c.Name, c.Description, c.ID,
	)
	if err != nil {
		return liteErr(err)
	}
	return rowsAffected(res)
}

func (s *SQLiteBackend) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

// --- Credentials ---

func scanLiteCredential(row scanner) (*models.Credential, error) {
	var c models.Credential
	var vpn sql.NullBool
	var created, updated string
	err := row.Scan(&c.ID, &c.CategoryID, &c.Name, &c.HostOrURL, &c.Username,
		&c.EncryptedPassword, &c.EncryptedConnectionString, &c.EncryptedNotes,
		&c.AppName, &c.AppLink, &c.AccountFirstName, &c.AccountLastName, &c.AccountEmail, &c.AccountRole,
		&vpn, &created, &updated)
	if err != nil {
		return nil, liteErr(err)
	}
	if vpn.Valid {
		v := vpn.Bool
		c.ServerVPNRequired = &v
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func (s *SQLiteBackend) CreateCredential(ctx context.Context, c *models.Credential) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CategoryID, c.Name, c.HostOrURL, c.Username,
		c.EncryptedPassword, c.EncryptedConnectionString, c.EncryptedNotes,
		c.AppName, c.AppLink, c.AccountFirstName, c.AccountLastName, c.AccountEmail, c.AccountRole,
		nullBool(c.ServerVPNRequired), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return liteErr(err)
}

func (s *SQLiteBackend) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	return scanLiteCredential(s.reader.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
}

func (s *SQLiteBackend) ListCredentials(ctx context.Context, filter CredentialFilter) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials`
	var args []any
	if filter.CategoryID != nil {
		query += ` WHERE category_id = ?`
		args = append(args, *filter.CategoryID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanLiteCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) UpdateCredential(ctx context.Context, c *models.Credential) error {
	res, err := s.writer.ExecContext(ctx,
		`UPDATE credentials SET category_id = ?, name = ?, host_or_url = ?, username = ?,
		     encrypted_password = ?, encrypted_connection_string = ?, encrypted_notes = ?,
		     app_name = ?, app_link = ?, account_first_name = ?, account_last_name = ?,
		     account_email = ?, account_role = ?, server_vpn_required = ?, updated_at = ?
		 WHERE id = ?`,
		c.CategoryID, c.Name, c.HostOrURL, c.Username,
		c.EncryptedPassword, c.EncryptedConnectionString, c.EncryptedNotes,
		c.AppName, c.AppLink, c.AccountFirstName, c.AccountLastName, c.AccountEmail, c.AccountRole,
		nullBool(c.ServerVPNRequired), formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return liteErr(err)
	}
	return rowsAffected(res)
}

func (s *SQLiteBackend) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

func (s *SQLiteBackend) CountCredentials(ctx context.Context) (int64, error) {
	var count int64
	err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&count)
	return count, err
}

// --- Access grants ---

func (s *SQLiteBackend) HasAnyGrant(ctx context.Context, credentialID uuid.UUID) (bool, error) {
	var ok bool
	err := s.reader.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credential_access WHERE credential_id = ?)`, credentialID,
	).Scan(&ok)
	return ok, err
}

func (s *SQLiteBackend) HasGrant(ctx context.Context, accountID, credentialID uuid.UUID) (bool, error) {
	var ok bool
	err := s.reader.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credential_access WHERE account_id = ? AND credential_id = ?)`,
		accountID, credentialID,
	).Scan(&ok)
	return ok, err
}

func (s *SQLiteBackend) collectIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteBackend) ListRestrictedCredentialIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.collectIDs(ctx, `SELECT DISTINCT credential_id FROM credential_access`)
}

func (s *SQLiteBackend) ListGrantedCredentialIDs(ctx context.Context, accountID uuid.UUID) ([]uuid.UUID, error) {
	return s.collectIDs(ctx, `SELECT credential_id FROM credential_access WHERE account_id = ?`, accountID)
}

func (s *SQLiteBackend) ListGrants(ctx context.Context, accountID uuid.UUID) ([]*models.AccessGrant, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT account_id, credential_id, granted_at FROM credential_access
		 WHERE account_id = ? ORDER BY granted_at, credential_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []*models.AccessGrant
	for rows.Next() {
		var g models.AccessGrant
		var granted string
		if err := rows.Scan(&g.AccountID, &g.CredentialID, &granted); err != nil {
			return nil, err
		}
		if g.GrantedAt, err = parseTime(granted); err != nil {
			return nil, fmt.Errorf("parse granted_at: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) ReplaceGrants(ctx context.Context, accountID uuid.UUID, credentialIDs []uuid.UUID) ([]uuid.UUID, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = ?)`, accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	var existing []uuid.UUID
	for _, id := range dedupe(credentialIDs) {
		var ok bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM credentials WHERE id = ?)`, id).Scan(&ok); err != nil {
			return nil, err
		}
		if ok {
			existing = append(existing, id)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM credential_access WHERE account_id = ?`, accountID); err != nil {
		return nil, fmt.Errorf("clearing grants: %w", err)
	}
	now := formatTime(time.Now())
	for _, id := range existing {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credential_access (account_id, credential_id, granted_at) VALUES (?, ?, ?)`,
			accountID, id, now,
		); err != nil {
			return nil, fmt.Errorf("inserting grant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return existing, nil
}

// --- Attachments ---

func scanLiteFile(row scanner) (*models.CredentialFile, error) {
	var f models.CredentialFile
	var uploaded string
	if err := row.Scan(&f.ID, &f.CredentialID, &f.FileName, &f.ContentType, &f.Size, &f.Path, &uploaded); err != nil {
		return nil, liteErr(err)
	}
	t, err := parseTime(uploaded)
	if err != nil {
		return nil, fmt.Errorf("parse uploaded_at: %w", err)
	}
	f.UploadedAt = t
	return &f, nil
}

func (s *SQLiteBackend) CreateFile(ctx context.Context, f *models.CredentialFile) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO credential_files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CredentialID, f.FileName, f.ContentType, f.Size, f.Path, formatTime(f.UploadedAt),
	)
	return liteErr(err)
}

func (s *SQLiteBackend) GetFile(ctx context.Context, credentialID, fileID uuid.UUID) (*models.CredentialFile, error) {
	return scanLiteFile(s.reader.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM credential_files WHERE credential_id = ? AND id = ?`,
		credentialID, fileID,
	))
}

func (s *SQLiteBackend) ListFiles(ctx context.Context, credentialID uuid.UUID) ([]*models.CredentialFile, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM credential_files WHERE credential_id = ? ORDER BY uploaded_at`,
		credentialID,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*models.CredentialFile
	for rows.Next() {
		f, err := scanLiteFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) DeleteFile(ctx context.Context, credentialID, fileID uuid.UUID) error {
	res, err := s.writer.ExecContext(ctx,
		`DELETE FROM credential_files WHERE credential_id = ? AND id = ?`, credentialID, fileID)
	if err != nil {
		return err
	}
	return rowsAffected(res)
}

// --- Audit ---

func (s *SQLiteBackend) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO audit_log (request_id, timestamp, account_id, operation, path, response_code, response_time_ms, client_ip)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, formatTime(e.Timestamp), e.AccountID, e.Operation, e.Path, e.ResponseCode, e.ResponseTimeMs, e.ClientIP,
	)
	return err
}

func (s *SQLiteBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, account_id, operation, path, response_code, response_time_ms, client_ip FROM audit_log WHERE 1=1`)
	args := []any{}
	if filter.Path != "" {
		query.WriteString(` AND path LIKE ?`)
		args = append(args, filter.Path+"%")
	}
	if filter.AccountID != "" {
		query.WriteString(` AND account_id = ?`)
		args = append(args, filter.AccountID)
	}
	if filter.Since != nil {
		query.WriteString(` AND timestamp >= ?`)
		args = append(args, formatTime(*filter.Since))
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.reader.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.AccountID, &e.Operation,
			&e.Path, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
