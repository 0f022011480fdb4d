package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/credvault/pkg/models"
)

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// pgErr maps driver errors onto the package sentinels.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pe.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", ErrNotFound, pe.ConstraintName)
		}
	}
	return err
}

func affected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Accounts ---

const accountColumns = `id, email, password_hash, role, created_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var role string
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &role, &a.CreatedAt); err != nil {
		return nil, pgErr(err)
	}
	a.Role = models.Role(role)
	return &a, nil
}

func (p *PostgresBackend) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Email, a.PasswordHash, string(a.Role), a.CreatedAt,
	)
	return pgErr(err)
}

// bootstrapLockKey names the advisory lock held while the first account is created.
const bootstrapLockKey = 0x63726564766c74

func (p *PostgresBackend) CreateFirstAccount(ctx context.Context, a *models.Account) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(bootstrapLockKey)); err != nil {
		return fmt.Errorf("locking bootstrap: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts)`).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrAccountsExist
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (id, email, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Email, a.PasswordHash, string(a.Role), a.CreatedAt,
	); err != nil {
		return pgErr(err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (p *PostgresBackend) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

func (p *PostgresBackend) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) UpdateAccount(ctx context.Context, a *models.Account) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE accounts SET email = $2, password_hash = $3, role = $4 WHERE id = $1`,
		a.ID, a.Email, a.PasswordHash, string(a.Role),
	)
	if err != nil {
		return pgErr(err)
	}
	return affected(tag)
}

func (p *PostgresBackend) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (p *PostgresBackend) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count)
	return count, err
}

// --- Categories ---

func (p *PostgresBackend) CreateCategory(ctx context.Context, c *models.Category) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO categories (id, name, description) VALUES ($1, $2, $3)`,
		c.ID, c.Name, c.Description,
	)
	return pgErr(err)
}

func (p *PostgresBackend) GetCategory(ctx context.Context, id uuid.UUID) (*models.Category, error) {
	var c models.Category
	err := p.pool.QueryRow(ctx, `SELECT id, name, description FROM categories WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		return nil, pgErr(err)
	}
	return &c, nil
}

func (p *PostgresBackend) ListCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, name, description FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
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

func (p *PostgresBackend) UpdateCategory(ctx context.Context, c *models.Category) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE categories SET name = $2, description = $3 WHERE id = $1`,
		c.ID, c.Name, c.Description,
	)
	if err != nil {
		return pgErr(err)
	}
	return affected(tag)
}

func (p *PostgresBackend) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(tag)
}

// --- Credentials ---

const credentialColumns = `id, category_id, name, host_or_url, username,
	encrypted_password, encrypted_connection_string, encrypted_notes,
	app_name, app_link, account_first_name, account_last_name, account_email, account_role,
	server_vpn_required, created_at, updated_at`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	var c models.Credential
	err := row.Scan(&c.ID, &c.CategoryID, &c.Name, &c.HostOrURL, &c.Username,
		&c.EncryptedPassword, &c.EncryptedConnectionString, &c.EncryptedNotes,
		&c.AppName, &c.AppLink, &c.AccountFirstName, &c.AccountLastName, &c.AccountEmail, &c.AccountRole,
		&c.ServerVPNRequired, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	return &c, nil
}

func (p *PostgresBackend) CreateCredential(ctx context.Context, c *models.Credential) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.CategoryID, c.Name, c.HostOrURL, c.Username,
		c.EncryptedPassword, c.EncryptedConnectionString, c.EncryptedNotes,
		c.AppName, c.AppLink, c.AccountFirstName, c.AccountLastName, c.AccountEmail, c.AccountRole,
		c.ServerVPNRequired, c.CreatedAt, c.UpdatedAt,
	)
	return pgErr(err)
}

func (p *PostgresBackend) GetCredential(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	return scanCredential(p.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
}

func (p *PostgresBackend) ListCredentials(ctx context.Context, filter CredentialFilter) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials`
	var args []any
	if filter.CategoryID != nil {
		query += ` WHERE category_id = $1`
		args = append(args, *filter.CategoryID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) UpdateCredential(ctx context.Context, c *models.Credential) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE credentials SET category_id = $2, name = $3, host_or_url = $4, username = $5,
		     encrypted_password = $6, encrypted_connection_string = $7, encrypted_notes = $8,
		     app_name = $9, app_link = $10, account_first_name = $11, account_last_name = $12,
		     account_email = $13, account_role = $14, server_vpn_required = $15, updated_at = $16
		 WHERE id = $1`,
		c.ID, c.CategoryID, c.Name, c.HostOrURL, c.Username,
		c.EncryptedPassword, c.EncryptedConnectionString, c.EncryptedNotes,
		c.AppName, c.AppLink, c.AccountFirstName, c.AccountLastName, c.AccountEmail, c.AccountRole,
		c.ServerVPNRequired, c.UpdatedAt,
	)
	if err != nil {
		return pgErr(err)
	}
	return affected(tag)
}

func (p *PostgresBackend) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return affected(tag)
}

func (p *PostgresBackend) CountCredentials(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM credentials`).Scan(&count)
	return count, err
}

// --- Access grants ---

func (p *PostgresBackend) HasAnyGrant(ctx context.Context, credentialID uuid.UUID) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credential_access WHERE credential_id = $1)`, credentialID,
	).Scan(&ok)
	return ok, err
}

func (p *PostgresBackend) HasGrant(ctx context.Context, accountID, credentialID uuid.UUID) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credential_access WHERE account_id = $1 AND credential_id = $2)`,
		accountID, credentialID,
	).Scan(&ok)
	return ok, err
}

func (p *PostgresBackend) collectIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx, query, args...)
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

func (p *PostgresBackend) ListRestrictedCredentialIDs(ctx context.Context) ([]uuid.UUID, error) {
	return p.collectIDs(ctx, `SELECT DISTINCT credential_id FROM credential_access`)
}

func (p *PostgresBackend) ListGrantedCredentialIDs(ctx context.Context, accountID uuid.UUID) ([]uuid.UUID, error) {
	return p.collectIDs(ctx, `SELECT credential_id FROM credential_access WHERE account_id = $1`, accountID)
}

func (p *PostgresBackend) ListGrants(ctx context.Context, accountID uuid.UUID) ([]*models.AccessGrant, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT account_id, credential_id, granted_at FROM credential_access
		 WHERE account_id = $1 ORDER BY granted_at, credential_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AccessGrant
	for rows.Next() {
		var g models.AccessGrant
		if err := rows.Scan(&g.AccountID, &g.CredentialID, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ReplaceGrants(ctx context.Context, accountID uuid.UUID, credentialIDs []uuid.UUID) ([]uuid.UUID, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	var existing []uuid.UUID
	if ids := dedupe(credentialIDs); len(ids) > 0 {
		rows, err := tx.Query(ctx, `SELECT id FROM credentials WHERE id = ANY($1)`, ids)
		if err != nil {
			return nil, err
		}
		found := map[uuid.UUID]bool{}
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			found[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		for _, id := range ids {
			if found[id] {
				existing = append(existing, id)
			}
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM credential_access WHERE account_id = $1`, accountID); err != nil {
		return nil, fmt.Errorf("clearing grants: %w", err)
	}
	now := time.Now().UTC()
	for _, id := range existing {
		if _, err := tx.Exec(ctx,
			`INSERT INTO credential_access (account_id, credential_id, granted_at) VALUES ($1, $2, $3)`,
			accountID, id, now,
		); err != nil {
			return nil, fmt.Errorf("inserting grant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return existing, nil
}

// --- Attachments ---

const fileColumns = `id, credential_id, file_name, content_type, size, path, uploaded_at`

func scanFile(row pgx.Row) (*models.CredentialFile, error) {
	var f models.CredentialFile
	if err := row.Scan(&f.ID, &f.CredentialID, &f.FileName, &f.ContentType, &f.Size, &f.Path, &f.UploadedAt); err != nil {
		return nil, pgErr(err)
	}
	return &f, nil
}

func (p *PostgresBackend) CreateFile(ctx context.Context, f *models.CredentialFile) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO credential_files (`+fileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.CredentialID, f.FileName, f.ContentType, f.Size, f.Path, f.UploadedAt,
	)
	return pgErr(err)
}

func (p *PostgresBackend) GetFile(ctx context.Context, credentialID, fileID uuid.UUID) (*models.CredentialFile, error) {
	return scanFile(p.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM credential_files WHERE credential_id = $1 AND id = $2`,
		credentialID, fileID,
	))
}

func (p *PostgresBackend) ListFiles(ctx context.Context, credentialID uuid.UUID) ([]*models.CredentialFile, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM credential_files WHERE credential_id = $1 ORDER BY uploaded_at`,
		credentialID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CredentialFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) DeleteFile(ctx context.Context, credentialID, fileID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM credential_files WHERE credential_id = $1 AND id = $2`, credentialID, fileID)
	if err != nil {
		return err
	}
	return affected(tag)
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, account_id, operation, path, response_code, response_time_ms, client_ip)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RequestID, e.Timestamp, e.AccountID, e.Operation, e.Path, e.ResponseCode, e.ResponseTimeMs, e.ClientIP,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, account_id, operation, path, response_code, response_time_ms, client_ip FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.AccountID != "" {
		fmt.Fprintf(&query, ` AND account_id = $%d`, n)
		args = append(args, filter.AccountID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.AccountID, &e.Operation,
			&e.Path, &e.ResponseCode, &e.ResponseTimeMs, &e.ClientIP); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
