package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"idp-user-sync/internal/user/domain"
)

const userColumns = `id, email, password_hash, enabled, email_confirmed, external_id, sync_error, last_login_at, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a user repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the user for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByEmail returns the user with the given email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetByExternalID returns the user linked to the given IdP id, or nil if not found.
func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	if externalID == "" || externalID == domain.ExternalIDFailed {
		return nil, nil
	}
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
}

// Create persists the user to the database. The user must have ID set; it is not assigned by this method.
func (r *PostgresRepository) Create(ctx context.Context, u *domain.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Email, nullString(u.PasswordHash), u.Enabled, u.EmailConfirmed,
		u.ExternalID, u.SyncError, u.LastLoginAt, u.CreatedAt, u.UpdatedAt)
	return err
}

// Update updates the existing user record in the database. No-op if the row is gone.
func (r *PostgresRepository) Update(ctx context.Context, u *domain.User) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET email = $2, password_hash = $3, enabled = $4, email_confirmed = $5,
		        external_id = $6, sync_error = $7, last_login_at = $8, updated_at = $9
		 WHERE id = $1`,
		u.ID, u.Email, nullString(u.PasswordHash), u.Enabled, u.EmailConfirmed,
		u.ExternalID, u.SyncError, u.LastLoginAt, u.UpdatedAt)
	return err
}

// SetExternalID links the user to externalID and clears sync_error.
func (r *PostgresRepository) SetExternalID(ctx context.Context, userID, externalID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET external_id = $2, sync_error = NULL, updated_at = $3 WHERE id = $1`,
		userID, externalID, time.Now().UTC())
	return err
}

// MarkSyncFailed stores the failure sentinel and reason (truncated to the column width).
func (r *PostgresRepository) MarkSyncFailed(ctx context.Context, userID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET external_id = $2, sync_error = $3, updated_at = $4 WHERE id = $1`,
		userID, domain.ExternalIDFailed, nullString(TruncateSyncError(reason)), time.Now().UTC())
	return err
}

// NextUnlinked returns the oldest user with external_id IS NULL, or nil when none is left.
func (r *PostgresRepository) NextUnlinked(ctx context.Context) (*domain.User, error) {
	return r.getOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id IS NULL ORDER BY created_at, id LIMIT 1`)
}

// ResetFailed sets external_id back to NULL for every failed row so the migration retries them.
func (r *PostgresRepository) ResetFailed(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET external_id = NULL, updated_at = $2 WHERE external_id = $1`,
		domain.ExternalIDFailed, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountBySyncState returns pending/linked/failed totals.
func (r *PostgresRepository) CountBySyncState(ctx context.Context) (map[domain.SyncState]int64, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT count(*) FILTER (WHERE external_id IS NULL),
		        count(*) FILTER (WHERE external_id IS NOT NULL AND external_id <> $1),
		        count(*) FILTER (WHERE external_id = $1)
		 FROM users`, domain.ExternalIDFailed)
	var pending, linked, failed int64
	if err := row.Scan(&pending, &linked, &failed); err != nil {
		return nil, err
	}
	return map[domain.SyncState]int64{
		domain.SyncStatePending: pending,
		domain.SyncStateLinked:  linked,
		domain.SyncStateFailed:  failed,
	}, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u            domain.User
		passwordHash sql.NullString
		externalID   sql.NullString
		syncError    sql.NullString
		lastLoginAt  sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &passwordHash, &u.Enabled, &u.EmailConfirmed,
		&externalID, &syncError, &lastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = passwordHash.String
	if externalID.Valid {
		u.ExternalID = &externalID.String
	}
	if syncError.Valid {
		u.SyncError = &syncError.String
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
