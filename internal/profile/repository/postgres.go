package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"idp-user-sync/internal/profile/domain"
)

const profileColumns = `id, user_id, client_id, first_name, last_name, nickname, created_at, updated_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a profile repository backed by db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the profile for id, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Profile, error) {
	return r.getOne(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
}

// GetByUser returns the first profile created for the user, or nil if the user has none.
func (r *PostgresRepository) GetByUser(ctx context.Context, userID string) (*domain.Profile, error) {
	return r.getOne(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1 ORDER BY created_at, id LIMIT 1`, userID)
}

// GetByUserAndClient returns the user's profile for clientID, or nil if not found.
func (r *PostgresRepository) GetByUserAndClient(ctx context.Context, userID, clientID string) (*domain.Profile, error) {
	return r.getOne(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1 AND client_id = $2`, userID, clientID)
}

// Create persists the profile. ID must be set by the caller.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.UserID, p.ClientID, nullString(p.FirstName), nullString(p.LastName), nullString(p.Nickname),
		p.CreatedAt, p.UpdatedAt)
	return err
}

// Update writes the name fields of an existing profile.
func (r *PostgresRepository) Update(ctx context.Context, p *domain.Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET first_name = $2, last_name = $3, nickname = $4, updated_at = $5 WHERE id = $1`,
		p.ID, nullString(p.FirstName), nullString(p.LastName), nullString(p.Nickname), p.UpdatedAt)
	return err
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*domain.Profile, error) {
	var (
		p                             domain.Profile
		firstName, lastName, nickname sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.UserID, &p.ClientID, &firstName, &lastName, &nickname, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.FirstName = firstName.String
	p.LastName = lastName.String
	p.Nickname = nickname.String
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
