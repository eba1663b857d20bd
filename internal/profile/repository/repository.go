package repository

import (
	"context"

	"idp-user-sync/internal/profile/domain"
)

// Repository defines persistence for per-client profiles.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Profile, error)
	// GetByUser returns the oldest profile of the user across clients, or nil.
	GetByUser(ctx context.Context, userID string) (*domain.Profile, error)
	GetByUserAndClient(ctx context.Context, userID, clientID string) (*domain.Profile, error)
	Create(ctx context.Context, p *domain.Profile) error
	Update(ctx context.Context, p *domain.Profile) error
}
