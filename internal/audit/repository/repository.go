package repository

import (
	"context"

	"idp-user-sync/internal/audit/domain"
)

// Repository defines persistence for webhook audit logs.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	// ListByUser returns the newest entries for userID first.
	ListByUser(ctx context.Context, userID string, limit, offset int32) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}
