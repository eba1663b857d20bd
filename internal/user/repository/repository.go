package repository

import (
	"context"
	"unicode/utf8"

	"idp-user-sync/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.User, error)
	Create(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, u *domain.User) error
	// SetExternalID links the user to its IdP id and clears any previous sync error.
	SetExternalID(ctx context.Context, userID, externalID string) error
	// MarkSyncFailed stores the failure sentinel and the reason.
	MarkSyncFailed(ctx context.Context, userID, reason string) error
	// NextUnlinked returns one user whose external id was never set, or nil when none is left.
	NextUnlinked(ctx context.Context) (*domain.User, error)
	// ResetFailed turns failed rows back into not-yet-attempted rows and returns how many changed.
	ResetFailed(ctx context.Context) (int64, error)
	// CountBySyncState returns the number of users per sync state.
	CountBySyncState(ctx context.Context) (map[domain.SyncState]int64, error)
}

// MaxSyncErrorLen matches the sync_error column width.
const MaxSyncErrorLen = 255

// TruncateSyncError shortens reason to the sync_error column width in characters.
func TruncateSyncError(reason string) string {
	if utf8.RuneCountInString(reason) <= MaxSyncErrorLen {
		return reason
	}
	return string([]rune(reason)[:MaxSyncErrorLen])
}
