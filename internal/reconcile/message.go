// Package reconcile keeps local users and the IdP in step: the Dispatcher turns local changes into
// sync messages, the Handler applies them to the IdP, and the Migrator backfills unlinked users one
// record per queue message.
package reconcile

import (
	"context"
	"encoding/json"
	"slices"

	"idp-user-sync/internal/idp"
	profiledomain "idp-user-sync/internal/profile/domain"
	userdomain "idp-user-sync/internal/user/domain"
)

// Action is what the Handler does with a SyncMessage.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// SyncMessage is one IdP write. It is immutable once published.
type SyncMessage struct {
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
	Action  Action          `json:"action"`
	// UserID is the local user to link on a successful create.
	UserID string `json:"userId,omitempty"`
}

// MigrateNext asks the Migrator to process the next unlinked user.
type MigrateNext struct{}

// EntityKind is the kind of entity a Change is about.
type EntityKind int

const (
	EntityUser EntityKind = iota + 1
	EntityProfile
)

func (k EntityKind) String() string {
	switch k {
	case EntityUser:
		return "user"
	case EntityProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// Operation is the lifecycle transition of a Change.
type Operation int

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
)

// ChangeSet lists the field names changed by the current write.
type ChangeSet []string

// HasAny reports whether any of fields changed.
func (c ChangeSet) HasAny(fields ...string) bool {
	for _, f := range fields {
		if slices.Contains(c, f) {
			return true
		}
	}
	return false
}

// Change is a committed local write. User is required for EntityUser, Profile for EntityProfile;
// the other may be supplied to save a lookup.
type Change struct {
	Kind    EntityKind
	Op      Operation
	User    *userdomain.User
	Profile *profiledomain.Profile
	Fields  ChangeSet
}

// UserRepository is the user persistence the sync components need.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
	SetExternalID(ctx context.Context, userID, externalID string) error
	MarkSyncFailed(ctx context.Context, userID, reason string) error
	NextUnlinked(ctx context.Context) (*userdomain.User, error)
}

// ProfileRepository is the profile persistence the sync components need.
type ProfileRepository interface {
	GetByUser(ctx context.Context, userID string) (*profiledomain.Profile, error)
}

// IdP is the part of *idp.Client the sync components call.
type IdP interface {
	Post(ctx context.Context, path string, body any) (*idp.Response, error)
	Put(ctx context.Context, path string, body any) (*idp.Response, error)
	Paths() idp.Paths
}
