package domain

import (
	"errors"
	"time"
)

// ExternalIDFailed is stored in ExternalID when a migration attempt failed. It keeps the row out of
// the "not yet attempted" (NULL) set so the migration chain does not pick it up again.
const ExternalIDFailed = "0"

// Field names reported in change-sets for User.
const (
	FieldEmail          = "email"
	FieldPasswordHash   = "passwordHash"
	FieldEnabled        = "enabled"
	FieldEmailConfirmed = "emailConfirmed"
	FieldExternalID     = "externalId"
	FieldSyncError      = "syncError"
	FieldLastLoginAt    = "lastLoginAt"
)

// SyncState summarises the IdP link of a user.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateLinked  SyncState = "linked"
	SyncStateFailed  SyncState = "failed"
)

// User is the local user account mirrored into the IdP.
type User struct {
	ID             string
	Email          string
	PasswordHash   string // already hashed; forwarded to the IdP import as-is
	Enabled        bool
	EmailConfirmed bool
	ExternalID     *string // IdP user id; nil until linked, ExternalIDFailed after a failed migration
	SyncError      *string // last reconciliation failure
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Username is the IdP login name, which mirrors the email address.
func (u *User) Username() string {
	return u.Email
}

// HasExternalID reports whether the user is linked to a real IdP user (sentinel excluded).
func (u *User) HasExternalID() bool {
	return u.ExternalID != nil && *u.ExternalID != "" && *u.ExternalID != ExternalIDFailed
}

// LinkedID returns the IdP user id, or "" when the user is not linked.
func (u *User) LinkedID() string {
	if !u.HasExternalID() {
		return ""
	}
	return *u.ExternalID
}

// SyncState derives pending/linked/failed from ExternalID.
func (u *User) SyncState() SyncState {
	switch {
	case u.ExternalID == nil:
		return SyncStatePending
	case *u.ExternalID == ExternalIDFailed:
		return SyncStateFailed
	default:
		return SyncStateLinked
	}
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

// ChangedFields lists the fields that differ between before and after.
func ChangedFields(before, after *User) []string {
	if before == nil || after == nil {
		return nil
	}
	var fields []string
	if before.Email != after.Email {
		fields = append(fields, FieldEmail)
	}
	if before.PasswordHash != after.PasswordHash {
		fields = append(fields, FieldPasswordHash)
	}
	if before.Enabled != after.Enabled {
		fields = append(fields, FieldEnabled)
	}
	if before.EmailConfirmed != after.EmailConfirmed {
		fields = append(fields, FieldEmailConfirmed)
	}
	if !equalString(before.ExternalID, after.ExternalID) {
		fields = append(fields, FieldExternalID)
	}
	if !equalString(before.SyncError, after.SyncError) {
		fields = append(fields, FieldSyncError)
	}
	if !equalTime(before.LastLoginAt, after.LastLoginAt) {
		fields = append(fields, FieldLastLoginAt)
	}
	return fields
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
