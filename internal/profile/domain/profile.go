package domain

import (
	"errors"
	"strings"
	"time"
)

// Field names reported in change-sets for Profile.
const (
	FieldFirstName = "firstName"
	FieldLastName  = "lastName"
	FieldNickname  = "nickname"
)

// Profile is the per-client profile of a user. At most one exists per (UserID, ClientID).
type Profile struct {
	ID        string
	UserID    string
	ClientID  string
	FirstName string
	LastName  string
	Nickname  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DisplayName is "first last" with empty parts dropped.
func (p *Profile) DisplayName() string {
	return strings.TrimSpace(strings.Join(strings.Fields(p.FirstName+" "+p.LastName), " "))
}

// Validate validates the profile for persistence.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return errors.New("id is required")
	}
	if p.UserID == "" {
		return errors.New("user_id is required")
	}
	if p.ClientID == "" {
		return errors.New("client_id is required")
	}
	return nil
}

// ChangedFields lists the fields that differ between before and after.
func ChangedFields(before, after *Profile) []string {
	if before == nil || after == nil {
		return nil
	}
	var fields []string
	if before.FirstName != after.FirstName {
		fields = append(fields, FieldFirstName)
	}
	if before.LastName != after.LastName {
		fields = append(fields, FieldLastName)
	}
	if before.Nickname != after.Nickname {
		fields = append(fields, FieldNickname)
	}
	return fields
}
