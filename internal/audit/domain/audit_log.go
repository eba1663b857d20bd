package domain

import "time"

// Actions recorded for inbound webhooks.
const (
	ActionRegister      = "register"
	ActionLink          = "link"
	ActionLogin         = "login"
	ActionDeactivate    = "deactivate"
	ActionProfileUpdate = "profile_update"
)

// Resources an action applies to.
const (
	ResourceUser    = "user"
	ResourceProfile = "profile"
)

// AuditLog represents one applied webhook.
type AuditLog struct {
	ID        string
	ClientID  string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
