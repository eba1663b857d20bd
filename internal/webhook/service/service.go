// Package service applies inbound IdP webhooks (registration, login, deactivation, profile edits)
// to the local store and forwards the resulting changes to the sync dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"idp-user-sync/internal/audit"
	auditdomain "idp-user-sync/internal/audit/domain"
	profiledomain "idp-user-sync/internal/profile/domain"
	"idp-user-sync/internal/reconcile"
	"idp-user-sync/internal/security"
	userdomain "idp-user-sync/internal/user/domain"
)

// Sentinel errors; the HTTP handler reports all of them as {"success":false}.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownClient  = errors.New("callback url does not belong to a known client")
	ErrUserNotFound   = errors.New("user not found")
	ErrProfileMissing = errors.New("profile not found")
)

// UserRepo is the user persistence the webhook service needs.
type UserRepo interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
	Update(ctx context.Context, u *userdomain.User) error
	SetExternalID(ctx context.Context, userID, externalID string) error
}

// ProfileRepo is the profile persistence the webhook service needs.
type ProfileRepo interface {
	GetByUserAndClient(ctx context.Context, userID, clientID string) (*profiledomain.Profile, error)
	Create(ctx context.Context, p *profiledomain.Profile) error
	Update(ctx context.Context, p *profiledomain.Profile) error
}

// Dispatcher receives every committed local change.
type Dispatcher interface {
	Dispatch(ctx context.Context, ch reconcile.Change) error
}

// RegisterInput is the payload of the registration webhook.
type RegisterInput struct {
	ExternalID  string `json:"idpUserId"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Password    string `json:"password"`
	CallbackURL string `json:"callbackUrl"`
}

// LoginInput is the payload of the login webhook. UserName is the IdP login name (the email).
type LoginInput struct {
	ExternalID     string `json:"idpUserId"`
	UserName       string `json:"userName"`
	LoginTimestamp string `json:"loginTimestamp"`
	CallbackURL    string `json:"callbackUrl"`
}

// DeactivateInput is the payload of the deactivation webhook.
type DeactivateInput struct {
	ExternalID  string `json:"idpUserId"`
	CallbackURL string `json:"callbackUrl"`
}

// ProfileInput is the payload of the profile update webhook. Empty names are left unchanged.
type ProfileInput struct {
	ExternalID  string `json:"idpUserId"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	CallbackURL string `json:"callbackUrl"`
}

// Service applies IdP webhooks to local users and profiles.
type Service struct {
	users      UserRepo
	profiles   ProfileRepo
	clients    ClientResolver
	hasher     *security.Hasher
	dispatcher Dispatcher
	auditLog   audit.AuditLogger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAuditLogger records every applied webhook through l.
func WithAuditLogger(l audit.AuditLogger) Option {
	return func(s *Service) { s.auditLog = l }
}

// NewService returns a Service. dispatcher may be nil; then local writes are not forwarded.
func NewService(users UserRepo, profiles ProfileRepo, clients ClientResolver, hasher *security.Hasher, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		users:      users,
		profiles:   profiles,
		clients:    clients,
		hasher:     hasher,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register links an existing user to the IdP id, or creates the user and its client profile.
// A known user without a profile for the client gets one.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*userdomain.User, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	firstName, lastName := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	if email == "" || firstName == "" || lastName == "" || strings.TrimSpace(in.ExternalID) == "" {
		return nil, ErrInvalidRequest
	}
	clientID, ok := s.clients.ClientIDForCallback(in.CallbackURL)
	if !ok {
		return nil, ErrUnknownClient
	}
	externalID := strings.TrimSpace(in.ExternalID)

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("webhook: look up user: %w", err)
	}
	if u == nil {
		return s.createUser(ctx, email, firstName, lastName, in.Password, clientID, externalID)
	}

	p, err := s.profiles.GetByUserAndClient(ctx, u.ID, clientID)
	if err != nil {
		return nil, fmt.Errorf("webhook: look up profile: %w", err)
	}
	if err := s.users.SetExternalID(ctx, u.ID, externalID); err != nil {
		return nil, fmt.Errorf("webhook: link user: %w", err)
	}
	before := *u
	u.ExternalID = &externalID
	u.SyncError = nil
	s.dispatch(ctx, reconcile.Change{
		Kind:   reconcile.EntityUser,
		Op:     reconcile.OpUpdate,
		User:   u,
		Fields: userdomain.ChangedFields(&before, u),
	})
	s.logEvent(ctx, clientID, u.ID, auditdomain.ActionLink, auditdomain.ResourceUser, externalID)
	if p != nil {
		return u, nil
	}
	p = s.newProfile(u.ID, clientID, firstName, lastName)
	if err := s.profiles.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("webhook: create profile: %w", err)
	}
	s.dispatch(ctx, reconcile.Change{Kind: reconcile.EntityProfile, Op: reconcile.OpCreate, User: u, Profile: p})
	return u, nil
}

func (s *Service) createUser(ctx context.Context, email, firstName, lastName, password, clientID, externalID string) (*userdomain.User, error) {
	now := s.now()
	u := &userdomain.User{
		ID:             uuid.New().String(),
		Email:          email,
		Enabled:        true,
		EmailConfirmed: true,
		ExternalID:     &externalID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if password != "" {
		hashed, err := s.hasher.Hash(password)
		if err != nil {
			return nil, fmt.Errorf("webhook: hash password: %w", err)
		}
		u.PasswordHash = hashed
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("webhook: create user: %w", err)
	}
	p := s.newProfile(u.ID, clientID, firstName, lastName)
	if err := s.profiles.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("webhook: create profile: %w", err)
	}
	s.dispatch(ctx, reconcile.Change{Kind: reconcile.EntityUser, Op: reconcile.OpCreate, User: u, Profile: p})
	s.logEvent(ctx, clientID, u.ID, auditdomain.ActionRegister, auditdomain.ResourceUser, externalID)
	return u, nil
}

func (s *Service) newProfile(userID, clientID, firstName, lastName string) *profiledomain.Profile {
	now := s.now()
	return &profiledomain.Profile{
		ID:        uuid.New().String(),
		UserID:    userID,
		ClientID:  clientID,
		FirstName: firstName,
		LastName:  lastName,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RecordLogin stores the login time. The user is found by IdP id, then by login name as email,
// and must have a profile for the calling client.
func (s *Service) RecordLogin(ctx context.Context, in LoginInput) (*userdomain.User, error) {
	if strings.TrimSpace(in.ExternalID) == "" || strings.TrimSpace(in.LoginTimestamp) == "" {
		return nil, ErrInvalidRequest
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(in.LoginTimestamp))
	if err != nil {
		return nil, fmt.Errorf("%w: loginTimestamp: %v", ErrInvalidRequest, err)
	}
	clientID, ok := s.clients.ClientIDForCallback(in.CallbackURL)
	if !ok {
		return nil, ErrUnknownClient
	}

	u, err := s.users.GetByExternalID(ctx, strings.TrimSpace(in.ExternalID))
	if err != nil {
		return nil, fmt.Errorf("webhook: look up user: %w", err)
	}
	if u == nil && strings.TrimSpace(in.UserName) != "" {
		if u, err = s.users.GetByEmail(ctx, strings.TrimSpace(strings.ToLower(in.UserName))); err != nil {
			return nil, fmt.Errorf("webhook: look up user: %w", err)
		}
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	if err := s.requireProfile(ctx, u.ID, clientID); err != nil {
		return nil, err
	}

	before := *u
	at = at.UTC()
	u.LastLoginAt = &at
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("webhook: update user: %w", err)
	}
	s.dispatch(ctx, reconcile.Change{
		Kind:   reconcile.EntityUser,
		Op:     reconcile.OpUpdate,
		User:   u,
		Fields: userdomain.ChangedFields(&before, u),
	})
	s.logEvent(ctx, clientID, u.ID, auditdomain.ActionLogin, auditdomain.ResourceUser, at.Format(time.RFC3339))
	return u, nil
}

// Deactivate disables the user linked to the IdP id.
func (s *Service) Deactivate(ctx context.Context, in DeactivateInput) (*userdomain.User, error) {
	u, err := s.linkedUser(ctx, in.ExternalID)
	if err != nil {
		return nil, err
	}
	before := *u
	u.Enabled = false
	u.UpdatedAt = s.now()
	if err := s.users.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("webhook: update user: %w", err)
	}
	s.dispatch(ctx, reconcile.Change{
		Kind:   reconcile.EntityUser,
		Op:     reconcile.OpUpdate,
		User:   u,
		Fields: userdomain.ChangedFields(&before, u),
	})
	// The callback URL is optional here; an unknown client is recorded as "".
	clientID, _ := s.clients.ClientIDForCallback(in.CallbackURL)
	s.logEvent(ctx, clientID, u.ID, auditdomain.ActionDeactivate, auditdomain.ResourceUser, "")
	return u, nil
}

// UpdateProfile overwrites the non-empty names of the user's profile for the calling client.
func (s *Service) UpdateProfile(ctx context.Context, in ProfileInput) (*profiledomain.Profile, error) {
	u, err := s.linkedUser(ctx, in.ExternalID)
	if err != nil {
		return nil, err
	}
	clientID, ok := s.clients.ClientIDForCallback(in.CallbackURL)
	if !ok {
		return nil, ErrUnknownClient
	}
	p, err := s.profiles.GetByUserAndClient(ctx, u.ID, clientID)
	if err != nil {
		return nil, fmt.Errorf("webhook: look up profile: %w", err)
	}
	if p == nil {
		return nil, ErrProfileMissing
	}

	before := *p
	if v := strings.TrimSpace(in.FirstName); v != "" {
		p.FirstName = v
	}
	if v := strings.TrimSpace(in.LastName); v != "" {
		p.LastName = v
	}
	fields := profiledomain.ChangedFields(&before, p)
	if len(fields) == 0 {
		return p, nil
	}
	p.UpdatedAt = s.now()
	if err := s.profiles.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("webhook: update profile: %w", err)
	}
	s.dispatch(ctx, reconcile.Change{
		Kind:    reconcile.EntityProfile,
		Op:      reconcile.OpUpdate,
		User:    u,
		Profile: p,
		Fields:  fields,
	})
	s.logEvent(ctx, clientID, u.ID, auditdomain.ActionProfileUpdate, auditdomain.ResourceProfile, strings.Join(fields, ","))
	return p, nil
}

func (s *Service) linkedUser(ctx context.Context, externalID string) (*userdomain.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" || externalID == userdomain.ExternalIDFailed {
		return nil, ErrInvalidRequest
	}
	u, err := s.users.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("webhook: look up user: %w", err)
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (s *Service) requireProfile(ctx context.Context, userID, clientID string) error {
	p, err := s.profiles.GetByUserAndClient(ctx, userID, clientID)
	if err != nil {
		return fmt.Errorf("webhook: look up profile: %w", err)
	}
	if p == nil {
		return ErrProfileMissing
	}
	return nil
}

// dispatch forwards ch; the local write already happened, so failures are only logged.
func (s *Service) dispatch(ctx context.Context, ch reconcile.Change) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, ch); err != nil {
		slog.Error("webhook: dispatch change", "entity", ch.Kind.String(), "error", err)
	}
}

func (s *Service) logEvent(ctx context.Context, clientID, userID, action, resource, metadata string) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.LogEvent(ctx, clientID, userID, action, resource, metadata)
}
