package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"idp-user-sync/internal/idp"
	profiledomain "idp-user-sync/internal/profile/domain"
	"idp-user-sync/internal/queue"
	userdomain "idp-user-sync/internal/user/domain"
)

// Dispatcher decides, per committed local change, which SyncMessages to publish.
type Dispatcher struct {
	users     UserRepository
	profiles  ProfileRepository
	idp       IdP
	publisher queue.Publisher
}

func NewDispatcher(users UserRepository, profiles ProfileRepository, client IdP, publisher queue.Publisher) *Dispatcher {
	return &Dispatcher{users: users, profiles: profiles, idp: client, publisher: publisher}
}

// Dispatch examines ch and publishes zero or more messages. Only ch.Fields is consulted; earlier
// writes are never replayed. Deletes publish nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, ch Change) error {
	if ch.Op == OpDelete {
		return nil
	}
	switch ch.Kind {
	case EntityUser:
		if ch.User == nil {
			return fmt.Errorf("reconcile: %s change without user", ch.Kind)
		}
		if ch.Op == OpCreate {
			return d.userCreated(ctx, ch.User, ch.Profile)
		}
		return d.userUpdated(ctx, ch.User, ch.Fields)
	case EntityProfile:
		if ch.Profile == nil {
			return fmt.Errorf("reconcile: %s change without profile", ch.Kind)
		}
		return d.profileChanged(ctx, ch)
	default:
		return fmt.Errorf("reconcile: unknown entity kind %d", ch.Kind)
	}
}

func (d *Dispatcher) userCreated(ctx context.Context, u *userdomain.User, p *profiledomain.Profile) error {
	if u.HasExternalID() {
		return nil
	}
	if p == nil {
		var err error
		if p, err = d.profiles.GetByUser(ctx, u.ID); err != nil {
			return fmt.Errorf("reconcile: load profile: %w", err)
		}
		if p == nil {
			// Nothing to import yet; the profile write will trigger the rule.
			return nil
		}
	}
	return d.linkOrCreate(ctx, u, p)
}

func (d *Dispatcher) userUpdated(ctx context.Context, u *userdomain.User, fields ChangeSet) error {
	if !fields.HasAny(userdomain.FieldEmail) || !u.HasExternalID() {
		return nil
	}
	paths := d.idp.Paths()
	id := u.LinkedID()
	if err := d.publishUpdate(ctx, u.ID, paths.Email(id), idp.EmailPayload{
		Email:           u.Email,
		IsEmailVerified: u.EmailConfirmed,
	}); err != nil {
		return err
	}
	return d.publishUpdate(ctx, u.ID, paths.Username(id), idp.UsernamePayload{UserName: u.Username()})
}

func (d *Dispatcher) profileChanged(ctx context.Context, ch Change) error {
	owner := ch.User
	if owner == nil {
		var err error
		if owner, err = d.users.GetByID(ctx, ch.Profile.UserID); err != nil {
			return fmt.Errorf("reconcile: load profile owner: %w", err)
		}
		if owner == nil {
			slog.Warn("reconcile: profile owner not found", "profile_id", ch.Profile.ID, "user_id", ch.Profile.UserID)
			return nil
		}
	}

	if !owner.HasExternalID() {
		return d.linkOrCreate(ctx, owner, ch.Profile)
	}
	if ch.Op == OpUpdate && ch.Fields.HasAny(profiledomain.FieldFirstName, profiledomain.FieldLastName, profiledomain.FieldNickname) {
		return d.publishUpdate(ctx, owner.ID, d.idp.Paths().Profile(owner.LinkedID()), idp.NewProfilePayload(ch.Profile))
	}
	return nil
}

// linkOrCreate links u to an existing IdP user with the same userName, or publishes a create.
// A failed lookup publishes nothing; the batch migration picks the user up later.
func (d *Dispatcher) linkOrCreate(ctx context.Context, u *userdomain.User, p *profiledomain.Profile) error {
	slog.Info("reconcile: checking user existence in IdP", "user_id", u.ID)
	externalID, err := idp.SearchUserByUserName(ctx, d.idp, u.Username())
	if err != nil {
		slog.Warn("reconcile: IdP lookup failed, leaving user for migration", "user_id", u.ID, "error", err)
		return nil
	}
	if externalID != "" {
		if err := d.users.SetExternalID(ctx, u.ID, externalID); err != nil {
			return fmt.Errorf("reconcile: link existing IdP user: %w", err)
		}
		u.ExternalID = &externalID
		u.SyncError = nil
		slog.Info("reconcile: linked existing IdP user", "user_id", u.ID, "external_id", externalID)
		return nil
	}

	payload, err := json.Marshal(idp.PrepareImportPayload(u, p))
	if err != nil {
		return fmt.Errorf("reconcile: encode import payload: %w", err)
	}
	slog.Info("reconcile: dispatching new user to IdP", "user_id", u.ID)
	return d.publish(ctx, u.ID, SyncMessage{
		URL:     d.idp.Paths().Import(),
		Payload: payload,
		Action:  ActionCreate,
		UserID:  u.ID,
	})
}

func (d *Dispatcher) publishUpdate(ctx context.Context, userID, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("reconcile: encode update payload: %w", err)
	}
	return d.publish(ctx, userID, SyncMessage{URL: url, Payload: payload, Action: ActionUpdate})
}

func (d *Dispatcher) publish(ctx context.Context, key string, msg SyncMessage) error {
	env, err := queue.NewEnvelope(queue.KindSyncUser, key, msg)
	if err != nil {
		return err
	}
	if err := d.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("reconcile: publish %s %s: %w", msg.Action, msg.URL, err)
	}
	return nil
}
