package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"idp-user-sync/internal/idp"
	"idp-user-sync/internal/queue"
	"idp-user-sync/internal/telemetry"
)

// Failure reasons stored in sync_error.
const (
	ReasonProfileNotFound = "Profile not found"
	ReasonRequiredFields  = "First name, last name, and email are required"
	ReasonUnknown         = "Something went wrong"
)

// Locker serialises migration steps across workers. TryLock never waits; ok is false when the lock is held elsewhere.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithTransientLimit sets how many transient failures in a row a user may hit before it is marked failed.
// Keep it at or below the queue's MaxAttempts so the last delivery attempt still moves the chain on.
func WithTransientLimit(n int) MigratorOption {
	return func(m *Migrator) {
		if n > 0 {
			m.transientLimit = n
		}
	}
}

// Migrator imports one unlinked user per Step.
type Migrator struct {
	users          UserRepository
	profiles       ProfileRepository
	idp            IdP
	locker         Locker
	recorder       telemetry.Recorder
	transientLimit int

	mu        sync.Mutex
	transient map[string]int // user id -> consecutive transient failures
}

func NewMigrator(users UserRepository, profiles ProfileRepository, client IdP, locker Locker, recorder telemetry.Recorder, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		users:          users,
		profiles:       profiles,
		idp:            client,
		locker:         locker,
		recorder:       telemetry.OrNoop(recorder),
		transientLimit: queue.DefaultRetryPolicy().MaxAttempts,
		transient:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Step processes the oldest user with no external id. It returns a follow-up MigrateNext after the
// user was linked or marked failed, and nil when no such user is left or another chain holds the lock.
// Transient IdP and profile errors are returned with nothing written until the same user has failed
// transientLimit times in a row; the user is then marked failed so the chain reaches the next one.
func (m *Migrator) Step(ctx context.Context) (*MigrateNext, error) {
	release, ok, err := m.locker.TryLock(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: take migration lock: %w", err)
	}
	if !ok {
		slog.Info("reconcile: migration already running elsewhere, ending this chain")
		m.recorder.MigrationStep(ctx, telemetry.OutcomeBusy)
		return nil, nil
	}
	defer release()

	u, err := m.users.NextUnlinked(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: find unlinked user: %w", err)
	}
	if u == nil {
		slog.Info("reconcile: migration complete, no unlinked users left")
		m.recorder.MigrationStep(ctx, telemetry.OutcomeDone)
		return nil, nil
	}

	p, err := m.profiles.GetByUser(ctx, u.ID)
	if err != nil {
		return m.retryOrFail(ctx, u.ID, u.Email, fmt.Errorf("reconcile: load profile for %s: %w", u.ID, err))
	}
	if p == nil {
		return m.fail(ctx, u.ID, u.Email, ReasonProfileNotFound)
	}
	if strings.TrimSpace(u.Email) == "" || strings.TrimSpace(p.FirstName) == "" || strings.TrimSpace(p.LastName) == "" {
		return m.fail(ctx, u.ID, u.Email, ReasonRequiredFields)
	}

	resp, err := m.idp.Post(ctx, m.idp.Paths().Import(), idp.PrepareImportPayload(u, p))
	if err == nil {
		var externalID string
		if externalID, err = idp.UserIDFrom(resp); err == nil {
			if err := m.users.SetExternalID(ctx, u.ID, externalID); err != nil {
				return nil, fmt.Errorf("reconcile: store external id for %s: %w", u.ID, err)
			}
			m.forget(u.ID)
			slog.Info("reconcile: migrated user", "user_id", u.ID, "external_id", externalID)
			m.recorder.MigrationStep(ctx, telemetry.OutcomeLinked)
			return &MigrateNext{}, nil
		}
	}
	if idp.IsConflict(err) {
		linked, lerr := relinkExisting(ctx, m.idp, m.users, u.ID, u.Username())
		if lerr != nil && !idp.IsPermanent(lerr) {
			return m.retryOrFail(ctx, u.ID, u.Email, lerr)
		}
		if linked {
			m.forget(u.ID)
			m.recorder.MigrationStep(ctx, telemetry.OutcomeLinked)
			return &MigrateNext{}, nil
		}
	}
	if !idp.IsPermanent(err) {
		return m.retryOrFail(ctx, u.ID, u.Email, err)
	}
	return m.fail(ctx, u.ID, u.Email, failureReason(err))
}

func (m *Migrator) retryOrFail(ctx context.Context, userID, email string, err error) (*MigrateNext, error) {
	m.mu.Lock()
	m.transient[userID]++
	n := m.transient[userID]
	m.mu.Unlock()
	if n < m.transientLimit {
		slog.Warn("reconcile: migration step failed, will retry", "user_id", userID, "attempt", n, "error", err)
		m.recorder.MigrationStep(ctx, telemetry.OutcomeTransient)
		return nil, err
	}
	slog.Error("reconcile: giving up on user after repeated failures", "user_id", userID, "attempts", n, "error", err)
	return m.fail(ctx, userID, email, failureReason(err))
}

func (m *Migrator) forget(userID string) {
	m.mu.Lock()
	delete(m.transient, userID)
	m.mu.Unlock()
}

func failureReason(err error) string {
	if reason := idp.Message(err); reason != "" {
		return reason
	}
	return ReasonUnknown
}

// HandleEnvelope runs one Step and publishes the follow-up, if any, through pub.
func (m *Migrator) HandleEnvelope(pub queue.Publisher) queue.HandlerFunc {
	return func(ctx context.Context, _ queue.Envelope) error {
		next, err := m.Step(ctx)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		return Enqueue(ctx, pub, *next)
	}
}

func (m *Migrator) fail(ctx context.Context, userID, email, reason string) (*MigrateNext, error) {
	if err := m.users.MarkSyncFailed(ctx, userID, reason); err != nil {
		return nil, fmt.Errorf("reconcile: mark %s failed: %w", userID, err)
	}
	m.forget(userID)
	slog.Warn("reconcile: migration failed for user", "user_id", userID, "reason", reason)
	m.recorder.MigrationStep(ctx, telemetry.OutcomeFailed)
	m.recorder.MigrationFailed(ctx, telemetry.MigrationFailure{UserID: userID, Email: email, Reason: reason})
	return &MigrateNext{}, nil
}
