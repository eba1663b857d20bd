package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"idp-user-sync/internal/idp"
	"idp-user-sync/internal/queue"
	"idp-user-sync/internal/telemetry"
)

// Handler applies one SyncMessage to the IdP.
type Handler struct {
	users    UserRepository
	idp      IdP
	recorder telemetry.Recorder
}

func NewHandler(users UserRepository, client IdP, recorder telemetry.Recorder) *Handler {
	return &Handler{users: users, idp: client, recorder: telemetry.OrNoop(recorder)}
}

// Handle runs msg. Permanent IdP failures and malformed messages are logged and dropped (nil).
// Transient failures are returned so the queue redelivers; nothing local was written in that case.
func (h *Handler) Handle(ctx context.Context, msg SyncMessage) error {
	if msg.URL == "" || !json.Valid(msg.Payload) {
		slog.Error("reconcile: dropping malformed sync message", "action", msg.Action, "url", msg.URL)
		h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomeDropped)
		return nil
	}
	switch msg.Action {
	case ActionCreate:
		return h.create(ctx, msg)
	case ActionUpdate:
		return h.update(ctx, msg)
	default:
		slog.Error("reconcile: dropping sync message with unknown action", "action", msg.Action, "url", msg.URL)
		h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomeDropped)
		return nil
	}
}

// HandleEnvelope decodes a sync_user envelope and runs it.
func (h *Handler) HandleEnvelope(ctx context.Context, env queue.Envelope) error {
	var msg SyncMessage
	if err := env.Decode(&msg); err != nil {
		return err
	}
	return h.Handle(ctx, msg)
}

func (h *Handler) create(ctx context.Context, msg SyncMessage) error {
	resp, err := h.idp.Post(ctx, msg.URL, msg.Payload)
	if idp.IsConflict(err) && msg.UserID != "" {
		var body struct {
			UserName string `json:"userName"`
		}
		if json.Unmarshal(msg.Payload, &body) == nil && body.UserName != "" {
			linked, lerr := relinkExisting(ctx, h.idp, h.users, msg.UserID, body.UserName)
			if lerr != nil && idp.IsTransient(lerr) {
				return h.failed(ctx, msg, lerr)
			}
			if lerr != nil && !idp.IsPermanent(lerr) {
				return lerr
			}
			if linked {
				h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomeOK)
				return nil
			}
		}
	}
	if err != nil {
		return h.failed(ctx, msg, err)
	}
	externalID, err := idp.UserIDFrom(resp)
	if err != nil {
		return h.failed(ctx, msg, err)
	}
	if msg.UserID == "" {
		slog.Warn("reconcile: create succeeded without local user to link", "external_id", externalID)
		h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomeOK)
		return nil
	}
	if err := h.users.SetExternalID(ctx, msg.UserID, externalID); err != nil {
		return fmt.Errorf("reconcile: store external id for %s: %w", msg.UserID, err)
	}
	slog.Info("reconcile: user created in IdP", "user_id", msg.UserID, "external_id", externalID)
	h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomeOK)
	return nil
}

func (h *Handler) update(ctx context.Context, msg SyncMessage) error {
	if _, err := h.idp.Put(ctx, msg.URL, msg.Payload); err != nil {
		return h.failed(ctx, msg, err)
	}
	h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomeOK)
	return nil
}

func (h *Handler) failed(ctx context.Context, msg SyncMessage, err error) error {
	if idp.IsTransient(err) {
		slog.Warn("reconcile: IdP call failed, will retry", "action", msg.Action, "url", msg.URL, "error", err)
		h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomeTransient)
		return err
	}
	slog.Error("reconcile: IdP rejected sync message", "action", msg.Action, "url", msg.URL, "user_id", msg.UserID, "error", idp.Message(err))
	h.recorder.SyncMessage(ctx, string(msg.Action), telemetry.OutcomePermanent)
	return nil
}

// relinkExisting looks up userName in the IdP and stores its id on userID. It reports false when the IdP
// has no such user.
func relinkExisting(ctx context.Context, client IdP, users UserRepository, userID, userName string) (bool, error) {
	externalID, err := idp.SearchUserByUserName(ctx, client, userName)
	if err != nil {
		slog.Warn("reconcile: lookup after import conflict failed", "user_id", userID, "error", err)
		return false, err
	}
	if externalID == "" {
		return false, nil
	}
	if err := users.SetExternalID(ctx, userID, externalID); err != nil {
		return false, fmt.Errorf("reconcile: store external id for %s: %w", userID, err)
	}
	slog.Info("reconcile: relinked user already present in IdP", "user_id", userID, "external_id", externalID)
	return true, nil
}
