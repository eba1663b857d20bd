package reconcile

import (
	"context"

	"idp-user-sync/internal/queue"
)

// Register routes sync_user envelopes to h and migrate_next envelopes to m.
// Follow-up migration commands are published through pub.
func Register(r *queue.Router, h *Handler, m *Migrator, pub queue.Publisher) {
	r.Handle(queue.KindSyncUser, h.HandleEnvelope)
	r.Handle(queue.KindMigrateNext, m.HandleEnvelope(pub))
}

// Enqueue publishes a MigrateNext command. It starts a migration chain or continues one.
func Enqueue(ctx context.Context, pub queue.Publisher, _ MigrateNext) error {
	env, err := queue.NewEnvelope(queue.KindMigrateNext, "", nil)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, env)
}
