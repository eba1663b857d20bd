// Package telemetry records sync outcomes. The OTel-backed implementation lives in the otel subpackage.
package telemetry

import "context"

// Outcome labels for processed sync messages and migration steps.
const (
	OutcomeOK        = "ok"
	OutcomePermanent = "permanent"
	OutcomeTransient = "transient"
	OutcomeDropped   = "dropped"

	OutcomeLinked = "linked"
	OutcomeFailed = "failed"
	OutcomeDone   = "done"
	OutcomeBusy   = "busy"
)

// MigrationFailure describes a user the migration marked as failed.
type MigrationFailure struct {
	UserID string
	Email  string
	Reason string
}

// Recorder receives sync events. Implementations must be safe for concurrent use and never block on export.
type Recorder interface {
	// SyncMessage counts one handled sync message by action and outcome.
	SyncMessage(ctx context.Context, action, outcome string)
	// MigrationStep counts one migration step by outcome.
	MigrationStep(ctx context.Context, outcome string)
	// MigrationFailed reports a record that could not be imported.
	MigrationFailed(ctx context.Context, f MigrationFailure)
}

// Noop discards everything.
type Noop struct{}

func (Noop) SyncMessage(context.Context, string, string)      {}
func (Noop) MigrationStep(context.Context, string)            {}
func (Noop) MigrationFailed(context.Context, MigrationFailure) {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
