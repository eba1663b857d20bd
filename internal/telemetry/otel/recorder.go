package otel

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"

	"idp-user-sync/internal/telemetry"
)

const scope = "idp-user-sync/sync"

// logEmitter is the subset of otellog.Logger the recorder uses.
type logEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// Recorder implements telemetry.Recorder with OTel counters and log records.
type Recorder struct {
	messages metric.Int64Counter
	steps    metric.Int64Counter
	logger   logEmitter
}

// NewRecorder creates the sync instruments on mp and emits failure events through lp.
func NewRecorder(mp metric.MeterProvider, lp otellog.LoggerProvider) (*Recorder, error) {
	return NewRecorderWithLogger(mp, lp.Logger(scope))
}

// NewRecorderWithLogger is NewRecorder with an explicit log emitter. Used by tests.
func NewRecorderWithLogger(mp metric.MeterProvider, logger logEmitter) (*Recorder, error) {
	meter := mp.Meter(scope)
	messages, err := meter.Int64Counter("idp_sync_messages_total",
		metric.WithDescription("Sync messages handled, by action and outcome."))
	if err != nil {
		return nil, err
	}
	steps, err := meter.Int64Counter("idp_migration_steps_total",
		metric.WithDescription("Batch migration steps, by outcome."))
	if err != nil {
		return nil, err
	}
	return &Recorder{messages: messages, steps: steps, logger: logger}, nil
}

func (r *Recorder) SyncMessage(ctx context.Context, action, outcome string) {
	r.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

func (r *Recorder) MigrationStep(ctx context.Context, outcome string) {
	r.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// MigrationFailed emits a warning log record so failed imports are searchable in the log backend.
func (r *Recorder) MigrationFailed(ctx context.Context, f telemetry.MigrationFailure) {
	if r.logger == nil {
		return
	}
	rec := otellog.Record{}
	rec.SetTimestamp(time.Now().UTC())
	rec.SetSeverity(otellog.SeverityWarn)
	rec.SetEventName("idp.migration.failed")
	rec.SetBody(otellog.StringValue(f.Reason))
	if f.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", f.UserID))
	}
	if f.Email != "" {
		rec.AddAttributes(otellog.String("email", f.Email))
	}
	r.logger.Emit(ctx, rec)
	slog.Debug("telemetry: migration failure emitted", "user_id", f.UserID)
}
