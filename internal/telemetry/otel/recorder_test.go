package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"idp-user-sync/internal/telemetry"
)

type recordCapture struct {
	recs []otellog.Record
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.recs = append(r.recs, rec)
}

func collectSums(t *testing.T, reader *metric.ManualReader) map[string]map[attribute.Distinct]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]map[attribute.Distinct]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			points := make(map[attribute.Distinct]int64)
			for _, dp := range sum.DataPoints {
				points[dp.Attributes.Equivalent()] = dp.Value
			}
			out[m.Name] = points
		}
	}
	return out
}

func TestRecorder_Counters(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	rec, err := NewRecorderWithLogger(mp, &recordCapture{})
	require.NoError(t, err)

	ctx := context.Background()
	rec.SyncMessage(ctx, "create", telemetry.OutcomeOK)
	rec.SyncMessage(ctx, "create", telemetry.OutcomeOK)
	rec.SyncMessage(ctx, "update", telemetry.OutcomePermanent)
	rec.MigrationStep(ctx, telemetry.OutcomeLinked)
	rec.MigrationStep(ctx, telemetry.OutcomeDone)

	sums := collectSums(t, reader)

	msgs := sums["idp_sync_messages_total"]
	createOK := attribute.NewSet(attribute.String("action", "create"), attribute.String("outcome", "ok"))
	updatePerm := attribute.NewSet(attribute.String("action", "update"), attribute.String("outcome", "permanent"))
	assert.Equal(t, int64(2), msgs[createOK.Equivalent()])
	assert.Equal(t, int64(1), msgs[updatePerm.Equivalent()])

	steps := sums["idp_migration_steps_total"]
	linked := attribute.NewSet(attribute.String("outcome", "linked"))
	done := attribute.NewSet(attribute.String("outcome", "done"))
	assert.Equal(t, int64(1), steps[linked.Equivalent()])
	assert.Equal(t, int64(1), steps[done.Equivalent()])
}

func TestRecorder_MigrationFailedEmitsLogRecord(t *testing.T) {
	capture := &recordCapture{}
	rec, err := NewRecorderWithLogger(metric.NewMeterProvider(), capture)
	require.NoError(t, err)

	rec.MigrationFailed(context.Background(), telemetry.MigrationFailure{
		UserID: "u1",
		Email:  "a@x.com",
		Reason: "email taken",
	})

	require.Len(t, capture.recs, 1)
	r := capture.recs[0]
	assert.Equal(t, "email taken", r.Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, r.Severity())
	assert.Equal(t, "idp.migration.failed", r.EventName())
	assert.False(t, r.Timestamp().IsZero())

	attrs := map[string]string{}
	r.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	assert.Equal(t, map[string]string{"user_id": "u1", "email": "a@x.com"}, attrs)
}

func TestNewRecorder_WithSDKProviders(t *testing.T) {
	lp := sdklog.NewLoggerProvider()
	defer func() { _ = lp.Shutdown(context.Background()) }()
	rec, err := NewRecorder(metric.NewMeterProvider(), lp)
	require.NoError(t, err)
	rec.MigrationFailed(context.Background(), telemetry.MigrationFailure{Reason: "x"})

	var _ telemetry.Recorder = rec
}
