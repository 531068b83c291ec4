package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the hivestate instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	AutosaveFlushes       metric.Int64Counter
	AutosaveFlushFailures metric.Int64Counter
	AutosaveFlushDuration metric.Float64Histogram
	AutosavePending       metric.Int64UpDownCounter
	CheckpointsSaved      metric.Int64Counter
	MaintenanceDuration   metric.Float64Histogram
	MaintenanceRows       metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.AutosaveFlushes, err = meter.Int64Counter("hivestate.autosave.flushes",
		metric.WithDescription("Successful auto-save flushes"),
	); err != nil {
		return nil, err
	}
	if m.AutosaveFlushFailures, err = meter.Int64Counter("hivestate.autosave.flush_failures",
		metric.WithDescription("Auto-save flushes that failed and kept their changes buffered"),
	); err != nil {
		return nil, err
	}
	if m.AutosaveFlushDuration, err = meter.Float64Histogram("hivestate.autosave.flush.duration",
		metric.WithDescription("Auto-save flush duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.AutosavePending, err = meter.Int64UpDownCounter("hivestate.autosave.pending",
		metric.WithDescription("Changes buffered and not yet flushed"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointsSaved, err = meter.Int64Counter("hivestate.checkpoints.saved",
		metric.WithDescription("Checkpoints written"),
	); err != nil {
		return nil, err
	}
	if m.MaintenanceDuration, err = meter.Float64Histogram("hivestate.maintenance.duration",
		metric.WithDescription("Maintenance operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.MaintenanceRows, err = meter.Int64Counter("hivestate.maintenance.rows",
		metric.WithDescription("Rows affected by maintenance operations"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}

func (m *Metrics) RecordFlush(ctx context.Context, sessionID string, took time.Duration, changes int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrSessionID.String(sessionID))
	m.AutosaveFlushDuration.Record(ctx, took.Seconds(), attrs)
	if err != nil {
		m.AutosaveFlushFailures.Add(ctx, 1, attrs)
		return
	}
	m.AutosaveFlushes.Add(ctx, 1, attrs)
	m.AutosavePending.Add(ctx, -int64(changes), attrs)
}

func (m *Metrics) AddPending(ctx context.Context, sessionID string, n int) {
	if m == nil {
		return
	}
	m.AutosavePending.Add(ctx, int64(n), metric.WithAttributes(AttrSessionID.String(sessionID)))
}

func (m *Metrics) RecordCheckpoint(ctx context.Context, sessionID string) {
	if m == nil {
		return
	}
	m.CheckpointsSaved.Add(ctx, 1, metric.WithAttributes(AttrSessionID.String(sessionID)))
}

func (m *Metrics) RecordMaintenance(ctx context.Context, op string, took time.Duration, rows int64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOperation.String(op), attribute.Bool("error", err != nil))
	m.MaintenanceDuration.Record(ctx, took.Seconds(), attrs)
	if rows > 0 {
		m.MaintenanceRows.Add(ctx, rows, attrs)
	}
}
