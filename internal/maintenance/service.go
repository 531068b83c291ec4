// Package maintenance keeps the hivestate database small and healthy:
// retention cleanup, task archival, compaction, backup, integrity scans and
// schema upgrades.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/hivestate/internal/audit"
	"github.com/basket/hivestate/internal/bus"
	"github.com/basket/hivestate/internal/otel"
	"github.com/basket/hivestate/internal/persistence"
)

// Operation names recorded in maintenance_runs and the audit log.
const (
	OpCleanMemory      = "clean_memory"
	OpExpireMemory     = "expire_memory"
	OpArchiveTasks     = "archive_tasks"
	OpPruneCheckpoints = "prune_checkpoints"
	OpPruneEvents      = "prune_events"
	OpArchiveSessions  = "archive_sessions"
	OpVacuum           = "vacuum"
	OpBackup           = "backup"
	OpUpgrade          = "upgrade"
)

var ErrInvalidRetention = errors.New("retention days must be positive")

type Service struct {
	store   *persistence.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	audit   *audit.Recorder
	bus     *bus.Bus
	policy  ArchivePolicy
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAudit(r *audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

func WithBus(b *bus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

func WithPolicy(p ArchivePolicy) Option {
	return func(s *Service) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(store *persistence.Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		bus:    store.Bus(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "maintenance")
	if s.policy.Mode == "" {
		s.policy.Mode = ArchiveModeMove
	}
	return s
}

func (s *Service) Store() *persistence.Store { return s.store }

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) cutoff(days int) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, fmt.Errorf("%w: %d", ErrInvalidRetention, days)
	}
	return s.clock().AddDate(0, 0, -days), nil
}

// CleanOldMemory deletes collective memory entries not updated within the
// last retentionDays days.
func (s *Service) CleanOldMemory(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := s.cutoff(retentionDays)
	if err != nil {
		return 0, err
	}
	return s.run(ctx, OpCleanMemory, func(ctx context.Context) (int64, string, error) {
		n, err := s.store.DeleteMemoryUpdatedBefore(ctx, cutoff)
		return n, fmt.Sprintf("retention_days=%d", retentionDays), err
	})
}

// ExpireMemory deletes entries whose TTL has elapsed.
func (s *Service) ExpireMemory(ctx context.Context) (int64, error) {
	return s.run(ctx, OpExpireMemory, func(ctx context.Context) (int64, string, error) {
		n, err := s.store.DeleteExpiredMemory(ctx, s.clock())
		return n, "", err
	})
}

// PruneCheckpoints removes checkpoints older than the window, keeping the
// latest checkpoint of every session.
func (s *Service) PruneCheckpoints(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := s.cutoff(retentionDays)
	if err != nil {
		return 0, err
	}
	return s.run(ctx, OpPruneCheckpoints, func(ctx context.Context) (int64, string, error) {
		n, err := s.store.PruneCheckpoints(ctx, cutoff)
		return n, fmt.Sprintf("retention_days=%d", retentionDays), err
	})
}

func (s *Service) PruneEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := s.cutoff(retentionDays)
	if err != nil {
		return 0, err
	}
	return s.run(ctx, OpPruneEvents, func(ctx context.Context) (int64, string, error) {
		n, err := s.store.PruneEvents(ctx, cutoff)
		return n, fmt.Sprintf("retention_days=%d", retentionDays), err
	})
}

// ArchiveInactiveSessions moves active or paused sessions that have not
// been updated within the window to archived.
func (s *Service) ArchiveInactiveSessions(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, err := s.cutoff(retentionDays)
	if err != nil {
		return 0, err
	}
	return s.run(ctx, OpArchiveSessions, func(ctx context.Context) (int64, string, error) {
		ids, err := s.store.ArchiveSessionsIdleSince(ctx, cutoff, s.clock())
		return int64(len(ids)), fmt.Sprintf("retention_days=%d", retentionDays), err
	})
}

// Vacuum rebuilds the database file. It blocks all access while it runs;
// callers pause auto-save first.
func (s *Service) Vacuum(ctx context.Context) error {
	_, err := s.run(ctx, OpVacuum, func(ctx context.Context) (int64, string, error) {
		before, err := s.store.PageStats(ctx)
		if err != nil {
			return 0, "", err
		}
		if err := s.store.CheckpointWAL(ctx); err != nil {
			return 0, "", err
		}
		if err := s.store.Vacuum(ctx); err != nil {
			return 0, "", err
		}
		after, err := s.store.PageStats(ctx)
		if err != nil {
			return 0, "", err
		}
		return 0, fmt.Sprintf("bytes_before=%d bytes_after=%d", before.FileBytes(), after.FileBytes()), nil
	})
	return err
}

// Backup writes a compacted copy of the database to dest and verifies it
// with an integrity check.
func (s *Service) Backup(ctx context.Context, dest string) error {
	_, err := s.run(ctx, OpBackup, func(ctx context.Context) (int64, string, error) {
		detail := "dest=" + dest
		if err := s.store.CheckpointWAL(ctx); err != nil {
			return 0, detail, err
		}
		if err := s.store.VacuumInto(ctx, dest); err != nil {
			return 0, detail, err
		}
		copyStore, err := persistence.OpenExisting(dest, nil)
		if err != nil {
			return 0, detail, fmt.Errorf("open backup: %w", err)
		}
		defer copyStore.Close()
		problems, err := copyStore.IntegrityCheck(ctx)
		if err != nil {
			return 0, detail, err
		}
		if len(problems) > 0 {
			return 0, detail, fmt.Errorf("backup %s failed integrity check: %s", dest, problems[0])
		}
		return 0, detail, nil
	})
	return err
}

// Upgrade applies pending schema migrations up to target.
func (s *Service) Upgrade(ctx context.Context, target int) (int, error) {
	var applied int
	_, err := s.run(ctx, OpUpgrade, func(ctx context.Context) (int64, string, error) {
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrSchemaTarget.Int(target))
		from, err := s.store.CurrentVersion(ctx)
		if err != nil {
			return 0, "", err
		}
		applied, err = s.store.Upgrade(ctx, target)
		return int64(applied), fmt.Sprintf("from=%d target=%d", from, target), err
	})
	return applied, err
}

// run wraps a maintenance step with a span, metrics, an audit entry and,
// on success, a maintenance_runs row and a bus event.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) (int64, string, error)) (int64, error) {
	started := s.clock()
	ctx, span := otel.StartSpan(ctx, s.tracer, "maintenance."+op, otel.AttrOperation.String(op))

	rows, detail, err := fn(ctx)
	finished := s.clock()

	span.SetAttributes(otel.AttrRows.Int64(rows))
	otel.EndSpan(span, err)
	s.metrics.RecordMaintenance(ctx, op, finished.Sub(started), rows, err)
	s.audit.Record(ctx, op, rows, detail, err)

	if err != nil {
		s.logger.Error("maintenance operation failed", "operation", op, "error", err)
		return rows, fmt.Errorf("%s: %w", op, err)
	}

	if _, rerr := s.store.RecordMaintenanceRun(ctx, persistence.MaintenanceRun{
		Operation:    op,
		RowsAffected: rows,
		Detail:       detail,
		StartedAt:    started,
		FinishedAt:   finished,
	}); rerr != nil {
		s.logger.Warn("record maintenance run failed", "operation", op, "error", rerr)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicMaintenanceCompleted, bus.MaintenanceCompletedEvent{
			Operation: op, RowsAffected: rows, Detail: detail,
		})
	}
	s.logger.Info("maintenance operation completed",
		"operation", op,
		"rows", rows,
		"duration_ms", finished.Sub(started).Milliseconds(),
	)
	return rows, nil
}
