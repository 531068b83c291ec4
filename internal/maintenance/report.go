package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/hivestate/internal/otel"
	"github.com/basket/hivestate/internal/persistence"
)

// Thresholds that turn report figures into suggestions.
const (
	vacuumFreeRatio     = 0.20
	largeTableRows      = 100_000
	staleMaintenanceAge = 7 * 24 * time.Hour
)

type TableStats struct {
	Name      string `json:"name"`
	Rows      int64  `json:"rows"`
	SizeBytes int64  `json:"size_bytes"`
	// Missing marks a table added by a migration not yet applied.
	Missing bool `json:"missing,omitempty"`
}

type OptimizationReport struct {
	SchemaVersion   int                          `json:"schema_version"`
	LatestVersion   int                          `json:"latest_version"`
	UpgradeRequired bool                         `json:"upgrade_required"`
	Tables          []TableStats                 `json:"tables"`
	Pages           persistence.PageStats        `json:"pages"`
	FileBytes       int64                        `json:"file_bytes"`
	LastRuns        []persistence.MaintenanceRun `json:"last_runs"`
	Suggestions     []string                     `json:"suggestions"`
}

// GenerateReport collects schema, table and page statistics and derives
// maintenance suggestions from them. It does not modify the database.
func (s *Service) GenerateReport(ctx context.Context) (OptimizationReport, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "maintenance.report")
	report, err := s.generateReport(ctx)
	otel.EndSpan(span, err)
	return report, err
}

func (s *Service) generateReport(ctx context.Context) (OptimizationReport, error) {
	report := OptimizationReport{LatestVersion: persistence.LatestSchemaVersion, Suggestions: []string{}}

	version, err := s.store.CurrentVersion(ctx)
	if err != nil {
		return report, err
	}
	report.SchemaVersion = version
	report.UpgradeRequired = version < persistence.LatestSchemaVersion

	for _, table := range persistence.Tables {
		exists, err := s.store.TableExists(ctx, table)
		if err != nil {
			return report, err
		}
		if !exists {
			report.Tables = append(report.Tables, TableStats{Name: table, Missing: true})
			continue
		}
		rows, err := s.store.CountRows(ctx, table)
		if err != nil {
			return report, err
		}
		size, err := s.store.TableSizeBytes(ctx, table)
		if err != nil {
			return report, err
		}
		report.Tables = append(report.Tables, TableStats{Name: table, Rows: rows, SizeBytes: size})
	}

	if report.Pages, err = s.store.PageStats(ctx); err != nil {
		return report, err
	}
	report.FileBytes = report.Pages.FileBytes()

	if report.LastRuns, err = s.store.LastMaintenanceRuns(ctx); err != nil {
		return report, err
	}

	report.Suggestions = s.suggest(report)
	return report, nil
}

func (s *Service) suggest(r OptimizationReport) []string {
	out := []string{}
	if r.UpgradeRequired {
		out = append(out, fmt.Sprintf("schema is at version %d of %d; run upgrade", r.SchemaVersion, r.LatestVersion))
	}
	if ratio := r.Pages.FreeRatio(); ratio >= vacuumFreeRatio {
		out = append(out, fmt.Sprintf("%.0f%% of pages are free; run vacuum", ratio*100))
	}

	lastRun := make(map[string]persistence.MaintenanceRun, len(r.LastRuns))
	for _, run := range r.LastRuns {
		lastRun[run.Operation] = run
	}
	for _, t := range r.Tables {
		if t.Rows < largeTableRows {
			continue
		}
		op := map[string]string{
			"tasks":             OpArchiveTasks,
			"checkpoints":       OpPruneCheckpoints,
			"session_events":    OpPruneEvents,
			"collective_memory": OpCleanMemory,
		}[t.Name]
		if op == "" {
			continue
		}
		run, ok := lastRun[op]
		if !ok || s.clock().Sub(run.FinishedAt) > staleMaintenanceAge {
			out = append(out, fmt.Sprintf("%s has %d rows; run %s", t.Name, t.Rows, op))
		}
	}
	if _, ok := lastRun[OpBackup]; !ok {
		out = append(out, "no backup has been recorded; run backup")
	}
	return out
}
