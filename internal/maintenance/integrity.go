package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/hivestate/internal/otel"
)

// DriftTolerance is the largest gap, in percentage points, between stored
// and derived progress that is not reported.
const DriftTolerance = 0.01

type ViolationKind string

const (
	ViolationCorruption    ViolationKind = "corruption"
	ViolationForeignKey    ViolationKind = "foreign_key"
	ViolationOrphan        ViolationKind = "orphan"
	ViolationProgressDrift ViolationKind = "progress_drift"
)

// IntegrityViolation is a report entry, not an error.
type IntegrityViolation struct {
	Kind      ViolationKind `json:"kind"`
	Table     string        `json:"table,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Count     int64         `json:"count,omitempty"`
	Detail    string        `json:"detail"`
}

type IntegrityReport struct {
	OK         bool                 `json:"ok"`
	Violations []IntegrityViolation `json:"violations"`
	CheckedAt  string               `json:"checked_at"`
}

// CheckIntegrity scans for corruption, dangling references, orphaned child
// rows and sessions whose stored progress disagrees with their tasks. It
// never repairs anything.
func (s *Service) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "maintenance.check_integrity")
	report, err := s.checkIntegrity(ctx)
	span.SetAttributes(otel.AttrRows.Int(len(report.Violations)))
	otel.EndSpan(span, err)
	if err != nil {
		return report, err
	}
	if !report.OK {
		s.logger.Warn("integrity check found violations", "count", len(report.Violations))
	}
	return report, nil
}

func (s *Service) checkIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{Violations: []IntegrityViolation{}, CheckedAt: s.clock().Format(time.RFC3339)}

	problems, err := s.store.IntegrityCheck(ctx)
	if err != nil {
		return report, err
	}
	for _, p := range problems {
		report.Violations = append(report.Violations, IntegrityViolation{Kind: ViolationCorruption, Detail: p})
	}

	fks, err := s.store.ForeignKeyCheck(ctx)
	if err != nil {
		return report, err
	}
	for _, v := range fks {
		report.Violations = append(report.Violations, IntegrityViolation{
			Kind:   ViolationForeignKey,
			Table:  v.Table,
			Detail: fmt.Sprintf("row %d references missing %s", v.RowID, v.Parent),
		})
	}

	orphans, err := s.store.OrphanCounts(ctx)
	if err != nil {
		return report, err
	}
	tables := make([]string, 0, len(orphans))
	for table := range orphans {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		report.Violations = append(report.Violations, IntegrityViolation{
			Kind:   ViolationOrphan,
			Table:  table,
			Count:  orphans[table],
			Detail: fmt.Sprintf("%d rows in %s reference no session", orphans[table], table),
		})
	}

	drifts, err := s.store.ProgressDrifts(ctx, DriftTolerance)
	if err != nil {
		return report, err
	}
	for _, d := range drifts {
		report.Violations = append(report.Violations, IntegrityViolation{
			Kind:      ViolationProgressDrift,
			Table:     "sessions",
			SessionID: d.SessionID,
			Detail:    fmt.Sprintf("stored progress %.2f, derived %.2f", d.Stored, d.Derived),
		})
	}

	report.OK = len(report.Violations) == 0
	return report, nil
}
