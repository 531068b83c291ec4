package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// Tables lists the data tables covered by reports and integrity scans.
var Tables = []string{
	"sessions",
	"checkpoints",
	"session_events",
	"agents",
	"tasks",
	"collective_memory",
	"task_archive",
	"maintenance_runs",
}

// childTables reference sessions(id) through session_id.
var childTables = []string{"checkpoints", "session_events", "agents", "tasks", "collective_memory", "task_archive"}

// MaintenanceRun is one row of maintenance_runs.
type MaintenanceRun struct {
	ID           int64     `json:"id"`
	Operation    string    `json:"operation"`
	RowsAffected int64     `json:"rows_affected"`
	Detail       string    `json:"detail,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

func (s *Store) RecordMaintenanceRun(ctx context.Context, run MaintenanceRun) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO maintenance_runs (operation, rows_affected, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?);
	`, run.Operation, run.RowsAffected, run.Detail, FormatTime(run.StartedAt), FormatTime(run.FinishedAt))
	if err != nil {
		return 0, storageErr("record maintenance run", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// LastMaintenanceRuns returns the most recent run per operation. A database
// below schema v3 has no run history and returns nil.
func (s *Store) LastMaintenanceRuns(ctx context.Context) ([]MaintenanceRun, error) {
	if ok, err := s.TableExists(ctx, "maintenance_runs"); err != nil || !ok {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT m.id, m.operation, m.rows_affected, m.detail, m.started_at, m.finished_at
		FROM maintenance_runs m
		WHERE m.id = (SELECT MAX(m2.id) FROM maintenance_runs m2 WHERE m2.operation = m.operation)
		ORDER BY m.operation ASC;
	`)
	if err != nil {
		return nil, storageErr("query maintenance runs", err)
	}
	defer rows.Close()

	var out []MaintenanceRun
	for rows.Next() {
		var (
			run               MaintenanceRun
			started, finished string
		)
		if err := rows.Scan(&run.ID, &run.Operation, &run.RowsAffected, &run.Detail, &started, &finished); err != nil {
			return nil, storageErr("scan maintenance run", err)
		}
		run.StartedAt = ParseTime(started)
		run.FinishedAt = ParseTime(finished)
		out = append(out, run)
	}
	return out, storageErr("maintenance run rows", rows.Err())
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if !knownTable(table) {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int64
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table+`;`).Scan(&n); err != nil {
		return 0, storageErr("count "+table, err)
	}
	return n, nil
}

// TableSizeBytes sums page bytes for table and its indexes via the dbstat
// virtual table. It returns -1 when the driver was built without dbstat.
func (s *Store) TableSizeBytes(ctx context.Context, table string) (int64, error) {
	if !knownTable(table) {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var size sql.NullInt64
	err := s.q.QueryRowContext(ctx, `
		SELECT SUM(pgsize) FROM dbstat
		WHERE name = ? OR name IN (SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?);
	`, table, table).Scan(&size)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return -1, nil
		}
		return 0, storageErr("dbstat "+table, err)
	}
	return size.Int64, nil
}

type PageStats struct {
	PageSize      int64 `json:"page_size"`
	PageCount     int64 `json:"page_count"`
	FreelistCount int64 `json:"freelist_count"`
}

func (p PageStats) FileBytes() int64 { return p.PageSize * p.PageCount }

// FreeRatio is the fraction of pages on the freelist.
func (p PageStats) FreeRatio() float64 {
	if p.PageCount == 0 {
		return 0
	}
	return float64(p.FreelistCount) / float64(p.PageCount)
}

func (s *Store) PageStats(ctx context.Context) (PageStats, error) {
	var p PageStats
	for _, item := range []struct {
		pragma string
		dest   *int64
	}{
		{"page_size", &p.PageSize},
		{"page_count", &p.PageCount},
		{"freelist_count", &p.FreelistCount},
	} {
		if err := s.q.QueryRowContext(ctx, "PRAGMA "+item.pragma+";").Scan(item.dest); err != nil {
			return p, storageErr("pragma "+item.pragma, err)
		}
	}
	return p, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns every non-ok line.
func (s *Store) IntegrityCheck(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `PRAGMA integrity_check;`)
	if err != nil {
		return nil, storageErr("integrity_check", err)
	}
	defer rows.Close()
	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, storageErr("scan integrity_check", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	return problems, storageErr("integrity_check rows", rows.Err())
}

// ForeignKeyViolation is one row of PRAGMA foreign_key_check.
type ForeignKeyViolation struct {
	Table  string `json:"table"`
	RowID  int64  `json:"rowid"`
	Parent string `json:"parent"`
}

func (s *Store) ForeignKeyCheck(ctx context.Context) ([]ForeignKeyViolation, error) {
	rows, err := s.q.QueryContext(ctx, `PRAGMA foreign_key_check;`)
	if err != nil {
		return nil, storageErr("foreign_key_check", err)
	}
	defer rows.Close()
	var out []ForeignKeyViolation
	for rows.Next() {
		var (
			v     ForeignKeyViolation
			rowID sql.NullInt64
			fkid  int64
		)
		if err := rows.Scan(&v.Table, &rowID, &v.Parent, &fkid); err != nil {
			return nil, storageErr("scan foreign_key_check", err)
		}
		v.RowID = rowID.Int64
		out = append(out, v)
	}
	return out, storageErr("foreign_key_check rows", rows.Err())
}

// OrphanCounts reports child rows whose session no longer exists, per table.
// Only tables with at least one orphan are present. Tables the schema does
// not have yet are skipped.
func (s *Store) OrphanCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, table := range childTables {
		ok, err := s.TableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var n int64
		err = s.q.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM `+table+` c
			WHERE NOT EXISTS (SELECT 1 FROM sessions s WHERE s.id = c.session_id);
		`).Scan(&n)
		if err != nil {
			return nil, storageErr("orphan scan "+table, err)
		}
		if n > 0 {
			out[table] = n
		}
	}
	return out, nil
}

// ProgressDrift is a session whose stored progress disagrees with the value
// derived from its task rows.
type ProgressDrift struct {
	SessionID string  `json:"session_id"`
	Stored    float64 `json:"stored"`
	Derived   float64 `json:"derived"`
}

// ProgressDrifts lists sessions with at least one task (live or archived)
// whose stored progress differs from the derived value by more than tolerance.
// Before schema v3 there is no archived count and it is taken as zero.
func (s *Store) ProgressDrifts(ctx context.Context, tolerance float64) ([]ProgressDrift, error) {
	archived := "s.archived_tasks"
	ok, err := s.hasColumn(ctx, "sessions", "archived_tasks")
	if err != nil {
		return nil, storageErr("progress drift scan", err)
	}
	if !ok {
		archived = "0"
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT s.id, s.progress, `+archived+`,
			COUNT(t.id),
			COALESCE(SUM(CASE WHEN t.status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM sessions s
		LEFT JOIN tasks t ON t.session_id = s.id
		GROUP BY s.id;
	`)
	if err != nil {
		return nil, storageErr("progress drift scan", err)
	}
	defer rows.Close()

	var out []ProgressDrift
	for rows.Next() {
		var (
			id     string
			stored float64
			c      TaskCounts
		)
		if err := rows.Scan(&id, &stored, &c.Archived, &c.Total, &c.Completed); err != nil {
			return nil, storageErr("scan progress drift", err)
		}
		if c.Total+c.Archived == 0 {
			continue
		}
		derived := c.Percent()
		if math.Abs(derived-stored) > tolerance {
			out = append(out, ProgressDrift{SessionID: id, Stored: stored, Derived: derived})
		}
	}
	return out, storageErr("progress drift rows", rows.Err())
}

func (s *Store) Vacuum(ctx context.Context) error {
	if s.inTx {
		return errors.New("vacuum cannot run inside a transaction")
	}
	_, err := s.db.ExecContext(ctx, `VACUUM;`)
	return storageErr("vacuum", err)
}

// VacuumInto writes a compacted copy of the database to dest. dest must not
// exist.
func (s *Store) VacuumInto(ctx context.Context, dest string) error {
	if s.inTx {
		return errors.New("vacuum into cannot run inside a transaction")
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup destination %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, dest); err != nil {
		return storageErr("vacuum into", err)
	}
	return nil
}

// CheckpointWAL folds the WAL back into the main database file.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`)
	return storageErr("wal checkpoint", err)
}

func knownTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}
