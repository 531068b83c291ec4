package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/hivestate/internal/bus"
)

const (
	// v1: sessions, checkpoints, session_events, agents, tasks, collective_memory.
	schemaVersionV1  = 1
	schemaChecksumV1 = "hs-v1-2026-09-02-base"

	// v2: read-path indexes.
	schemaVersionV2  = 2
	schemaChecksumV2 = "hs-v2-2026-09-14-indexes"

	// v3: task_archive, maintenance_runs, sessions.archived_tasks.
	schemaVersionV3  = 3
	schemaChecksumV3 = "hs-v3-2026-10-01-archival"

	LatestSchemaVersion = schemaVersionV3
)

// Migration is one additive schema step. Up runs inside the same transaction
// that records the new version, so a failing step leaves the version row at
// the previous value.
type Migration struct {
	Version  int
	Checksum string
	Up       func(ctx context.Context, tx *Store) error
}

var migrations = []Migration{
	{Version: schemaVersionV1, Checksum: schemaChecksumV1, Up: execAll(
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			objective TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'completed', 'archived')),
			mode TEXT NOT NULL DEFAULT 'hierarchical',
			progress REAL NOT NULL DEFAULT 0 CHECK(progress >= 0 AND progress <= 100),
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			level TEXT NOT NULL DEFAULT 'info' CHECK(level IN ('debug', 'info', 'warn', 'error')),
			message TEXT NOT NULL,
			actor_id TEXT,
			detail TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'active', 'error', 'terminated')),
			capabilities TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			agent_id TEXT,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'completed', 'failed')),
			result TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, id)
		);`,
		`CREATE TABLE IF NOT EXISTS collective_memory (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			ttl_seconds INTEGER,
			expires_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, key)
		);`,
	)},
	{Version: schemaVersionV2, Checksum: schemaChecksumV2, Up: execAll(
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session_created ON checkpoints(session_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session_created ON session_events(session_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_session_status ON agents(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_updated ON collective_memory(updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_expires ON collective_memory(expires_at);`,
	)},
	{Version: schemaVersionV3, Checksum: schemaChecksumV3, Up: func(ctx context.Context, tx *Store) error {
		if err := execAll(
			`CREATE TABLE IF NOT EXISTS task_archive (
				id TEXT NOT NULL,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				agent_id TEXT,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				result TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				archived_at TEXT NOT NULL,
				PRIMARY KEY (session_id, id)
			);`,
			`CREATE TABLE IF NOT EXISTS maintenance_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				operation TEXT NOT NULL,
				rows_affected INTEGER NOT NULL DEFAULT 0,
				detail TEXT NOT NULL DEFAULT '',
				started_at TEXT NOT NULL,
				finished_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_maintenance_runs_op ON maintenance_runs(operation, finished_at);`,
		)(ctx, tx); err != nil {
			return err
		}
		return tx.addColumnIfMissing(ctx, "sessions", "archived_tasks", "INTEGER NOT NULL DEFAULT 0")
	}},
}

// Migrations returns the known schema steps in ascending order.
func Migrations() []Migration {
	out := make([]Migration, len(migrations))
	copy(out, migrations)
	return out
}

func execAll(stmts ...string) func(ctx context.Context, tx *Store) error {
	return func(ctx context.Context, tx *Store) error {
		for _, stmt := range stmts {
			if _, err := tx.q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
		return nil
	}
}

func (s *Store) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	ok, err := s.hasColumn(ctx, table, column)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := s.q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) hasColumn(ctx context.Context, table, column string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM pragma_table_info(?) WHERE name = ?;`, table, column,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("inspect %s columns: %w", table, err)
	}
	return n > 0, nil
}

// TableExists reports whether table is present. Tables added by later
// migrations are absent from a database that has not been upgraded.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?;`, table,
	).Scan(&n); err != nil {
		return false, storageErr("inspect tables", err)
	}
	return n > 0, nil
}

// CurrentVersion returns the applied schema version, 0 for a fresh file.
func (s *Store) CurrentVersion(ctx context.Context) (int, error) {
	version, _, err := s.readVersion(ctx)
	return version, err
}

func (s *Store) readVersion(ctx context.Context) (int, string, error) {
	var tables int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version';`,
	).Scan(&tables); err != nil {
		return 0, "", storageErr("check schema_version table", err)
	}
	if tables == 0 {
		return 0, "", nil
	}
	var version int
	var checksum string
	err := s.q.QueryRowContext(ctx, `SELECT version, checksum FROM schema_version WHERE id = 1;`).Scan(&version, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", storageErr("read schema version", err)
	}
	return version, checksum, nil
}

func (s *Store) verifySchema(ctx context.Context) error {
	version, checksum, err := s.readVersion(ctx)
	if err != nil {
		return &MigrationError{Version: version, Err: err}
	}
	return verifyChecksum(migrations, version, checksum)
}

func verifyChecksum(set []Migration, version int, checksum string) error {
	if version == 0 {
		return nil
	}
	if version > len(set) {
		return &MigrationError{Version: version, Err: fmt.Errorf("db schema version %d is newer than supported %d", version, len(set))}
	}
	want := set[version-1].Checksum
	if checksum != want {
		return &MigrationError{Version: version, Err: fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", version, checksum, want)}
	}
	return nil
}

// Upgrade applies every missing migration up to target in ascending order and
// returns how many were applied. A target at or below the current version is
// a no-op; the version is never lowered.
func (s *Store) Upgrade(ctx context.Context, target int) (int, error) {
	return s.upgrade(ctx, target, migrations)
}

func (s *Store) upgrade(ctx context.Context, target int, set []Migration) (int, error) {
	if target < 0 || target > len(set) {
		return 0, &MigrationError{Version: target, Err: fmt.Errorf("target version %d outside supported range 0..%d", target, len(set))}
	}
	if _, err := s.q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		return 0, &MigrationError{Version: target, Err: storageErr("create schema_version", err)}
	}

	current, checksum, err := s.readVersion(ctx)
	if err != nil {
		return 0, &MigrationError{Version: target, Err: err}
	}
	if err := verifyChecksum(set, current, checksum); err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range set {
		if m.Version <= current || m.Version > target {
			continue
		}
		err := s.WithTx(ctx, func(tx *Store) error {
			if err := m.Up(ctx, tx); err != nil {
				return err
			}
			return tx.recordVersion(ctx, m)
		})
		if err != nil {
			return applied, &MigrationError{Version: m.Version, Err: err}
		}
		applied++
		s.publish(bus.TopicSchemaUpgraded, bus.SchemaUpgradedEvent{From: current, To: m.Version})
		current = m.Version
	}
	return applied, nil
}

func (s *Store) recordVersion(ctx context.Context, m Migration) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO schema_version (id, version, checksum, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
		WHERE excluded.version > schema_version.version;
	`, m.Version, m.Checksum, FormatTime(time.Now()))
	return storageErr("record schema version", err)
}
