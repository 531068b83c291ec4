package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/hivestate/internal/bus"
	"github.com/basket/hivestate/internal/sqlitedriver"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
// Fixed width keeps TEXT comparisons in SQL chronological.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

const defaultBusyRetries = 5

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the storage engine adapter over a single SQLite file. A Store
// returned by WithTx is bound to the transaction and must not be closed.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
	path string
	bus  *bus.Bus // may be nil in tests

	// pending collects events published inside a transaction; they are
	// delivered only after commit.
	pending *[]bus.Event
}

func DefaultDBPath() string {
	if override := os.Getenv("HIVESTATE_HOME"); override != "" {
		return filepath.Join(override, "hivestate.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hivestate", "hivestate.db")
}

// Open opens (creating if needed) the database at path and upgrades the
// schema to LatestSchemaVersion. A schema that cannot reach the latest
// version is reported as a *MigrationError and the handle is closed.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	store, err := open(path, eventBus)
	if err != nil {
		return nil, err
	}
	if _, err := store.Upgrade(context.Background(), LatestSchemaVersion); err != nil {
		_ = store.db.Close()
		return nil, err
	}
	return store, nil
}

// OpenExisting opens the database without applying migrations. The recorded
// schema checksum is still verified.
func OpenExisting(path string, eventBus *bus.Bus) (*Store, error) {
	store, err := open(path, eventBus)
	if err != nil {
		return nil, err
	}
	if err := store.verifySchema(context.Background()); err != nil {
		_ = store.db.Close()
		return nil, err
	}
	return store, nil
}

func open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "create db directory", Err: err}
	}

	db, err := sql.Open(sqlitedriver.Name, sqlitedriver.DSN(path))
	if err != nil {
		return nil, &StorageError{Op: "open sqlite", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, q: db, path: path, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	if s.inTx {
		return errors.New("close called on transaction-bound store")
	}
	return s.db.Close()
}

// WithTx runs fn against a store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Calls on
// an already transaction-bound store reuse the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return retryOnBusy(ctx, defaultBusyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return &StorageError{Op: "begin tx", Err: err}
		}
		defer func() { _ = tx.Rollback() }()

		var pending []bus.Event
		bound := &Store{db: s.db, q: tx, inTx: true, path: s.path, bus: s.bus, pending: &pending}
		if err := fn(bound); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return &StorageError{Op: "commit tx", Err: err}
		}
		for _, ev := range pending {
			s.publish(ev.Topic, ev.Payload)
		}
		return nil
	})
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy matches on the driver result code, never on message text.
func isSQLiteBusy(err error) bool {
	return sqlitedriver.IsBusy(err)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return &StorageError{Op: fmt.Sprintf("set pragma %q", q), Err: err}
		}
	}
	return nil
}

func (s *Store) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	if s.inTx {
		*s.pending = append(*s.pending, bus.Event{Topic: topic, Payload: payload})
		return
	}
	s.bus.Publish(topic, payload)
}

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp. Malformed values yield the zero time.
func ParseTime(v string) time.Time {
	t, err := time.Parse(TimeLayout, v)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullJSON(v []byte) sql.NullString {
	return sql.NullString{String: string(v), Valid: len(v) > 0}
}

func rawOrNil(v sql.NullString) []byte {
	if !v.Valid || v.String == "" {
		return nil
	}
	return []byte(v.String)
}
