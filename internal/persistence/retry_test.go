package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hivestate/internal/sqlitedriver"
)

// busyError returns a real SQLITE_BUSY from a write that races a held
// write transaction.
func busyError(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	holder, err := sql.Open(sqlitedriver.Name, sqlitedriver.DSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	_, err = holder.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY);`)
	require.NoError(t, err)
	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = conn.ExecContext(ctx, `BEGIN IMMEDIATE;`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = conn.ExecContext(ctx, `ROLLBACK;`) })

	other, err := sql.Open(sqlitedriver.Name, sqlitedriver.DSN(path))
	require.NoError(t, err)
	other.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = other.Close() })
	_, err = other.Exec(`PRAGMA busy_timeout = 0;`)
	require.NoError(t, err)
	_, err = other.Exec(`INSERT INTO kv (k) VALUES ('a');`)
	require.Error(t, err)
	return err
}

func TestIsSQLiteBusy(t *testing.T) {
	busy := busyError(t)
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{errors.New("no such table: foo"), false},
		{errors.New("database is locked"), false},
		{errors.New("constraint failed on row (5)"), false},
		{busy, true},
		{&StorageError{Op: "commit tx", Err: busy}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, isSQLiteBusy(tt.err), "isSQLiteBusy(%v)", tt.err)
	}
}

func TestRetryOnBusy(t *testing.T) {
	busy := busyError(t)

	t.Run("success first try", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error { calls++; return nil })
		assert.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("non-busy error is not retried", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error { calls++; return errors.New("constraint failed") })
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("busy then success", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 3, func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("retries exhausted", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(context.Background(), 2, func() error { calls++; return busy })
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("context canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := retryOnBusy(ctx, 5, func() error {
			cancel()
			return busy
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
