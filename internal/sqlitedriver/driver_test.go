package sqlitedriver_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hivestate/internal/sqlitedriver"
)

func TestDriverRegistered(t *testing.T) {
	assert.True(t, slices.Contains(sql.Drivers(), sqlitedriver.Name), "sqlite3 driver should be registered")
	assert.NotEmpty(t, sqlitedriver.Backend)
}

func TestDSNEnablesForeignKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fk.db")
	db, err := sql.Open(sqlitedriver.Name, sqlitedriver.DSN(path))
	require.NoError(t, err)
	defer db.Close()

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var timeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

// lockedWrite returns the error a second connection gets when it writes while
// the first holds a write transaction and no busy timeout is set.
func lockedWrite(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	holder, err := sql.Open(sqlitedriver.Name, sqlitedriver.DSN(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	_, err = holder.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT);`)
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

	_, err = other.Exec(`INSERT INTO kv (k, v) VALUES ('a', 'b');`)
	require.Error(t, err)
	return err
}

func TestIsBusy(t *testing.T) {
	busy := lockedWrite(t)
	assert.True(t, sqlitedriver.IsBusy(busy), "driver error: %v", busy)
	assert.True(t, sqlitedriver.IsBusy(fmt.Errorf("commit: %w", busy)))

	assert.False(t, sqlitedriver.IsBusy(nil))
	assert.False(t, sqlitedriver.IsBusy(errors.New("database is locked")))
	assert.False(t, sqlitedriver.IsBusy(errors.New("row (5) rejected")))
}

func TestIsBusy_OtherDriverErrors(t *testing.T) {
	db, err := sql.Open(sqlitedriver.Name, sqlitedriver.DSN(filepath.Join(t.TempDir(), "x.db")))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`SELECT * FROM missing_table;`)
	require.Error(t, err)
	assert.False(t, sqlitedriver.IsBusy(err))
}
