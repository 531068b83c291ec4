package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *Store {
	t.Helper()
	store, err := open(filepath.Join(t.TempDir(), "hivestate.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func tableExists(t *testing.T, s *Store, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?;`, name).Scan(&n))
	return n > 0
}

func TestUpgrade_FreshFileReachesLatest(t *testing.T) {
	s := openRaw(t)
	ctx := context.Background()

	v, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	applied, err := s.Upgrade(ctx, LatestSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, applied)

	v, err = s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, v)
	for _, table := range Tables {
		assert.True(t, tableExists(t, s, table), table)
	}
}

func TestUpgrade_IdempotentAndNeverLowers(t *testing.T) {
	s := openRaw(t)
	ctx := context.Background()
	_, err := s.Upgrade(ctx, LatestSchemaVersion)
	require.NoError(t, err)

	applied, err := s.Upgrade(ctx, LatestSchemaVersion)
	require.NoError(t, err)
	assert.Zero(t, applied)

	applied, err = s.Upgrade(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, applied)

	v, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, v)
}

func TestUpgrade_StepwiseKeepsExistingRows(t *testing.T) {
	s := openRaw(t)
	ctx := context.Background()

	_, err := s.Upgrade(ctx, schemaVersionV1)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.InsertSession(ctx, Session{ID: "old", Label: "pre-upgrade", CreatedAt: now, UpdatedAt: now}))
	assert.False(t, tableExists(t, s, "task_archive"))

	applied, err := s.Upgrade(ctx, LatestSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	sess, err := s.GetSession(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "pre-upgrade", sess.Label)
	assert.Zero(t, sess.ArchivedTasks)
}

func TestUpgrade_FailedStepLeavesPreviousVersion(t *testing.T) {
	s := openRaw(t)
	ctx := context.Background()

	boom := errors.New("boom")
	set := append(Migrations()[:2:2], Migration{
		Version:  3,
		Checksum: schemaChecksumV3,
		Up: func(ctx context.Context, tx *Store) error {
			if _, err := tx.q.ExecContext(ctx, `CREATE TABLE half_applied (id INTEGER);`); err != nil {
				return err
			}
			return boom
		},
	})

	applied, err := s.upgrade(ctx, 3, set)
	var me *MigrationError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 3, me.Version)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, applied)

	v, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.False(t, tableExists(t, s, "half_applied"), "failed step must roll back")
}

func TestUpgrade_RejectsOutOfRangeTarget(t *testing.T) {
	s := openRaw(t)
	_, err := s.Upgrade(context.Background(), LatestSchemaVersion+1)
	var me *MigrationError
	assert.ErrorAs(t, err, &me)
}

func TestVerifySchema_NewerVersionAndChecksumMismatch(t *testing.T) {
	ctx := context.Background()

	t.Run("newer than supported", func(t *testing.T) {
		s := openRaw(t)
		_, err := s.Upgrade(ctx, LatestSchemaVersion)
		require.NoError(t, err)
		_, err = s.db.Exec(`UPDATE schema_version SET version = 99 WHERE id = 1;`)
		require.NoError(t, err)

		err = s.verifySchema(ctx)
		var me *MigrationError
		require.ErrorAs(t, err, &me)
		assert.Contains(t, err.Error(), "newer than supported")
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		s := openRaw(t)
		_, err := s.Upgrade(ctx, LatestSchemaVersion)
		require.NoError(t, err)
		_, err = s.db.Exec(`UPDATE schema_version SET checksum = 'tampered' WHERE id = 1;`)
		require.NoError(t, err)

		_, err = s.Upgrade(ctx, LatestSchemaVersion)
		assert.ErrorContains(t, err, "checksum mismatch")
	})
}

func TestFormatParseTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 14, 8, 30, 0, 123456789, time.FixedZone("x", 3600))
	got := ParseTime(FormatTime(at))
	assert.True(t, got.Equal(at))
	assert.True(t, ParseTime("garbage").IsZero())
	assert.Less(t, FormatTime(at), FormatTime(at.Add(time.Nanosecond)))
}
