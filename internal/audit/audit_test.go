package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hivestate/internal/shared"
)

func decode(t *testing.T, raw []byte) []Entry {
	t.Helper()
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	return out
}

func TestRecord_WritesEntries(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	ctx := shared.WithActor(shared.WithTraceID(context.Background(), "trace-1"), "cli")

	r.Record(ctx, "archive_tasks", 12, "mode=move", nil)
	r.Record(ctx, "vacuum", 0, "", errors.New("database is locked"))

	entries := decode(t, buf.Bytes())
	require.Len(t, entries, 2)
	assert.Equal(t, "archive_tasks", entries[0].Operation)
	assert.Equal(t, "ok", entries[0].Outcome)
	assert.Equal(t, int64(12), entries[0].RowsAffected)
	assert.Equal(t, "trace-1", entries[0].TraceID)
	assert.Equal(t, "cli", entries[0].Actor)
	assert.Equal(t, "error", entries[1].Outcome)
	assert.Equal(t, "database is locked", entries[1].Error)
}

func TestRecord_RedactsDetail(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Record(context.Background(), "backup", 0, "dest=s3://u:hunter2@bucket/x", nil)
	entries := decode(t, buf.Bytes())
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Detail, "hunter2")
}

func TestOpen_AppendsToFile(t *testing.T) {
	home := t.TempDir()
	r, err := Open(home)
	require.NoError(t, err)
	r.Record(context.Background(), "prune_events", 3, "", nil)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	r.Record(context.Background(), "after_close", 0, "", nil)

	raw, err := os.ReadFile(filepath.Join(home, "logs", FileName))
	require.NoError(t, err)
	entries := decode(t, raw)
	require.Len(t, entries, 1)
	assert.Equal(t, "system", entries[0].Actor)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), "x", 0, "", nil)
	assert.NoError(t, r.Close())
}
