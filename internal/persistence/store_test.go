package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hivestate/internal/bus"
	"github.com/basket/hivestate/internal/persistence"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hivestate.db")
	store, err := persistence.Open(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func seedSession(t *testing.T, store *persistence.Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, store.InsertSession(context.Background(), persistence.Session{
		ID: id, Label: "label-" + id, Objective: "obj", CreatedAt: at, UpdatedAt: at,
	}))
}

func TestStore_OpenConfiguresWALAndForeignKeys(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode;").Scan(&journal))
	assert.Equal(t, "wal", journal)

	var synchronous int
	require.NoError(t, db.QueryRow("PRAGMA synchronous;").Scan(&synchronous))
	assert.Equal(t, 2, synchronous, "synchronous FULL")

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys;").Scan(&fk))
	assert.Equal(t, 1, fk)

	version, err := store.CurrentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, persistence.LatestSchemaVersion, version)
}

func TestStore_SessionRoundTripAndOrdering(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	seedSession(t, store, "a", t0)
	seedSession(t, store, "b", t0.Add(time.Minute))
	seedSession(t, store, "c", t0.Add(2*time.Minute))
	require.NoError(t, store.TouchSession(ctx, "a", t0.Add(time.Hour)))

	got, err := store.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "label-a", got.Label)
	assert.Equal(t, persistence.DefaultMode, got.Mode)
	assert.Equal(t, persistence.SessionStatusActive, got.Status)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Hour)))

	list, err := store.ListSessions(ctx, persistence.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})

	limited, err := store.ListSessions(ctx, persistence.SessionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_GetSessionNotFound(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.GetSession(context.Background(), "missing")
	var nf *persistence.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "session", nf.Kind)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStore_SessionStatusTransitions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	sess, err := store.SetSessionStatus(ctx, "s", persistence.SessionStatusPaused, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, persistence.SessionStatusPaused, sess.Status)

	_, err = store.SetSessionStatus(ctx, "s", persistence.SessionStatusCompleted, t0.Add(2*time.Second))
	require.NoError(t, err)

	_, err = store.SetSessionStatus(ctx, "s", persistence.SessionStatusActive, t0.Add(3*time.Second))
	assert.ErrorIs(t, err, persistence.ErrInvalidTransition)

	again, err := store.SetSessionStatus(ctx, "s", persistence.SessionStatusCompleted, t0.Add(4*time.Second))
	require.NoError(t, err, "same-status transition is a no-op")
	assert.Equal(t, persistence.SessionStatusCompleted, again.Status)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to persistence.SessionStatus
		want     bool
	}{
		{persistence.SessionStatusActive, persistence.SessionStatusPaused, true},
		{persistence.SessionStatusPaused, persistence.SessionStatusActive, true},
		{persistence.SessionStatusActive, persistence.SessionStatusCompleted, true},
		{persistence.SessionStatusPaused, persistence.SessionStatusArchived, true},
		{persistence.SessionStatusCompleted, persistence.SessionStatusActive, false},
		{persistence.SessionStatusArchived, persistence.SessionStatusActive, false},
		{persistence.SessionStatusCompleted, persistence.SessionStatusArchived, false},
		{persistence.SessionStatusArchived, persistence.SessionStatusPaused, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, persistence.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	all := []persistence.SessionStatus{
		persistence.SessionStatusActive, persistence.SessionStatusPaused,
		persistence.SessionStatusCompleted, persistence.SessionStatusArchived,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, persistence.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, persistence.SessionStatusActive.Terminal())
	assert.True(t, persistence.SessionStatusCompleted.Terminal())
}

func TestStore_CheckpointWALTruncatesLog(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s1", t0)

	info, err := os.Stat(dbPath + "-wal")
	require.NoError(t, err)
	require.Positive(t, info.Size())

	require.NoError(t, store.CheckpointWAL(ctx))
	info, err = os.Stat(dbPath + "-wal")
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "label-s1", got.Label)
}

func TestStore_SetSessionProgressMonotonic(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	got, err := store.SetSessionProgress(ctx, "s", 40, false, t0)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got)

	got, err = store.SetSessionProgress(ctx, "s", 25, false, t0)
	require.NoError(t, err)
	assert.Equal(t, 40.0, got, "lower value without reset is ignored")

	got, err = store.SetSessionProgress(ctx, "s", 25, true, t0)
	require.NoError(t, err)
	assert.Equal(t, 25.0, got)

	_, err = store.SetSessionProgress(ctx, "nope", 10, false, t0)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStore_CheckpointsLatestAndTieBreak(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	none, err := store.LatestCheckpoint(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, none)

	for _, id := range []string{"cp1", "cp2", "cp3"} {
		require.NoError(t, store.InsertCheckpoint(ctx, persistence.Checkpoint{
			ID: id, SessionID: "s", Name: id, Payload: json.RawMessage(`{"id":"` + id + `"}`), CreatedAt: t0,
		}))
	}

	latest, err := store.LatestCheckpoint(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "cp3", latest.ID)
	assert.JSONEq(t, `{"id":"cp3"}`, string(latest.Payload))

	list, err := store.ListCheckpoints(ctx, "s", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "cp3", list[0].ID)
}

func TestStore_CheckpointRejectsInvalidJSONAndUnknownSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	err := store.InsertCheckpoint(ctx, persistence.Checkpoint{ID: "x", SessionID: "s", Payload: json.RawMessage(`{`), CreatedAt: t0})
	assert.ErrorIs(t, err, persistence.ErrInvalidPayload)

	err = store.InsertCheckpoint(ctx, persistence.Checkpoint{ID: "y", SessionID: "ghost", Payload: json.RawMessage(`{}`), CreatedAt: t0})
	require.Error(t, err)
	var se *persistence.StorageError
	assert.True(t, errors.As(err, &se), "foreign key failure surfaces as StorageError: %v", err)

	n, err := store.CountRows(ctx, "checkpoints")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_PruneCheckpointsKeepsLatestPerSession(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "a", t0)
	seedSession(t, store, "b", t0)

	old := t0.Add(-48 * time.Hour)
	for i, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, store.InsertCheckpoint(ctx, persistence.Checkpoint{
			ID: id, SessionID: "a", Name: id, Payload: json.RawMessage(`{}`), CreatedAt: old.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.InsertCheckpoint(ctx, persistence.Checkpoint{
		ID: "b1", SessionID: "b", Name: "b1", Payload: json.RawMessage(`{}`), CreatedAt: old,
	}))

	n, err := store.PruneCheckpoints(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	la, err := store.LatestCheckpoint(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a3", la.ID)
	lb, err := store.LatestCheckpoint(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b1", lb.ID)
}

func TestStore_EventsAppendOrder(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	var last int64
	for i := 0; i < 5; i++ {
		id, err := store.AppendEvent(ctx, persistence.SessionEvent{
			SessionID: "s", Level: persistence.EventLevelInfo, Message: "m", CreatedAt: t0,
		})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}

	events, err := store.ListEvents(ctx, "s", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Less(t, events[0].ID, events[2].ID, "chronological order")
	assert.Equal(t, last, events[2].ID)

	_, err = store.AppendEvent(ctx, persistence.SessionEvent{SessionID: "s", Message: "bad", Detail: json.RawMessage(`nope`), CreatedAt: t0})
	assert.ErrorIs(t, err, persistence.ErrInvalidPayload)
}

func TestStore_TaskUpsertAndCounts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	statuses := []persistence.TaskStatus{
		persistence.TaskStatusCompleted, persistence.TaskStatusCompleted,
		persistence.TaskStatusCompleted, persistence.TaskStatusRunning,
	}
	for i, st := range statuses {
		require.NoError(t, store.UpsertTask(ctx, persistence.Task{
			ID: string(rune('a' + i)), SessionID: "s", Description: "d", Status: st, UpdatedAt: t0,
		}))
	}

	counts, err := store.CountTasks(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total)
	assert.Equal(t, 3, counts.Completed)
	assert.Equal(t, 1, counts.Running)
	assert.InDelta(t, 75.0, counts.Percent(), 0.0001)

	require.NoError(t, store.UpsertTask(ctx, persistence.Task{ID: "a", SessionID: "s", Status: persistence.TaskStatusFailed, UpdatedAt: t0.Add(time.Second)}))
	task, err := store.GetTask(ctx, "s", "a")
	require.NoError(t, err)
	assert.Equal(t, persistence.TaskStatusFailed, task.Status)
	assert.Equal(t, "d", task.Description, "empty description keeps stored value")
	assert.True(t, task.CreatedAt.Equal(t0))

	live, err := store.ListTasks(ctx, "s", persistence.TaskStatusPending, persistence.TaskStatusRunning)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "d", live[0].ID)
}

func TestTaskCounts_PercentNoTasks(t *testing.T) {
	assert.Zero(t, persistence.TaskCounts{}.Percent())
	assert.Equal(t, 100.0, persistence.TaskCounts{Archived: 2}.Percent())
}

func TestStore_AgentsUpsertAndStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	require.NoError(t, store.UpsertAgent(ctx, persistence.Agent{
		ID: "ag", SessionID: "s", Name: "coder", Role: "worker", Capabilities: []string{"go", "sql"}, UpdatedAt: t0,
	}))
	require.NoError(t, store.SetAgentStatus(ctx, "s", "ag", persistence.AgentStatusActive, t0.Add(time.Second)))

	agent, err := store.GetAgent(ctx, "s", "ag")
	require.NoError(t, err)
	assert.Equal(t, persistence.AgentStatusActive, agent.Status)
	assert.Equal(t, []string{"go", "sql"}, agent.Capabilities)

	err = store.SetAgentStatus(ctx, "s", "ghost", persistence.AgentStatusError, t0)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStore_MemoryTTL(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "s", t0)

	require.NoError(t, store.UpsertMemory(ctx, persistence.MemoryEntry{SessionID: "s", Key: "k1", Value: json.RawMessage(`1`), UpdatedAt: t0}))
	require.NoError(t, store.UpsertMemory(ctx, persistence.MemoryEntry{SessionID: "s", Key: "k2", Value: json.RawMessage(`"v"`), TTL: time.Minute, UpdatedAt: t0}))

	got, err := store.GetMemory(ctx, "s", "k2", t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.TTL)

	_, err = store.GetMemory(ctx, "s", "k2", t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	live, err := store.ListMemory(ctx, "s", t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "k1", live[0].Key)

	n, err := store.DeleteExpiredMemory(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := tx.InsertSession(ctx, persistence.Session{ID: "s", CreatedAt: t0, UpdatedAt: t0}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetSession(ctx, "s")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStore_PublishesSessionEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session.")
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "hivestate.db"), b)
	require.NoError(t, err)
	defer store.Close()

	seedSession(t, store, "s", t0)
	select {
	case ev := <-sub.Ch():
		assert.Equal(t, bus.TopicSessionCreated, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("no session.created event")
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	store, path := openTestStore(t)
	seedSession(t, store, "s", t0)
	require.NoError(t, store.Close())

	reopened, err := persistence.OpenExisting(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	sess, err := reopened.GetSession(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "label-s", sess.Label)
}
