package session_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/session"
)

func TestCommitFlushWritesEverything(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sess, err := mgr.CreateSession(ctx, "l", "o", "")
	require.NoError(t, err)

	res, err := mgr.CommitFlush(ctx, session.FlushBatch{
		SessionID: sess.ID,
		Tasks: []persistence.Task{
			{ID: "t1", Status: persistence.TaskStatusCompleted},
			{ID: "t2", Status: persistence.TaskStatusCompleted},
			{ID: "t3", Status: persistence.TaskStatusCompleted},
			{ID: "t4", Status: persistence.TaskStatusPending},
		},
		Agents: []persistence.Agent{{ID: "a1", Name: "planner", Status: persistence.AgentStatusActive}},
		Memory: []persistence.MemoryEntry{{Key: "goal", Value: json.RawMessage(`"ship"`)}},
		Events: []session.EventInput{
			{Message: "task_completed"},
			{Level: persistence.EventLevelDebug, Message: "memory_update"},
		},
		CheckpointName:    "auto-save-1",
		CheckpointPayload: json.RawMessage(`{"changes":6}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CheckpointID)
	assert.True(t, res.ProgressSynced)
	assert.InDelta(t, 75.0, res.Progress, 0.01)
	assert.Equal(t, 2, res.Events)

	got, err := mgr.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, got.Progress, 0.01)

	pending, err := mgr.ListTasks(ctx, sess.ID, persistence.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t4", pending[0].ID)

	agents, err := mgr.ListAgents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	mem, err := mgr.GetMemory(ctx, sess.ID, "goal")
	require.NoError(t, err)
	assert.JSONEq(t, `"ship"`, string(mem.Value))

	cp, err := mgr.GetLatestCheckpoint(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, res.CheckpointID, cp.ID)
	assert.Equal(t, "auto-save-1", cp.Name)
}

func TestCommitFlushFailureLeavesNoTrace(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sess, err := mgr.CreateSession(ctx, "l", "o", "")
	require.NoError(t, err)

	_, err = mgr.CommitFlush(ctx, session.FlushBatch{
		SessionID: sess.ID,
		Tasks: []persistence.Task{
			{ID: "ok", Status: persistence.TaskStatusCompleted},
			{ID: "bad", Status: "exploded"}, // violates the status CHECK constraint
		},
		Events:            []session.EventInput{{Message: "task_progress"}},
		CheckpointName:    "auto-save-2",
		CheckpointPayload: json.RawMessage(`{}`),
	})
	var se *persistence.StorageError
	require.ErrorAs(t, err, &se)

	_, err = mgr.GetLatestCheckpoint(ctx, sess.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound, "no torn checkpoint")

	tasks, err := mgr.ListTasks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	events, err := mgr.ListSessionEvents(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCommitFlushUnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.CommitFlush(context.Background(), session.FlushBatch{
		SessionID:         "ghost",
		CheckpointPayload: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestCommitFlushWithoutTasksKeepsProgress(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	sess, err := mgr.CreateSession(ctx, "l", "o", "")
	require.NoError(t, err)
	_, err = mgr.UpdateSessionProgress(ctx, sess.ID, 33)
	require.NoError(t, err)

	res, err := mgr.CommitFlush(ctx, session.FlushBatch{
		SessionID: sess.ID,
		Events:    []session.EventInput{{Message: "agent_activity"}},
	})
	require.NoError(t, err)
	assert.False(t, res.ProgressSynced)
	assert.Equal(t, 33.0, res.Progress)
	assert.Empty(t, res.CheckpointID)
}

func TestFlushBatchEmpty(t *testing.T) {
	assert.True(t, session.FlushBatch{SessionID: "s"}.Empty())
	assert.False(t, session.FlushBatch{Events: []session.EventInput{{Message: "x"}}}.Empty())
}
