package resume_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/resume"
	"github.com/basket/hivestate/internal/session"
)

func newOrchestrator(t *testing.T) (*resume.Orchestrator, *session.Manager) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hivestate.db"), nil)
	require.NoError(t, err)
	mgr := session.NewManager(store)
	t.Cleanup(func() { _ = mgr.Close() })
	return resume.New(mgr), mgr
}

func TestResume_UnknownSession(t *testing.T) {
	o, _ := newOrchestrator(t)
	_, err := o.Resume(context.Background(), "does-not-exist")
	require.Error(t, err)

	var nf *persistence.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "session", nf.Kind)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.Equal(t, "no session with id does-not-exist exists", resume.Describe(err))
}

func TestResume_BuildsContext(t *testing.T) {
	o, mgr := newOrchestrator(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "build", "ship it", "")
	require.NoError(t, err)
	for id, status := range map[string]persistence.TaskStatus{
		"t1": persistence.TaskStatusCompleted,
		"t2": persistence.TaskStatusCompleted,
		"t3": persistence.TaskStatusCompleted,
		"t4": persistence.TaskStatusPending,
	} {
		require.NoError(t, mgr.UpsertTask(ctx, persistence.Task{ID: id, SessionID: sess.ID, Description: id, Status: status}))
	}
	require.NoError(t, mgr.UpsertAgent(ctx, persistence.Agent{ID: "a1", SessionID: sess.ID, Name: "planner", Role: "lead"}))
	_, err = mgr.SaveCheckpoint(ctx, sess.ID, "first", json.RawMessage(`{"step":1}`))
	require.NoError(t, err)
	cpID, err := mgr.SaveCheckpoint(ctx, sess.ID, "second", json.RawMessage(`{"step":2}`))
	require.NoError(t, err)
	for i := 0; i < 15; i++ {
		_, err := mgr.LogSessionEvent(ctx, sess.ID, persistence.EventLevelInfo, fmt.Sprintf("event %d", i), "", nil)
		require.NoError(t, err)
	}

	rc, err := o.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, rc.Session.ID)
	require.NotNil(t, rc.LatestCheckpoint)
	assert.Equal(t, cpID, rc.LatestCheckpoint.ID)
	assert.JSONEq(t, `{"step":2}`, string(rc.LatestCheckpoint.Payload))
	require.Len(t, rc.PendingTasks, 1)
	assert.Equal(t, "t4", rc.PendingTasks[0].ID)
	require.Len(t, rc.Agents, 1)
	require.Len(t, rc.RecentEvents, resume.RecentEventLimit)
	assert.Equal(t, "event 5", rc.RecentEvents[0].Message)
	assert.Equal(t, "event 14", rc.RecentEvents[9].Message)
	assert.InDelta(t, 75.0, rc.Progress, 0.0001)

	after, err := mgr.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.Equal(rc.Session.UpdatedAt), "resume does not write")
}

func TestResume_NoCheckpoint(t *testing.T) {
	o, mgr := newOrchestrator(t)
	ctx := context.Background()
	sess, err := mgr.CreateSession(ctx, "empty", "", "")
	require.NoError(t, err)

	rc, err := o.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, rc.LatestCheckpoint)
	assert.Empty(t, rc.PendingTasks)
	assert.Zero(t, rc.Progress)
}

func TestResume_ArchivedSession(t *testing.T) {
	o, mgr := newOrchestrator(t)
	ctx := context.Background()
	sess, err := mgr.CreateSession(ctx, "old", "", "")
	require.NoError(t, err)
	_, err = mgr.Store().ArchiveSessionsIdleSince(ctx, time.Now().Add(time.Hour), time.Now())
	require.NoError(t, err)

	_, err = o.Resume(ctx, sess.ID)
	var archived *persistence.ArchivedError
	require.True(t, errors.As(err, &archived))
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.ErrorIs(t, err, persistence.ErrSessionArchived)
	assert.Contains(t, resume.Describe(err), "archived")

	_, err = o.Reactivate(ctx, sess.ID)
	assert.ErrorIs(t, err, persistence.ErrSessionArchived)
}

func TestResume_SnapshotIsConsistentDuringFlushes(t *testing.T) {
	const tasks = 20
	o, mgr := newOrchestrator(t)
	ctx := context.Background()

	sess, err := mgr.CreateSession(ctx, "live", "", "")
	require.NoError(t, err)
	for i := 1; i <= tasks; i++ {
		id := fmt.Sprintf("t%02d", i)
		require.NoError(t, mgr.UpsertTask(ctx, persistence.Task{ID: id, SessionID: sess.ID, Description: id, Status: persistence.TaskStatusPending}))
	}

	done := make(chan error, 1)
	go func() {
		for k := 1; k <= tasks; k++ {
			_, err := mgr.CommitFlush(ctx, session.FlushBatch{
				SessionID:         sess.ID,
				Tasks:             []persistence.Task{{ID: fmt.Sprintf("t%02d", k), SessionID: sess.ID, Description: "done", Status: persistence.TaskStatusCompleted}},
				CheckpointName:    fmt.Sprintf("done-%d", k),
				CheckpointPayload: json.RawMessage(fmt.Sprintf(`{"completed":%d}`, k)),
			})
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for finished := false; !finished; {
		select {
		case err := <-done:
			require.NoError(t, err)
			finished = true
		default:
		}
		rc, err := o.Resume(ctx, sess.ID)
		require.NoError(t, err)
		completed := 0
		if rc.LatestCheckpoint != nil {
			_, err := fmt.Sscanf(rc.LatestCheckpoint.Name, "done-%d", &completed)
			require.NoError(t, err)
		}
		assert.Len(t, rc.PendingTasks, tasks-completed)
		assert.InDelta(t, float64(completed)/tasks*100, rc.Progress, 0.001)
	}
}

func TestReactivate(t *testing.T) {
	o, mgr := newOrchestrator(t)
	ctx := context.Background()
	sess, err := mgr.CreateSession(ctx, "p", "", "")
	require.NoError(t, err)
	_, err = mgr.Pause(ctx, sess.ID)
	require.NoError(t, err)

	got, err := o.Reactivate(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, persistence.SessionStatusActive, got.Status)

	_, err = mgr.Complete(ctx, sess.ID)
	require.NoError(t, err)
	_, err = o.Reactivate(ctx, sess.ID)
	assert.ErrorIs(t, err, persistence.ErrInvalidTransition)
	assert.Contains(t, resume.Describe(err), "cannot become active")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", resume.Describe(nil))
	err := &persistence.StorageError{Op: "get session", Err: errors.New("disk I/O error")}
	assert.Equal(t, "storage failure during get session: disk I/O error", resume.Describe(fmt.Errorf("resume: %w", err)))
	assert.Equal(t, "boom", resume.Describe(errors.New("boom")))
}
