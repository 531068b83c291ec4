package cron_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/hivestate/internal/cron"
	"github.com/basket/hivestate/internal/maintenance"
	"github.com/basket/hivestate/internal/persistence"
)

var start = time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakePauser struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	err     error
}

func (p *fakePauser) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.pauses++
	return nil
}

func (p *fakePauser) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
}

func (p *fakePauser) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauses, p.resumes
}

func newService(t *testing.T, now func() time.Time) (*maintenance.Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hivestate.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return maintenance.New(store, maintenance.WithClock(now)), store
}

func seedOldMemory(t *testing.T, store *persistence.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.InsertSession(ctx, persistence.Session{ID: "s1", CreatedAt: start, UpdatedAt: start}))
	require.NoError(t, store.UpsertMemory(ctx, persistence.MemoryEntry{
		SessionID: "s1", Key: "old", Value: json.RawMessage(`1`), UpdatedAt: start.AddDate(0, 0, -40),
	}))
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	svc, _ := newService(t, time.Now)
	_, err := cron.NewScheduler(cron.Config{Service: svc, Schedule: "every tuesday"})
	require.Error(t, err)

	_, err = cron.NewScheduler(cron.Config{Schedule: "@daily"})
	require.Error(t, err)
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	c := &clock{t: start}
	svc, store := newService(t, c.Now)
	seedOldMemory(t, store)

	s, err := cron.NewScheduler(cron.Config{
		Service:  svc,
		Schedule: "@hourly",
		Policy:   maintenance.RetentionPolicy{MemoryDays: 30},
		Interval: 10 * time.Millisecond,
		Now:      c.Now,
	})
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), s.NextRun())

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, s.Runs(), "not due yet")

	c.Set(start.Add(time.Hour + time.Second))
	require.Eventually(t, func() bool { return s.Runs() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := store.CountRows(context.Background(), "collective_memory")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, start.Add(2*time.Hour), s.NextRun())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.Runs(), "fires once per slot")
}

func TestRunOnce_VacuumPausesWriters(t *testing.T) {
	svc, _ := newService(t, time.Now)
	a, b := &fakePauser{}, &fakePauser{}
	s, err := cron.NewScheduler(cron.Config{
		Service:  svc,
		Schedule: "@daily",
		Vacuum:   true,
		Pausers:  []cron.Pauser{a, b},
	})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	for _, p := range []*fakePauser{a, b} {
		pauses, resumes := p.counts()
		assert.Equal(t, 1, pauses)
		assert.Equal(t, 1, resumes)
	}
}

func TestRunOnce_PauseFailureSkipsVacuum(t *testing.T) {
	svc, store := newService(t, time.Now)
	ok, failing := &fakePauser{}, &fakePauser{err: errors.New("scheduler closed")}
	s, err := cron.NewScheduler(cron.Config{
		Service:  svc,
		Schedule: "@daily",
		Vacuum:   true,
		Pausers:  []cron.Pauser{ok, failing},
	})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler closed")

	pauses, resumes := ok.counts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes, "already paused writers are resumed")

	runs, err := store.LastMaintenanceRuns(context.Background())
	require.NoError(t, err)
	for _, run := range runs {
		assert.NotEqual(t, maintenance.OpVacuum, run.Operation)
	}
}

func TestUpdate_ReschedulesAndSwapsPolicy(t *testing.T) {
	c := &clock{t: start}
	svc, store := newService(t, c.Now)
	seedOldMemory(t, store)

	s, err := cron.NewScheduler(cron.Config{Service: svc, Schedule: "@daily", Now: c.Now})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), s.NextRun())

	require.Error(t, s.Update("bogus", maintenance.RetentionPolicy{}, false))
	require.NoError(t, s.Update("30 10 * * *", maintenance.RetentionPolicy{MemoryDays: 30}, false))
	assert.Equal(t, start.Add(30*time.Minute), s.NextRun())

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.CleanedMemory)
}

func TestNextRunTime(t *testing.T) {
	next, err := cron.NextRunTime("0 3 * * *", start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC), next)

	_, err = cron.NextRunTime("not a cron", start)
	require.Error(t, err)
}
