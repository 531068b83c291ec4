// Package autosave buffers session changes in memory and commits them to the
// session store periodically, immediately for critical change types, and on
// shutdown.
package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/hivestate/internal/bus"
	"github.com/basket/hivestate/internal/otel"
	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/session"
)

const DefaultInterval = 30 * time.Second

var (
	// ErrPaused is returned by ForceSave and critical tracking while the
	// scheduler is paused. The change stays buffered.
	ErrPaused = errors.New("auto-save paused")
	// ErrClosed is returned once Shutdown has started.
	ErrClosed = errors.New("auto-save scheduler shut down")
)

// Committer is the part of *session.Manager the scheduler writes through.
type Committer interface {
	CommitFlush(ctx context.Context, batch session.FlushBatch) (session.FlushResult, error)
	Close() error
}

type Config struct {
	Manager       Committer
	SessionID     string
	Interval      time.Duration
	CriticalTypes []string
	Logger        *slog.Logger
	Bus           *bus.Bus
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
	Now           func() time.Time
}

// SchedulerStats is a diagnostic snapshot.
type SchedulerStats struct {
	Pending          int       `json:"pending"`
	Paused           bool      `json:"paused"`
	Flushes          int       `json:"flushes"`
	Failures         int       `json:"failures"`
	LastFlushAt      time.Time `json:"last_flush_at,omitempty"`
	LastCheckpointID string    `json:"last_checkpoint_id,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Totals           Stats     `json:"totals"`
}

type Scheduler struct {
	cfg      Config
	critical map[string]struct{}
	logger   *slog.Logger

	mu     sync.Mutex // guards buffer, paused, closed, stats
	buffer []Change
	paused bool
	closed bool
	stats  SchedulerStats

	// flushSem serializes flushes; Pause acquires it to wait for one in flight.
	flushSem chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CriticalTypes == nil {
		cfg.CriticalTypes = DefaultCriticalTypes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if mgr, ok := cfg.Manager.(*session.Manager); ok {
		if cfg.Logger == nil {
			cfg.Logger = mgr.Logger()
		}
		if cfg.Bus == nil {
			cfg.Bus = mgr.Bus()
		}
		if cfg.Metrics == nil {
			cfg.Metrics = mgr.Metrics()
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	critical := make(map[string]struct{}, len(cfg.CriticalTypes))
	for _, t := range cfg.CriticalTypes {
		critical[t] = struct{}{}
	}
	return &Scheduler{
		cfg:      cfg,
		critical: critical,
		logger:   cfg.Logger.With("component", "autosave", "session_id", cfg.SessionID),
		flushSem: make(chan struct{}, 1),
	}
}

// TrackChange buffers a change. data is serialized immediately; a value that
// cannot be encoded is rejected. Critical types are flushed before returning
// and the flush error, if any, is returned.
func (s *Scheduler) TrackChange(ctx context.Context, changeType string, data any) error {
	if changeType == "" {
		return errors.New("change type is empty")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("change %q is not serializable: %w", changeType, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.buffer = append(s.buffer, Change{Type: changeType, Data: raw, At: s.cfg.Now().UTC()})
	s.stats.Pending = len(s.buffer)
	paused := s.paused
	s.mu.Unlock()
	s.cfg.Metrics.AddPending(ctx, s.cfg.SessionID, 1)

	if _, ok := s.critical[changeType]; !ok {
		return nil
	}
	if paused {
		return ErrPaused
	}
	_, err = s.PerformFlush(ctx)
	return err
}

// TrackTaskProgress records a task update. A completed task is tracked as the
// critical task_completed type.
func (s *Scheduler) TrackTaskProgress(ctx context.Context, tp TaskProgress) error {
	if tp.Status != "" && !tp.Status.Valid() {
		return fmt.Errorf("task %s: unknown status %q", tp.TaskID, tp.Status)
	}
	changeType := ChangeTaskProgress
	if tp.Status == persistence.TaskStatusCompleted {
		changeType = ChangeTaskCompleted
	}
	return s.TrackChange(ctx, changeType, tp)
}

func (s *Scheduler) TrackAgentActivity(ctx context.Context, aa AgentActivity) error {
	if aa.Status != "" && !aa.Status.Valid() {
		return fmt.Errorf("agent %s: unknown status %q", aa.AgentID, aa.Status)
	}
	changeType := ChangeAgentActivity
	if aa.Spawned {
		changeType = ChangeAgentSpawned
	}
	return s.TrackChange(ctx, changeType, aa)
}

func (s *Scheduler) TrackMemoryUpdate(ctx context.Context, mu MemoryUpdate) error {
	return s.TrackChange(ctx, ChangeMemoryUpdate, mu)
}

func (s *Scheduler) TrackConsensusDecision(ctx context.Context, cd ConsensusDecision) error {
	return s.TrackChange(ctx, ChangeConsensusReached, cd)
}

// Start launches the periodic flush loop. Calling it again is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go s.loop(loopCtx)
		s.logger.Info("auto-save started", "interval", s.cfg.Interval.String())
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	skip := s.paused || len(s.buffer) == 0
	s.mu.Unlock()
	if skip {
		return
	}
	// Failures are logged and counted in PerformFlush; the changes stay
	// buffered for the next tick.
	_, _ = s.PerformFlush(ctx)
}

// PerformFlush drains the buffer and commits it as one transaction. It
// returns false with a nil error when there was nothing to write. On failure
// the drained changes are put back ahead of anything tracked meanwhile.
func (s *Scheduler) PerformFlush(ctx context.Context) (bool, error) {
	select {
	case s.flushSem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-s.flushSem }()

	s.mu.Lock()
	changes := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(changes) == 0 {
		return false, nil
	}

	ctx, span := otel.StartSpan(ctx, s.cfg.Tracer, "autosave.flush",
		otel.AttrSessionID.String(s.cfg.SessionID),
		otel.AttrChanges.Int(len(changes)),
	)
	start := time.Now()
	now := s.cfg.Now().UTC()

	batch, stats, err := buildBatch(s.cfg.SessionID, changes, now, s.logger)
	var res session.FlushResult
	if err == nil {
		res, err = s.cfg.Manager.CommitFlush(ctx, batch)
	}
	if err == nil {
		span.SetAttributes(otel.AttrCheckpointID.String(res.CheckpointID))
	}
	took := time.Since(start)
	s.cfg.Metrics.RecordFlush(ctx, s.cfg.SessionID, took, len(changes), err)
	otel.EndSpan(span, err)

	if err != nil {
		s.requeue(changes, err)
		s.logger.Warn("auto-save flush failed; changes kept for retry",
			"changes", len(changes),
			"error", err,
		)
		s.publish(bus.TopicAutosaveFlushFailed, bus.AutosaveFlushEvent{
			SessionID: s.cfg.SessionID, Changes: len(changes), Err: err.Error(),
		})
		return false, err
	}

	s.mu.Lock()
	s.stats.Flushes++
	s.stats.LastFlushAt = now
	s.stats.LastCheckpointID = res.CheckpointID
	s.stats.LastError = ""
	s.stats.Pending = len(s.buffer)
	s.stats.Totals.TasksProcessed += stats.TasksProcessed
	s.stats.Totals.TasksCompleted += stats.TasksCompleted
	s.stats.Totals.MemoryUpdates += stats.MemoryUpdates
	s.stats.Totals.AgentActivities += stats.AgentActivities
	s.stats.Totals.ConsensusDecisions += stats.ConsensusDecisions
	s.mu.Unlock()

	s.logger.Debug("auto-save flushed",
		"changes", len(changes),
		"checkpoint_id", res.CheckpointID,
		"progress", res.Progress,
		"duration_ms", took.Milliseconds(),
	)
	s.publish(bus.TopicAutosaveFlushed, bus.AutosaveFlushEvent{
		SessionID: s.cfg.SessionID, CheckpointID: res.CheckpointID, Changes: len(changes),
	})
	return true, nil
}

func (s *Scheduler) requeue(changes []Change, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := make([]Change, 0, len(changes)+len(s.buffer))
	merged = append(merged, changes...)
	merged = append(merged, s.buffer...)
	s.buffer = merged
	s.stats.Failures++
	s.stats.LastError = cause.Error()
	s.stats.Pending = len(s.buffer)
}

// ForceSave flushes synchronously.
func (s *Scheduler) ForceSave(ctx context.Context) error {
	s.mu.Lock()
	paused, closed := s.paused, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if paused {
		return ErrPaused
	}
	_, err := s.PerformFlush(ctx)
	return err
}

// Pause stops periodic and critical flushing and waits for a flush already in
// progress. Changes keep buffering.
func (s *Scheduler) Pause(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	s.stats.Paused = true
	s.mu.Unlock()

	select {
	case s.flushSem <- struct{}{}:
		<-s.flushSem
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("auto-save paused")
	return nil
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.stats.Paused = false
	s.mu.Unlock()
	s.logger.Info("auto-save resumed")
}

// Shutdown stops the loop, flushes whatever is buffered (even while paused)
// and closes the manager. Later calls return the first result.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		_, flushErr := s.PerformFlush(ctx)
		if flushErr != nil {
			s.logger.Error("final auto-save flush failed", "error", flushErr, "pending", s.Pending())
		}
		closeErr := s.cfg.Manager.Close()
		s.shutdownErr = errors.Join(flushErr, closeErr)
		s.logger.Info("auto-save stopped")
	})
	return s.shutdownErr
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Pending = len(s.buffer)
	out.Paused = s.paused
	return out
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}
