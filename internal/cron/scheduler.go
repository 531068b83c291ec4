// Package cron runs the maintenance service on a cron schedule.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/hivestate/internal/maintenance"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@daily" or "@every 6h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Pauser is implemented by writers that must be quiet while VACUUM runs.
type Pauser interface {
	Pause(ctx context.Context) error
	Resume()
}

type Config struct {
	Service  *maintenance.Service
	Schedule string
	Policy   maintenance.RetentionPolicy
	// Vacuum compacts the database after each retention run. Every Pauser
	// is paused for the duration.
	Vacuum   bool
	Pausers  []Pauser
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler checks once per tick whether the maintenance schedule is due
// and runs retention (and optionally vacuum) when it is.
type Scheduler struct {
	service  *maintenance.Service
	pausers  []Pauser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	schedule cronlib.Schedule
	expr     string
	policy   maintenance.RetentionPolicy
	vacuum   bool
	next     time.Time
	runs     int

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Service == nil {
		return nil, errors.New("cron: maintenance service is required")
	}
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		service:  cfg.Service,
		pausers:  cfg.Pausers,
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
		schedule: sched,
		expr:     cfg.Schedule,
		policy:   cfg.Policy,
		vacuum:   cfg.Vacuum,
	}
	s.next = sched.Next(now())
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "schedule", s.expr, "next_run_at", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
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
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.next)
	if due {
		s.next = s.schedule.Next(now)
	}
	next := s.next
	s.mu.Unlock()
	if !due {
		return
	}

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduled maintenance failed", "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("scheduled maintenance completed", "next_run_at", next)
}

// RunOnce runs retention immediately, then vacuum when enabled. Retention
// failures do not skip vacuum.
func (s *Scheduler) RunOnce(ctx context.Context) (maintenance.RetentionResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	policy, vacuum := s.policy, s.vacuum
	s.runs++
	s.mu.Unlock()

	res, err := s.service.RunRetention(ctx, policy)
	if vacuum {
		err = errors.Join(err, s.vacuumPaused(ctx))
	}
	return res, err
}

func (s *Scheduler) vacuumPaused(ctx context.Context) error {
	paused := make([]Pauser, 0, len(s.pausers))
	defer func() {
		for _, p := range paused {
			p.Resume()
		}
	}()
	for _, p := range s.pausers {
		if err := p.Pause(ctx); err != nil {
			return fmt.Errorf("pause writer before vacuum: %w", err)
		}
		paused = append(paused, p)
	}
	return s.service.Vacuum(ctx)
}

// Update swaps the schedule and policy, typically after a config reload.
func (s *Scheduler) Update(expr string, policy maintenance.RetentionPolicy, vacuum bool) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: parse schedule %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if expr != s.expr {
		s.schedule = sched
		s.expr = expr
		s.next = sched.Next(s.now())
	}
	s.policy = policy
	s.vacuum = vacuum
	return nil
}

func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Runs reports how many maintenance runs have started.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
