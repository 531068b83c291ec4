package maintenance

import (
	"context"
	"errors"
)

// RetentionPolicy holds one window in days per step. Zero disables a step.
type RetentionPolicy struct {
	MemoryDays      int `json:"memory_days" yaml:"memory_days"`
	TaskDays        int `json:"task_days" yaml:"task_days"`
	CheckpointDays  int `json:"checkpoint_days" yaml:"checkpoint_days"`
	EventDays       int `json:"event_days" yaml:"event_days"`
	SessionIdleDays int `json:"session_idle_days" yaml:"session_idle_days"`
}

type RetentionResult struct {
	ExpiredMemory     int64         `json:"expired_memory"`
	CleanedMemory     int64         `json:"cleaned_memory"`
	ArchivedTasks     ArchiveResult `json:"archived_tasks"`
	PrunedCheckpoints int64         `json:"pruned_checkpoints"`
	PrunedEvents      int64         `json:"pruned_events"`
	ArchivedSessions  int64         `json:"archived_sessions"`
}

// RunRetention runs every enabled step. A failing step does not stop the
// remaining ones; all failures are joined into the returned error.
func (s *Service) RunRetention(ctx context.Context, p RetentionPolicy) (RetentionResult, error) {
	var (
		res  RetentionResult
		errs []error
		err  error
	)

	if res.ExpiredMemory, err = s.ExpireMemory(ctx); err != nil {
		errs = append(errs, err)
	}
	if p.MemoryDays > 0 {
		if res.CleanedMemory, err = s.CleanOldMemory(ctx, p.MemoryDays); err != nil {
			errs = append(errs, err)
		}
	}
	if p.TaskDays > 0 {
		if res.ArchivedTasks, err = s.ArchiveCompletedTasks(ctx, p.TaskDays); err != nil {
			errs = append(errs, err)
		}
	}
	if p.CheckpointDays > 0 {
		if res.PrunedCheckpoints, err = s.PruneCheckpoints(ctx, p.CheckpointDays); err != nil {
			errs = append(errs, err)
		}
	}
	if p.EventDays > 0 {
		if res.PrunedEvents, err = s.PruneEvents(ctx, p.EventDays); err != nil {
			errs = append(errs, err)
		}
	}
	if p.SessionIdleDays > 0 {
		if res.ArchivedSessions, err = s.ArchiveInactiveSessions(ctx, p.SessionIdleDays); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}
