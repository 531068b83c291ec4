package session

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/basket/hivestate/internal/persistence"
)

// EventInput is one session event written as part of a flush.
type EventInput struct {
	Level   persistence.EventLevel
	Message string
	ActorID string
	Detail  json.RawMessage
}

// FlushBatch is everything one auto-save flush writes. Rows are applied in
// the order tasks, agents, memory, checkpoint, progress, events.
type FlushBatch struct {
	SessionID         string
	Tasks             []persistence.Task
	Agents            []persistence.Agent
	Memory            []persistence.MemoryEntry
	Events            []EventInput
	CheckpointName    string
	CheckpointPayload json.RawMessage
}

// Empty reports whether the batch would write nothing.
func (b FlushBatch) Empty() bool {
	return len(b.Tasks) == 0 && len(b.Agents) == 0 && len(b.Memory) == 0 &&
		len(b.Events) == 0 && len(b.CheckpointPayload) == 0
}

type FlushResult struct {
	CheckpointID   string  `json:"checkpoint_id,omitempty"`
	Progress       float64 `json:"progress"`
	ProgressSynced bool    `json:"progress_synced"`
	Events         int     `json:"events"`
}

// CommitFlush applies the batch in one transaction. On error nothing from the
// batch is visible, including the checkpoint.
func (m *Manager) CommitFlush(ctx context.Context, batch FlushBatch) (FlushResult, error) {
	var res FlushResult
	if len(batch.CheckpointPayload) > 0 && !json.Valid(batch.CheckpointPayload) {
		return res, persistence.ErrInvalidPayload
	}
	now := m.Now()

	err := m.store.WithTx(ctx, func(tx *persistence.Store) error {
		res = FlushResult{}
		sess, err := tx.GetSession(ctx, batch.SessionID)
		if err != nil {
			return err
		}
		res.Progress = sess.Progress

		for _, t := range batch.Tasks {
			t.SessionID = batch.SessionID
			t.UpdatedAt = now
			if err := tx.UpsertTask(ctx, t); err != nil {
				return err
			}
		}
		for _, a := range batch.Agents {
			a.SessionID = batch.SessionID
			a.UpdatedAt = now
			if err := tx.UpsertAgent(ctx, a); err != nil {
				return err
			}
		}
		for _, e := range batch.Memory {
			e.SessionID = batch.SessionID
			e.UpdatedAt = now
			if err := tx.UpsertMemory(ctx, e); err != nil {
				return err
			}
		}

		if len(batch.CheckpointPayload) > 0 {
			cp := persistence.Checkpoint{
				ID:        uuid.NewString(),
				SessionID: batch.SessionID,
				Name:      batch.CheckpointName,
				Payload:   batch.CheckpointPayload,
				CreatedAt: now,
			}
			if err := tx.InsertCheckpoint(ctx, cp); err != nil {
				return err
			}
			res.CheckpointID = cp.ID
		}

		if len(batch.Tasks) > 0 {
			if res.Progress, err = syncProgress(ctx, tx, batch.SessionID, now); err != nil {
				return err
			}
			res.ProgressSynced = true
		}

		for _, ev := range batch.Events {
			level := ev.Level
			if !level.Valid() {
				level = persistence.EventLevelInfo
			}
			if _, err := tx.AppendEvent(ctx, persistence.SessionEvent{
				SessionID: batch.SessionID,
				Level:     level,
				Message:   ev.Message,
				ActorID:   ev.ActorID,
				Detail:    ev.Detail,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			res.Events++
		}
		return tx.TouchSession(ctx, batch.SessionID, now)
	})
	if err != nil {
		return FlushResult{}, err
	}
	if res.CheckpointID != "" {
		m.metrics.RecordCheckpoint(ctx, batch.SessionID)
	}
	m.logger.Debug("flush committed",
		"session_id", batch.SessionID,
		"checkpoint_id", res.CheckpointID,
		"tasks", len(batch.Tasks),
		"events", res.Events,
		"progress", res.Progress,
	)
	return res, nil
}
