package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/hivestate/internal/persistence"
)

func (m *Manager) UpsertAgent(ctx context.Context, a persistence.Agent) error {
	if a.Status != "" && !a.Status.Valid() {
		return fmt.Errorf("unknown agent status %q", a.Status)
	}
	a.UpdatedAt = m.Now()
	return m.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := requireSession(ctx, tx, a.SessionID); err != nil {
			return err
		}
		return tx.UpsertAgent(ctx, a)
	})
}

func (m *Manager) UpdateAgentStatus(ctx context.Context, sessionID, agentID string, status persistence.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown agent status %q", status)
	}
	return m.store.SetAgentStatus(ctx, sessionID, agentID, status, m.Now())
}

func (m *Manager) ListAgents(ctx context.Context, sessionID string) ([]persistence.Agent, error) {
	return m.store.ListAgents(ctx, sessionID)
}

// UpsertTask writes a task row. Progress is not recomputed; call SyncProgress
// or go through CommitFlush for that.
func (m *Manager) UpsertTask(ctx context.Context, t persistence.Task) error {
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("unknown task status %q", t.Status)
	}
	t.UpdatedAt = m.Now()
	return m.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := requireSession(ctx, tx, t.SessionID); err != nil {
			return err
		}
		return tx.UpsertTask(ctx, t)
	})
}

func (m *Manager) ListTasks(ctx context.Context, sessionID string, statuses ...persistence.TaskStatus) ([]persistence.Task, error) {
	return m.store.ListTasks(ctx, sessionID, statuses...)
}

// SetMemory upserts a collective memory key. ttl <= 0 means no expiry.
func (m *Manager) SetMemory(ctx context.Context, sessionID, key string, value json.RawMessage, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("memory key is empty")
	}
	entry := persistence.MemoryEntry{
		SessionID: sessionID,
		Key:       key,
		Value:     value,
		TTL:       ttl,
		UpdatedAt: m.Now(),
	}
	return m.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := requireSession(ctx, tx, sessionID); err != nil {
			return err
		}
		return tx.UpsertMemory(ctx, entry)
	})
}

func (m *Manager) GetMemory(ctx context.Context, sessionID, key string) (*persistence.MemoryEntry, error) {
	return m.store.GetMemory(ctx, sessionID, key, m.Now())
}

func (m *Manager) ListMemory(ctx context.Context, sessionID string) ([]persistence.MemoryEntry, error) {
	return m.store.ListMemory(ctx, sessionID, m.Now())
}
