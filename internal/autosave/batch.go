package autosave

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/session"
)

// buildBatch turns drained changes into one flush. Typed rows are
// deduplicated by id so the last change for a task, agent or key wins.
// A change whose data does not match its type, or that carries an unknown
// status, is still logged as a warn event but writes no typed row.
func buildBatch(sessionID string, changes []Change, now time.Time, logger *slog.Logger) (session.FlushBatch, Stats, error) {
	var stats Stats
	tasks := newOrdered[persistence.Task]()
	agents := newOrdered[persistence.Agent]()
	memory := newOrdered[persistence.MemoryEntry]()
	events := make([]session.EventInput, 0, len(changes))
	byType := make(map[string][]json.RawMessage)

	for _, c := range changes {
		byType[c.Type] = append(byType[c.Type], c.Data)
		ev := session.EventInput{Level: persistence.EventLevelInfo, Message: c.Type, Detail: c.Data}

		switch c.Type {
		case ChangeTaskProgress, ChangeTaskCompleted:
			var tp TaskProgress
			if err := json.Unmarshal(c.Data, &tp); err != nil || tp.TaskID == "" {
				ev.Level = persistence.EventLevelWarn
				logger.Warn("task change without task id", "type", c.Type, "error", err)
				break
			}
			status := tp.Status
			if status == "" {
				status = persistence.TaskStatusRunning
				if c.Type == ChangeTaskCompleted {
					status = persistence.TaskStatusCompleted
				}
			}
			if !status.Valid() {
				ev.Level = persistence.EventLevelWarn
				logger.Warn("task change with unknown status", "type", c.Type, "task_id", tp.TaskID, "status", string(status))
				break
			}
			stats.TasksProcessed++
			if status == persistence.TaskStatusCompleted {
				stats.TasksCompleted++
			}
			ev.ActorID = tp.AgentID
			tasks.put(tp.TaskID, persistence.Task{
				ID:          tp.TaskID,
				AgentID:     tp.AgentID,
				Description: tp.Description,
				Status:      status,
				Result:      tp.Result,
			})

		case ChangeAgentActivity, ChangeAgentSpawned:
			var aa AgentActivity
			if err := json.Unmarshal(c.Data, &aa); err != nil || aa.AgentID == "" {
				ev.Level = persistence.EventLevelWarn
				logger.Warn("agent change without agent id", "type", c.Type, "error", err)
				break
			}
			status := aa.Status
			if status == "" {
				status = persistence.AgentStatusActive
			}
			if !status.Valid() {
				ev.Level = persistence.EventLevelWarn
				logger.Warn("agent change with unknown status", "type", c.Type, "agent_id", aa.AgentID, "status", string(status))
				break
			}
			stats.AgentActivities++
			ev.ActorID = aa.AgentID
			agents.put(aa.AgentID, persistence.Agent{
				ID:           aa.AgentID,
				Name:         aa.Name,
				Role:         aa.Role,
				Status:       status,
				Capabilities: aa.Capabilities,
			})

		case ChangeMemoryUpdate:
			var mu MemoryUpdate
			if err := json.Unmarshal(c.Data, &mu); err != nil || mu.Key == "" {
				ev.Level = persistence.EventLevelWarn
				logger.Warn("memory change without key", "error", err)
				break
			}
			value := mu.Value
			if len(value) == 0 {
				value = json.RawMessage("null")
			}
			stats.MemoryUpdates++
			memory.put(mu.Key, persistence.MemoryEntry{
				Key:   mu.Key,
				Value: value,
				TTL:   time.Duration(mu.TTLSeconds) * time.Second,
			})

		case ChangeConsensusReached:
			stats.ConsensusDecisions++
		}
		events = append(events, ev)
	}

	payload, err := json.Marshal(checkpointPayload{
		SessionID: sessionID,
		FlushedAt: now,
		Count:     len(changes),
		Stats:     stats,
		Changes:   byType,
	})
	if err != nil {
		return session.FlushBatch{}, stats, fmt.Errorf("encode checkpoint payload: %w", err)
	}

	return session.FlushBatch{
		SessionID:         sessionID,
		Tasks:             tasks.values(),
		Agents:            agents.values(),
		Memory:            memory.values(),
		Events:            events,
		CheckpointName:    fmt.Sprintf("auto-save-%d", now.UnixNano()),
		CheckpointPayload: payload,
	}, stats, nil
}

// ordered keeps first-seen key order while letting later values replace
// earlier ones.
type ordered[T any] struct {
	index map[string]int
	items []T
}

func newOrdered[T any]() *ordered[T] {
	return &ordered[T]{index: make(map[string]int)}
}

func (o *ordered[T]) put(key string, v T) {
	if i, ok := o.index[key]; ok {
		o.items[i] = v
		return
	}
	o.index[key] = len(o.items)
	o.items = append(o.items, v)
}

func (o *ordered[T]) values() []T { return o.items }
