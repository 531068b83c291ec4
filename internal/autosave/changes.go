package autosave

import (
	"encoding/json"
	"time"

	"github.com/basket/hivestate/internal/persistence"
)

// Change types understood by the scheduler. Any other type is accepted and
// recorded as an event only.
const (
	ChangeTaskProgress     = "task_progress"
	ChangeTaskCompleted    = "task_completed"
	ChangeAgentActivity    = "agent_activity"
	ChangeAgentSpawned     = "agent_spawned"
	ChangeMemoryUpdate     = "memory_update"
	ChangeConsensusReached = "consensus_reached"
)

// DefaultCriticalTypes flush synchronously when tracked.
var DefaultCriticalTypes = []string{ChangeTaskCompleted, ChangeAgentSpawned, ChangeConsensusReached}

// Change is one buffered mutation. Data is already serialized.
type Change struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	At   time.Time       `json:"at"`
}

type TaskProgress struct {
	TaskID      string                 `json:"task_id"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Description string                 `json:"description,omitempty"`
	Status      persistence.TaskStatus `json:"status"`
	Progress    float64                `json:"progress,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
}

type AgentActivity struct {
	AgentID      string                  `json:"agent_id"`
	Name         string                  `json:"name,omitempty"`
	Role         string                  `json:"role,omitempty"`
	Status       persistence.AgentStatus `json:"status,omitempty"`
	Capabilities []string                `json:"capabilities,omitempty"`
	Spawned      bool                    `json:"spawned,omitempty"`
	Activity     string                  `json:"activity,omitempty"`
}

type MemoryUpdate struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
}

type ConsensusDecision struct {
	DecisionID string            `json:"decision_id"`
	Topic      string            `json:"topic"`
	Outcome    string            `json:"outcome"`
	Votes      map[string]string `json:"votes,omitempty"`
}

// Stats aggregates one flush by change type.
type Stats struct {
	TasksProcessed     int `json:"tasks_processed"`
	TasksCompleted     int `json:"tasks_completed"`
	MemoryUpdates      int `json:"memory_updates"`
	AgentActivities    int `json:"agent_activities"`
	ConsensusDecisions int `json:"consensus_decisions"`
}

// checkpointPayload is the aggregate stored in every auto-save checkpoint.
type checkpointPayload struct {
	SessionID string                       `json:"session_id"`
	FlushedAt time.Time                    `json:"flushed_at"`
	Count     int                          `json:"count"`
	Stats     Stats                        `json:"stats"`
	Changes   map[string][]json.RawMessage `json:"changes"`
}
