package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/basket/hivestate/internal/bus"
)

type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusActive     AgentStatus = "active"
	AgentStatusError      AgentStatus = "error"
	AgentStatusTerminated AgentStatus = "terminated"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusActive, AgentStatusError, AgentStatusTerminated:
		return true
	}
	return false
}

type Agent struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	Name         string      `json:"name"`
	Role         string      `json:"role"`
	Status       AgentStatus `json:"status"`
	Capabilities []string    `json:"capabilities"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

const agentColumns = `id, session_id, name, role, status, capabilities, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	var status, caps, created, updated string
	if err := scanFn(&a.ID, &a.SessionID, &a.Name, &a.Role, &status, &caps, &created, &updated); err != nil {
		return err
	}
	a.Status = AgentStatus(status)
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return err
		}
	}
	a.CreatedAt = ParseTime(created)
	a.UpdatedAt = ParseTime(updated)
	return nil
}

// UpsertAgent inserts or updates an agent keyed by (session_id, id).
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	if a.Status == "" {
		a.Status = AgentStatusIdle
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return ErrInvalidPayload
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = a.UpdatedAt
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO agents (id, session_id, name, role, status, capabilities, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			name = CASE WHEN excluded.name = '' THEN agents.name ELSE excluded.name END,
			role = CASE WHEN excluded.role = '' THEN agents.role ELSE excluded.role END,
			status = excluded.status,
			capabilities = CASE WHEN excluded.capabilities = '[]' THEN agents.capabilities ELSE excluded.capabilities END,
			updated_at = excluded.updated_at;
	`, a.ID, a.SessionID, a.Name, a.Role, string(a.Status), string(caps),
		FormatTime(a.CreatedAt), FormatTime(a.UpdatedAt))
	return storageErr("upsert agent", err)
}

func (s *Store) SetAgentStatus(ctx context.Context, sessionID, agentID string, status AgentStatus, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?;
	`, string(status), FormatTime(at), sessionID, agentID)
	if err != nil {
		return storageErr("update agent status", err)
	}
	if err := requireAffected(res, "agent", agentID); err != nil {
		return err
	}
	s.publish(bus.TopicAgentStatusChanged, bus.AgentStatusChangedEvent{
		SessionID: sessionID, AgentID: agentID, Status: string(status),
	})
	return nil
}

func (s *Store) GetAgent(ctx context.Context, sessionID, agentID string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE session_id = ? AND id = ?;`, sessionID, agentID,
	).Scan, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "agent", ID: agentID}
	}
	if err != nil {
		return nil, storageErr("get agent", err)
	}
	return &a, nil
}

// ListAgents returns all agents of a session in creation order.
func (s *Store) ListAgents(ctx context.Context, sessionID string) ([]Agent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE session_id = ? ORDER BY created_at ASC, rowid ASC;
	`, sessionID)
	if err != nil {
		return nil, storageErr("list agents", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, storageErr("scan agent", err)
		}
		out = append(out, a)
	}
	return out, storageErr("agent rows", rows.Err())
}
