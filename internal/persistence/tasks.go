package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

type Task struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Description string          `json:"description"`
	Status      TaskStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ArchivedTask is a Task row moved out of the live table.
type ArchivedTask struct {
	Task
	ArchivedAt time.Time `json:"archived_at"`
}

// TaskCounts feeds the derived progress computation.
type TaskCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
	Archived  int `json:"archived"`
}

// Percent is (completed+archived)/(total+archived)*100, or 0 with no tasks.
func (c TaskCounts) Percent() float64 {
	denom := c.Total + c.Archived
	if denom == 0 {
		return 0
	}
	return float64(c.Completed+c.Archived) / float64(denom) * 100
}

const taskColumns = `id, session_id, agent_id, description, status, result, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var (
		agent, result    sql.NullString
		status           string
		created, updated string
	)
	if err := scanFn(&t.ID, &t.SessionID, &agent, &t.Description, &status, &result, &created, &updated); err != nil {
		return err
	}
	t.AgentID = agent.String
	t.Status = TaskStatus(status)
	t.Result = rawOrNil(result)
	t.CreatedAt = ParseTime(created)
	t.UpdatedAt = ParseTime(updated)
	return nil
}

// UpsertTask inserts or updates a task keyed by (session_id, id). Empty
// fields on update keep the stored value; created_at is never rewritten.
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if len(t.Result) > 0 && !json.Valid(t.Result) {
		return ErrInvalidPayload
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, agent_id, description, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			agent_id = COALESCE(excluded.agent_id, tasks.agent_id),
			description = CASE WHEN excluded.description = '' THEN tasks.description ELSE excluded.description END,
			status = excluded.status,
			result = COALESCE(excluded.result, tasks.result),
			updated_at = excluded.updated_at;
	`, t.ID, t.SessionID, nullString(t.AgentID), t.Description, string(t.Status), nullJSON(t.Result),
		FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return storageErr("upsert task", err)
}

func (s *Store) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	var t Task
	err := scanTask(s.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND id = ?;`, sessionID, taskID,
	).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return &t, nil
}

// ListTasks returns tasks in creation order, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, sessionID string, statuses ...TaskStatus) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ?`
	args := []any{sessionID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at ASC, rowid ASC;"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, storageErr("scan task", err)
		}
		out = append(out, t)
	}
	return out, storageErr("task rows", rows.Err())
}

func (s *Store) CountTasks(ctx context.Context, sessionID string) (TaskCounts, error) {
	var c TaskCounts
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COUNT(t.id),
			COALESCE(SUM(CASE WHEN t.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.status = 'failed' THEN 1 ELSE 0 END), 0),
			s.archived_tasks
		FROM sessions s
		LEFT JOIN tasks t ON t.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id;
	`, sessionID).Scan(&c.Total, &c.Completed, &c.Pending, &c.Running, &c.Failed, &c.Archived)
	if errors.Is(err, sql.ErrNoRows) {
		return c, &NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return c, storageErr("count tasks", err)
	}
	return c, nil
}

// CompletedTasksBefore lists completed tasks last updated before cutoff.
// Pending, running and failed rows are never returned.
func (s *Store) CompletedTasksBefore(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'completed' AND updated_at < ?
		ORDER BY session_id, updated_at ASC;
	`, FormatTime(cutoff))
	if err != nil {
		return nil, storageErr("query completed tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, storageErr("scan completed task", err)
		}
		out = append(out, t)
	}
	return out, storageErr("completed task rows", rows.Err())
}

// MoveTaskToArchive copies a completed task to task_archive and deletes the
// live row. The status guard keeps concurrent reopenings in place.
func (s *Store) MoveTaskToArchive(ctx context.Context, t Task, archivedAt time.Time) (bool, error) {
	if _, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_archive (id, session_id, agent_id, description, status, result, created_at, updated_at, archived_at)
		SELECT id, session_id, agent_id, description, status, result, created_at, updated_at, ?
		FROM tasks WHERE session_id = ? AND id = ? AND status = 'completed';
	`, FormatTime(archivedAt), t.SessionID, t.ID); err != nil {
		return false, storageErr("copy task to archive", err)
	}
	return s.DeleteCompletedTask(ctx, t.SessionID, t.ID)
}

// DeleteCompletedTask removes a task only while it is still completed.
func (s *Store) DeleteCompletedTask(ctx context.Context, sessionID, taskID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM tasks WHERE session_id = ? AND id = ? AND status = 'completed';
	`, sessionID, taskID)
	if err != nil {
		return false, storageErr("delete archived task", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListArchivedTasks(ctx context.Context, sessionID string) ([]ArchivedTask, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+taskColumns+`, archived_at FROM task_archive
		WHERE session_id = ?
		ORDER BY archived_at ASC, rowid ASC;
	`, sessionID)
	if err != nil {
		return nil, storageErr("list archived tasks", err)
	}
	defer rows.Close()

	var out []ArchivedTask
	for rows.Next() {
		var (
			at       ArchivedTask
			archived string
		)
		err := scanTask(func(dest ...any) error {
			return rows.Scan(append(dest, &archived)...)
		}, &at.Task)
		if err != nil {
			return nil, storageErr("scan archived task", err)
		}
		at.ArchivedAt = ParseTime(archived)
		out = append(out, at)
	}
	return out, storageErr("archived task rows", rows.Err())
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
