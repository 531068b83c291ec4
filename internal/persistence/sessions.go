package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/hivestate/internal/bus"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusArchived  SessionStatus = "archived"
)

// Terminal reports whether no transition leaves s.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusArchived
}

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusPaused, SessionStatusCompleted, SessionStatusArchived:
		return true
	}
	return false
}

var allowedTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionStatusActive: {
		SessionStatusPaused:    {},
		SessionStatusCompleted: {},
		SessionStatusArchived:  {}, // Maintenance policy only.
	},
	SessionStatusPaused: {
		SessionStatusActive:    {},
		SessionStatusCompleted: {},
		SessionStatusArchived:  {}, // Maintenance policy only.
	},
}

// CanTransition reports whether the session state machine allows from -> to.
func CanTransition(from, to SessionStatus) bool {
	if from.Terminal() {
		return false
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

const DefaultMode = "hierarchical"

type Session struct {
	ID            string        `json:"id"`
	Label         string        `json:"label"`
	Objective     string        `json:"objective"`
	Status        SessionStatus `json:"status"`
	Mode          string        `json:"mode"`
	Progress      float64       `json:"progress"`
	ArchivedTasks int           `json:"archived_tasks"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// SessionFilter narrows ListSessions. Zero values mean no filter.
type SessionFilter struct {
	Status SessionStatus
	Limit  int
}

const sessionColumns = `id, label, objective, status, mode, progress, archived_tasks, created_at, updated_at`

func scanSession(scanFn func(dest ...any) error, sess *Session) error {
	var status, created, updated string
	if err := scanFn(&sess.ID, &sess.Label, &sess.Objective, &status, &sess.Mode,
		&sess.Progress, &sess.ArchivedTasks, &created, &updated); err != nil {
		return err
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = ParseTime(created)
	sess.UpdatedAt = ParseTime(updated)
	return nil
}

func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	if sess.Mode == "" {
		sess.Mode = DefaultMode
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sessions (id, label, objective, status, mode, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, sess.ID, sess.Label, sess.Objective, string(sess.Status), sess.Mode, sess.Progress,
		FormatTime(sess.CreatedAt), FormatTime(sess.UpdatedAt))
	if err != nil {
		return storageErr("insert session", err)
	}
	s.publish(bus.TopicSessionCreated, bus.SessionCreatedEvent{SessionID: sess.ID, Label: sess.Label, Mode: sess.Mode})
	return nil
}

// GetSession returns *NotFoundError when the id is unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := scanSession(s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?;`, sessionID,
	).Scan, &sess)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return &sess, nil
}

// SessionExists is a cheap existence probe used before child-row writes.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?;`, sessionID).Scan(&n); err != nil {
		return false, storageErr("probe session", err)
	}
	return n > 0, nil
}

// ListSessions returns sessions most recently updated first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows.Scan, &sess); err != nil {
			return nil, storageErr("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("session rows", err)
	}
	return out, nil
}

// TouchSession bumps updated_at.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?;`, FormatTime(at), sessionID)
	if err != nil {
		return storageErr("touch session", err)
	}
	return requireAffected(res, "session", sessionID)
}

// SetSessionProgress writes percent and returns the stored value. Unless
// reset is true the write only happens when percent does not lower the
// current value; the check and write are one statement.
func (s *Store) SetSessionProgress(ctx context.Context, sessionID string, percent float64, reset bool, at time.Time) (float64, error) {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sessions
		SET progress = ?, updated_at = ?
		WHERE id = ? AND (? OR progress <= ?);
	`, percent, FormatTime(at), sessionID, reset, percent)
	if err != nil {
		return 0, storageErr("update session progress", err)
	}
	var stored float64
	err = s.q.QueryRowContext(ctx, `SELECT progress FROM sessions WHERE id = ?;`, sessionID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return 0, storageErr("read session progress", err)
	}
	return stored, nil
}

// SetSessionStatus moves a session along the state machine. The current
// status is re-checked in the UPDATE so concurrent writers cannot skip a state.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, to SessionStatus, at time.Time) (*Session, error) {
	var out *Session
	err := s.WithTx(ctx, func(tx *Store) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		from := sess.Status
		if from == to {
			out = sess
			return nil
		}
		if !CanTransition(from, to) {
			return &TransitionError{ID: sessionID, From: from, To: to}
		}
		res, err := tx.q.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, string(to), FormatTime(at), sessionID, string(from))
		if err != nil {
			return storageErr("update session status", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &TransitionError{ID: sessionID, From: from, To: to}
		}
		sess.Status = to
		sess.UpdatedAt = at.UTC()
		out = sess
		tx.publish(bus.TopicSessionStatusChanged, bus.SessionStatusChangedEvent{
			SessionID: sessionID, OldStatus: string(from), NewStatus: string(to),
		})
		return nil
	})
	return out, err
}

// ArchiveSessionsIdleSince archives active or paused sessions whose last
// update is before cutoff and returns their ids.
func (s *Store) ArchiveSessionsIdleSince(ctx context.Context, cutoff, at time.Time) ([]string, error) {
	var ids []string
	err := s.WithTx(ctx, func(tx *Store) error {
		rows, err := tx.q.QueryContext(ctx, `
			SELECT id FROM sessions
			WHERE status IN ('active', 'paused') AND updated_at < ?
			ORDER BY updated_at ASC;
		`, FormatTime(cutoff))
		if err != nil {
			return storageErr("query idle sessions", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return storageErr("scan idle session", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return storageErr("idle session rows", err)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.q.ExecContext(ctx, `
				UPDATE sessions SET status = 'archived', updated_at = ?
				WHERE id = ? AND status IN ('active', 'paused');
			`, FormatTime(at), id); err != nil {
				return storageErr("archive session", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.publish(bus.TopicSessionStatusChanged, bus.SessionStatusChangedEvent{SessionID: id, NewStatus: string(SessionStatusArchived)})
	}
	return ids, nil
}

// IncrementArchivedTasks adds n to the session's archived task counter.
func (s *Store) IncrementArchivedTasks(ctx context.Context, sessionID string, n int) error {
	_, err := s.q.ExecContext(ctx, `UPDATE sessions SET archived_tasks = archived_tasks + ? WHERE id = ?;`, n, sessionID)
	return storageErr("increment archived tasks", err)
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(fmt.Sprintf("rows affected for %s", kind), err)
	}
	if n == 0 {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
