package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type EventLevel string

const (
	EventLevelDebug EventLevel = "debug"
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

func (l EventLevel) Valid() bool {
	switch l {
	case EventLevelDebug, EventLevelInfo, EventLevelWarn, EventLevelError:
		return true
	}
	return false
}

// SessionEvent is an append-only log row.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Level     EventLevel      `json:"level"`
	Message   string          `json:"message"`
	ActorID   string          `json:"actor_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendEvent inserts the event and returns its id. Ids increase with
// insertion order.
func (s *Store) AppendEvent(ctx context.Context, ev SessionEvent) (int64, error) {
	if ev.Level == "" {
		ev.Level = EventLevelInfo
	}
	if len(ev.Detail) > 0 && !json.Valid(ev.Detail) {
		return 0, ErrInvalidPayload
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO session_events (session_id, level, message, actor_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, ev.SessionID, string(ev.Level), ev.Message, nullString(ev.ActorID), nullJSON(ev.Detail), FormatTime(ev.CreatedAt))
	if err != nil {
		return 0, storageErr("append session event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("session event id", err)
	}
	return id, nil
}

// ListEvents returns the newest limit events in chronological order.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, session_id, level, message, actor_id, detail, created_at FROM (
			SELECT id, session_id, level, message, actor_id, detail, created_at
			FROM session_events
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC;
	`, sessionID, limit)
	if err != nil {
		return nil, storageErr("list session events", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var (
			ev      SessionEvent
			level   string
			actor   sql.NullString
			detail  sql.NullString
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &level, &ev.Message, &actor, &detail, &created); err != nil {
			return nil, storageErr("scan session event", err)
		}
		ev.Level = EventLevel(level)
		ev.ActorID = actor.String
		ev.Detail = rawOrNil(detail)
		ev.CreatedAt = ParseTime(created)
		out = append(out, ev)
	}
	return out, storageErr("session event rows", rows.Err())
}

// PruneEvents deletes events created before cutoff.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?;`, FormatTime(cutoff))
	if err != nil {
		return 0, storageErr("prune session events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
