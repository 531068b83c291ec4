package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// MemoryEntry is one key of a session's collective memory.
type MemoryEntry struct {
	SessionID string          `json:"session_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	TTL       time.Duration   `json:"ttl,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Expired reports whether the entry carries a TTL that has lapsed at now.
func (m MemoryEntry) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

const memoryColumns = `session_id, key, value, ttl_seconds, expires_at, created_at, updated_at`

func scanMemory(scanFn func(dest ...any) error, m *MemoryEntry) error {
	var (
		value            string
		ttl              sql.NullInt64
		expires          sql.NullString
		created, updated string
	)
	if err := scanFn(&m.SessionID, &m.Key, &value, &ttl, &expires, &created, &updated); err != nil {
		return err
	}
	m.Value = json.RawMessage(value)
	if ttl.Valid {
		m.TTL = time.Duration(ttl.Int64) * time.Second
	}
	if expires.Valid {
		m.ExpiresAt = ParseTime(expires.String)
	}
	m.CreatedAt = ParseTime(created)
	m.UpdatedAt = ParseTime(updated)
	return nil
}

// UpsertMemory writes a memory entry. A positive TTL sets expires_at relative
// to UpdatedAt; a zero TTL clears any previous expiry.
func (s *Store) UpsertMemory(ctx context.Context, m MemoryEntry) error {
	if !json.Valid(m.Value) {
		return ErrInvalidPayload
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.UpdatedAt
	}
	var (
		ttl     sql.NullInt64
		expires sql.NullString
	)
	if m.TTL > 0 {
		ttl = sql.NullInt64{Int64: int64(m.TTL / time.Second), Valid: true}
		expires = sql.NullString{String: FormatTime(m.UpdatedAt.Add(m.TTL)), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO collective_memory (session_id, key, value, ttl_seconds, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET
			value = excluded.value,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at;
	`, m.SessionID, m.Key, string(m.Value), ttl, expires, FormatTime(m.CreatedAt), FormatTime(m.UpdatedAt))
	return storageErr("upsert memory", err)
}

// GetMemory returns the entry or *NotFoundError. Expired entries are treated
// as absent even before maintenance removes them.
func (s *Store) GetMemory(ctx context.Context, sessionID, key string, now time.Time) (*MemoryEntry, error) {
	var m MemoryEntry
	err := scanMemory(s.q.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM collective_memory WHERE session_id = ? AND key = ?;`, sessionID, key,
	).Scan, &m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "memory", ID: key}
	}
	if err != nil {
		return nil, storageErr("get memory", err)
	}
	if m.Expired(now) {
		return nil, &NotFoundError{Kind: "memory", ID: key}
	}
	return &m, nil
}

// ListMemory returns unexpired entries ordered by key.
func (s *Store) ListMemory(ctx context.Context, sessionID string, now time.Time) ([]MemoryEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM collective_memory
		WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key ASC;
	`, sessionID, FormatTime(now))
	if err != nil {
		return nil, storageErr("list memory", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var m MemoryEntry
		if err := scanMemory(rows.Scan, &m); err != nil {
			return nil, storageErr("scan memory", err)
		}
		out = append(out, m)
	}
	return out, storageErr("memory rows", rows.Err())
}

// DeleteMemoryUpdatedBefore removes entries whose last update is before cutoff.
func (s *Store) DeleteMemoryUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM collective_memory WHERE updated_at < ?;`, FormatTime(cutoff))
	if err != nil {
		return 0, storageErr("delete stale memory", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpiredMemory removes entries whose TTL has lapsed at now.
func (s *Store) DeleteExpiredMemory(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM collective_memory WHERE expires_at IS NOT NULL AND expires_at <= ?;
	`, FormatTime(now))
	if err != nil {
		return 0, storageErr("delete expired memory", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
