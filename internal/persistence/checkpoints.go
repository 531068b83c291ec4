package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/basket/hivestate/internal/bus"
)

type Checkpoint struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertCheckpoint stores an immutable checkpoint and bumps the session's
// updated_at in the same transaction.
func (s *Store) InsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	if !json.Valid(cp.Payload) {
		return ErrInvalidPayload
	}
	err := s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO checkpoints (id, session_id, name, payload, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, cp.ID, cp.SessionID, cp.Name, string(cp.Payload), FormatTime(cp.CreatedAt)); err != nil {
			return storageErr("insert checkpoint", err)
		}
		return tx.TouchSession(ctx, cp.SessionID, cp.CreatedAt)
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicCheckpointSaved, bus.CheckpointSavedEvent{
		SessionID: cp.SessionID, CheckpointID: cp.ID, Name: cp.Name,
	})
	return nil
}

// LatestCheckpoint returns the newest checkpoint for the session or nil when
// none exist. Ties on created_at resolve by insertion order.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var (
		cp      Checkpoint
		payload string
		created string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, session_id, name, payload, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, sessionID).Scan(&cp.ID, &cp.SessionID, &cp.Name, &payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("latest checkpoint", err)
	}
	cp.Payload = json.RawMessage(payload)
	cp.CreatedAt = ParseTime(created)
	return &cp, nil
}

// ListCheckpoints returns checkpoints newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, session_id, name, payload, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, storageErr("list checkpoints", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp      Checkpoint
			payload string
			created string
		)
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Name, &payload, &created); err != nil {
			return nil, storageErr("scan checkpoint", err)
		}
		cp.Payload = json.RawMessage(payload)
		cp.CreatedAt = ParseTime(created)
		out = append(out, cp)
	}
	return out, storageErr("checkpoint rows", rows.Err())
}

// PruneCheckpoints deletes checkpoints older than cutoff, always keeping the
// newest checkpoint of each session.
func (s *Store) PruneCheckpoints(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE created_at < ?
		  AND rowid NOT IN (
			SELECT (
				SELECT c2.rowid FROM checkpoints c2
				WHERE c2.session_id = s.id
				ORDER BY c2.created_at DESC, c2.rowid DESC
				LIMIT 1
			)
			FROM sessions s
			WHERE EXISTS (SELECT 1 FROM checkpoints c3 WHERE c3.session_id = s.id)
		  );
	`, FormatTime(cutoff))
	if err != nil {
		return 0, storageErr("prune checkpoints", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
