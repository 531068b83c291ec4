// Package resume rebuilds the working context of a persisted session so a
// host can continue where it left off.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/session"
	"github.com/basket/hivestate/internal/shared"
)

// RecentEventLimit is how many trailing events a Context carries.
const RecentEventLimit = 10

// Context is a read-only snapshot of a session.
type Context struct {
	Session          *persistence.Session       `json:"session"`
	LatestCheckpoint *persistence.Checkpoint    `json:"latest_checkpoint"`
	PendingTasks     []persistence.Task         `json:"pending_tasks"`
	Agents           []persistence.Agent        `json:"agents"`
	RecentEvents     []persistence.SessionEvent `json:"recent_events"`
	Progress         float64                    `json:"progress"`
}

type Orchestrator struct {
	manager *session.Manager
}

func New(manager *session.Manager) *Orchestrator {
	return &Orchestrator{manager: manager}
}

// Resume loads the session and everything needed to continue it. All reads
// run in one transaction so the context is a single consistent snapshot. It
// does not modify any row.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Context, error) {
	var rc *Context
	err := o.manager.Store().WithTx(ctx, func(tx *persistence.Store) error {
		sess, err := loadFrom(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		snap := &Context{Session: sess}
		if snap.LatestCheckpoint, err = tx.LatestCheckpoint(ctx, sessionID); err != nil {
			return err
		}
		if snap.PendingTasks, err = tx.ListTasks(ctx, sessionID,
			persistence.TaskStatusPending, persistence.TaskStatusRunning,
		); err != nil {
			return err
		}
		if snap.Agents, err = tx.ListAgents(ctx, sessionID); err != nil {
			return err
		}
		if snap.RecentEvents, err = tx.ListEvents(ctx, sessionID, RecentEventLimit); err != nil {
			return err
		}
		counts, err := tx.CountTasks(ctx, sessionID)
		if err != nil {
			return err
		}
		snap.Progress = counts.Percent()
		rc = snap
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.logger().Info("session resumed", append(shared.LogAttrs(ctx),
		"session_id", sessionID,
		"status", string(rc.Session.Status),
		"pending_tasks", len(rc.PendingTasks),
		"has_checkpoint", rc.LatestCheckpoint != nil,
	)...)
	return rc, nil
}

// Reactivate moves a paused session back to active.
func (o *Orchestrator) Reactivate(ctx context.Context, sessionID string) (*persistence.Session, error) {
	if _, err := o.load(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.manager.Reactivate(ctx, sessionID)
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*persistence.Session, error) {
	return loadFrom(ctx, o.manager.Store(), sessionID)
}

func loadFrom(ctx context.Context, store *persistence.Store, sessionID string) (*persistence.Session, error) {
	sess, err := store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == persistence.SessionStatusArchived {
		return nil, &persistence.ArchivedError{ID: sessionID}
	}
	return sess, nil
}

func (o *Orchestrator) logger() *slog.Logger {
	return o.manager.Logger().With("component", "resume")
}

// Describe turns a Resume or Reactivate error into a message for the user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var (
		archived   *persistence.ArchivedError
		notFound   *persistence.NotFoundError
		storage    *persistence.StorageError
		transition *persistence.TransitionError
	)
	switch {
	case errors.As(err, &archived):
		return fmt.Sprintf("session %s was archived by maintenance and can no longer be resumed", archived.ID)
	case errors.As(err, &notFound):
		return fmt.Sprintf("no %s with id %s exists", notFound.Kind, notFound.ID)
	case errors.As(err, &transition):
		return fmt.Sprintf("session %s is %s and cannot become %s", transition.ID, transition.From, transition.To)
	case errors.As(err, &storage):
		return fmt.Sprintf("storage failure during %s: %v", storage.Op, storage.Err)
	}
	return err.Error()
}
