// Package session owns every write to session state: lifecycle, checkpoints,
// the event log, agents, tasks and collective memory.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/hivestate/internal/bus"
	"github.com/basket/hivestate/internal/otel"
	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/shared"
)

// ErrInvalidProgress is returned for a NaN progress value.
var ErrInvalidProgress = errors.New("progress is not a number")

type Manager struct {
	store   *persistence.Store
	base    *slog.Logger // host logger without the session component
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	now     func() time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBus overrides the bus the store was opened with. Components built on
// the Manager publish on it.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

func WithMetrics(metrics *otel.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(store *persistence.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		bus:    store.Bus(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.base = m.logger
	m.logger = m.logger.With("component", "session")
	return m
}

func (m *Manager) Store() *persistence.Store { return m.store }
func (m *Manager) Bus() *bus.Bus             { return m.bus }
func (m *Manager) Metrics() *otel.Metrics    { return m.metrics }

// Logger returns the host logger the Manager was built with, without the
// session component attribute.
func (m *Manager) Logger() *slog.Logger { return m.base }

// Now returns the Manager clock in UTC.
func (m *Manager) Now() time.Time { return m.now().UTC() }

func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) CreateSession(ctx context.Context, label, objective, mode string) (*persistence.Session, error) {
	if strings.TrimSpace(mode) == "" {
		mode = persistence.DefaultMode
	}
	now := m.Now()
	sess := persistence.Session{
		ID:        uuid.NewString(),
		Label:     label,
		Objective: objective,
		Status:    persistence.SessionStatusActive,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created", append(shared.LogAttrs(ctx), "session_id", sess.ID, "mode", mode)...)
	return &sess, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (*persistence.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

func (m *Manager) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("unknown session status %q", filter.Status)
	}
	return m.store.ListSessions(ctx, filter)
}

// SaveCheckpoint stores a new immutable checkpoint and returns its id. Every
// call creates a checkpoint, even for an identical payload.
func (m *Manager) SaveCheckpoint(ctx context.Context, sessionID, name string, payload json.RawMessage) (string, error) {
	if !json.Valid(payload) {
		return "", persistence.ErrInvalidPayload
	}
	cp := persistence.Checkpoint{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Payload:   payload,
		CreatedAt: m.Now(),
	}
	err := m.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := requireSession(ctx, tx, sessionID); err != nil {
			return err
		}
		return tx.InsertCheckpoint(ctx, cp)
	})
	if err != nil {
		return "", err
	}
	m.metrics.RecordCheckpoint(ctx, sessionID)
	m.logger.Debug("checkpoint saved", "session_id", sessionID, "checkpoint_id", cp.ID, "name", name)
	return cp.ID, nil
}

// GetLatestCheckpoint returns *NotFoundError of kind "session" when the
// session is missing and of kind "checkpoint" when it has none.
func (m *Manager) GetLatestCheckpoint(ctx context.Context, sessionID string) (*persistence.Checkpoint, error) {
	if err := requireSession(ctx, m.store, sessionID); err != nil {
		return nil, err
	}
	cp, err := m.store.LatestCheckpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, &persistence.NotFoundError{Kind: "checkpoint", ID: sessionID}
	}
	return cp, nil
}

func (m *Manager) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]persistence.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, sessionID, limit)
}

// LogSessionEvent appends to the session log. Unknown levels become info.
func (m *Manager) LogSessionEvent(ctx context.Context, sessionID string, level persistence.EventLevel, message, actorID string, detail json.RawMessage) (int64, error) {
	if !level.Valid() {
		level = persistence.EventLevelInfo
	}
	var id int64
	err := m.store.WithTx(ctx, func(tx *persistence.Store) error {
		if err := requireSession(ctx, tx, sessionID); err != nil {
			return err
		}
		var err error
		id, err = tx.AppendEvent(ctx, persistence.SessionEvent{
			SessionID: sessionID,
			Level:     level,
			Message:   message,
			ActorID:   actorID,
			Detail:    detail,
			CreatedAt: m.Now(),
		})
		return err
	})
	return id, err
}

func (m *Manager) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]persistence.SessionEvent, error) {
	return m.store.ListEvents(ctx, sessionID, limit)
}

type progressOptions struct {
	reset bool
}

type ProgressOption func(*progressOptions)

// WithReset allows UpdateSessionProgress to lower the stored value.
func WithReset() ProgressOption {
	return func(o *progressOptions) { o.reset = true }
}

// UpdateSessionProgress clamps percent to [0,100] and stores it unless it
// would lower the current value. It returns the value now stored.
func (m *Manager) UpdateSessionProgress(ctx context.Context, sessionID string, percent float64, opts ...ProgressOption) (float64, error) {
	if math.IsNaN(percent) {
		return 0, ErrInvalidProgress
	}
	var o progressOptions
	for _, opt := range opts {
		opt(&o)
	}
	return m.store.SetSessionProgress(ctx, sessionID, Clamp(percent), o.reset, m.Now())
}

// DeriveProgress recomputes progress from task rows without writing.
func (m *Manager) DeriveProgress(ctx context.Context, sessionID string) (float64, error) {
	counts, err := m.store.CountTasks(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return counts.Percent(), nil
}

// SyncProgress writes the derived progress, lowering the stored value if the
// task rows say so.
func (m *Manager) SyncProgress(ctx context.Context, sessionID string) (float64, error) {
	var out float64
	err := m.store.WithTx(ctx, func(tx *persistence.Store) error {
		var err error
		out, err = syncProgress(ctx, tx, sessionID, m.Now())
		return err
	})
	return out, err
}

func syncProgress(ctx context.Context, tx *persistence.Store, sessionID string, at time.Time) (float64, error) {
	counts, err := tx.CountTasks(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return tx.SetSessionProgress(ctx, sessionID, Clamp(counts.Percent()), true, at)
}

// Clamp bounds v to [0,100].
func Clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func (m *Manager) Pause(ctx context.Context, sessionID string) (*persistence.Session, error) {
	return m.transition(ctx, sessionID, persistence.SessionStatusPaused)
}

// Reactivate moves a paused session back to active. Active sessions are
// returned unchanged.
func (m *Manager) Reactivate(ctx context.Context, sessionID string) (*persistence.Session, error) {
	return m.transition(ctx, sessionID, persistence.SessionStatusActive)
}

func (m *Manager) Complete(ctx context.Context, sessionID string) (*persistence.Session, error) {
	return m.transition(ctx, sessionID, persistence.SessionStatusCompleted)
}

func (m *Manager) transition(ctx context.Context, sessionID string, to persistence.SessionStatus) (*persistence.Session, error) {
	sess, err := m.store.SetSessionStatus(ctx, sessionID, to, m.Now())
	if err != nil {
		return nil, err
	}
	m.logger.Info("session status changed", append(shared.LogAttrs(ctx), "session_id", sessionID, "status", string(to))...)
	return sess, nil
}

func requireSession(ctx context.Context, s *persistence.Store, sessionID string) error {
	ok, err := s.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return &persistence.NotFoundError{Kind: "session", ID: sessionID}
	}
	return nil
}
