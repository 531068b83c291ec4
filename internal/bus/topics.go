package bus

// Session lifecycle topics.
const (
	TopicSessionCreated       = "session.created"
	TopicSessionStatusChanged = "session.status_changed"
	TopicCheckpointSaved      = "session.checkpoint_saved"
	TopicAgentStatusChanged   = "session.agent_status_changed"
)

// Auto-save topics.
const (
	TopicAutosaveFlushed     = "autosave.flushed"
	TopicAutosaveFlushFailed = "autosave.flush_failed"
)

// Storage topics.
const (
	TopicMaintenanceCompleted = "maintenance.completed"
	TopicSchemaUpgraded       = "schema.upgraded"
	TopicConfigReloaded       = "config.reloaded"
)

type SessionCreatedEvent struct {
	SessionID string
	Label     string
	Mode      string
}

// SessionStatusChangedEvent carries an empty OldStatus when the change was
// applied in bulk by maintenance.
type SessionStatusChangedEvent struct {
	SessionID string
	OldStatus string
	NewStatus string
}

type CheckpointSavedEvent struct {
	SessionID    string
	CheckpointID string
	Name         string
}

type AgentStatusChangedEvent struct {
	SessionID string
	AgentID   string
	Status    string
}

// AutosaveFlushEvent is published after every flush attempt. Err is set on
// failure and the changes stay buffered.
type AutosaveFlushEvent struct {
	SessionID    string
	CheckpointID string
	Changes      int
	Err          string
}

type MaintenanceCompletedEvent struct {
	Operation    string
	RowsAffected int64
	Detail       string
}

type SchemaUpgradedEvent struct {
	From int
	To   int
}
