package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every *NotFoundError and *ArchivedError.
	ErrNotFound = errors.New("not found")
	// ErrSessionArchived matches *ArchivedError.
	ErrSessionArchived = errors.New("session archived")
	// ErrInvalidTransition matches *TransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidPayload is returned for payloads that are not valid JSON.
	ErrInvalidPayload = errors.New("payload is not valid JSON")
)

// NotFoundError reports a referenced row that does not exist.
type NotFoundError struct {
	Kind string // "session", "checkpoint", "task", "agent", "memory"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ArchivedError reports a session that exists but has been archived by
// maintenance policy. It matches both ErrSessionArchived and ErrNotFound.
type ArchivedError struct {
	ID string
}

func (e *ArchivedError) Error() string {
	return fmt.Sprintf("session %q is archived", e.ID)
}

func (e *ArchivedError) Is(target error) bool {
	return target == ErrSessionArchived || target == ErrNotFound
}

// StorageError wraps an I/O or constraint failure from the storage engine.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// MigrationError reports a schema upgrade step that could not be applied.
// The recorded schema version is left at the last fully applied step.
type MigrationError struct {
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("schema migration to v%d: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// TransitionError reports a session status change the state machine forbids.
type TransitionError struct {
	ID   string
	From SessionStatus
	To   SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %q: cannot transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
