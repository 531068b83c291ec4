// Package audit appends one JSON line per destructive maintenance operation.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/hivestate/internal/shared"
)

const FileName = "audit.jsonl"

type Entry struct {
	Timestamp    string `json:"timestamp"`
	TraceID      string `json:"trace_id"`
	Actor        string `json:"actor"`
	Operation    string `json:"operation"`
	Outcome      string `json:"outcome"`
	RowsAffected int64  `json:"rows_affected"`
	Detail       string `json:"detail,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Recorder is safe for concurrent use. A nil *Recorder discards entries.
type Recorder struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// Open appends to <home>/logs/audit.jsonl.
func Open(homeDir string) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{w: f, closer: f, now: time.Now}, nil
}

func New(w io.Writer) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, operation string, rows int64, detail string, opErr error) {
	if r == nil {
		return
	}
	e := Entry{
		TraceID:      shared.TraceID(ctx),
		Actor:        shared.Actor(ctx),
		Operation:    operation,
		Outcome:      "ok",
		RowsAffected: rows,
		Detail:       shared.Redact(detail),
	}
	if opErr != nil {
		e.Outcome = "error"
		e.Error = shared.Redact(opErr.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = r.w.Write(append(b, '\n'))
}

func (r *Recorder) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.closer.Close()
	r.closer = nil
	r.w = io.Discard
	return err
}
