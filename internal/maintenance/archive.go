package maintenance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/basket/hivestate/internal/persistence"
)

type ArchiveMode string

const (
	// ArchiveModeMove copies archived tasks into the task_archive table.
	ArchiveModeMove ArchiveMode = "move"
	// ArchiveModeExport writes archived tasks to a zstd-compressed JSONL file.
	ArchiveModeExport ArchiveMode = "export"
)

const exportExt = ".jsonl.zst"

type ArchivePolicy struct {
	Mode ArchiveMode `json:"mode" yaml:"mode"`
	Dir  string      `json:"dir,omitempty" yaml:"dir,omitempty"`
}

func (p ArchivePolicy) Validate() error {
	switch p.Mode {
	case "", ArchiveModeMove:
		return nil
	case ArchiveModeExport:
		if p.Dir == "" {
			return errors.New("archive export mode requires a directory")
		}
		return nil
	}
	return fmt.Errorf("unknown archive mode %q", p.Mode)
}

type ArchiveResult struct {
	Archived   int64       `json:"archived"`
	Sessions   int         `json:"sessions"`
	Mode       ArchiveMode `json:"mode"`
	ExportPath string      `json:"export_path,omitempty"`
}

// ArchiveCompletedTasks removes completed tasks last updated before the
// window from the live table and adds them to each session's archived
// counter, so derived progress is unchanged. Pending, running and failed
// tasks are never touched. In export mode the rows are written to a new
// file under the policy directory before the transaction commits.
func (s *Service) ArchiveCompletedTasks(ctx context.Context, retentionDays int) (ArchiveResult, error) {
	result := ArchiveResult{Mode: s.policy.Mode}
	if err := s.policy.Validate(); err != nil {
		return result, err
	}
	cutoff, err := s.cutoff(retentionDays)
	if err != nil {
		return result, err
	}

	_, err = s.run(ctx, OpArchiveTasks, func(ctx context.Context) (int64, string, error) {
		archivedAt := s.clock()
		exportPath := ""
		if s.policy.Mode == ArchiveModeExport {
			exportPath = filepath.Join(s.policy.Dir, fmt.Sprintf("tasks-%d%s", archivedAt.UnixNano(), exportExt))
		}

		err := s.store.WithTx(ctx, func(tx *persistence.Store) error {
			result.Archived, result.Sessions, result.ExportPath = 0, 0, ""
			tasks, err := tx.CompletedTasksBefore(ctx, cutoff)
			if err != nil {
				return err
			}

			perSession := make(map[string]int)
			var exported []persistence.ArchivedTask
			for _, t := range tasks {
				var ok bool
				if s.policy.Mode == ArchiveModeExport {
					ok, err = tx.DeleteCompletedTask(ctx, t.SessionID, t.ID)
					if ok {
						exported = append(exported, persistence.ArchivedTask{Task: t, ArchivedAt: archivedAt})
					}
				} else {
					ok, err = tx.MoveTaskToArchive(ctx, t, archivedAt)
				}
				if err != nil {
					return err
				}
				if ok {
					perSession[t.SessionID]++
				}
			}
			for sessionID, n := range perSession {
				if err := tx.IncrementArchivedTasks(ctx, sessionID, n); err != nil {
					return err
				}
				result.Archived += int64(n)
			}
			result.Sessions = len(perSession)

			if len(exported) > 0 {
				if err := writeExport(exportPath, exported); err != nil {
					return err
				}
				result.ExportPath = exportPath
			}
			return nil
		})
		if err != nil && exportPath != "" {
			_ = os.Remove(exportPath)
			result.ExportPath = ""
		}
		detail := fmt.Sprintf("mode=%s retention_days=%d sessions=%d", s.policy.Mode, retentionDays, result.Sessions)
		if result.ExportPath != "" {
			detail += " export=" + result.ExportPath
		}
		return result.Archived, detail, err
	})
	if err != nil {
		result.Archived, result.Sessions = 0, 0
	}
	return result, err
}

// writeExport replaces path with one zstd frame holding a JSON line per task.
func writeExport(path string, tasks []persistence.ArchivedTask) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	jsonEnc := json.NewEncoder(enc)
	for _, t := range tasks {
		if err := jsonEnc.Encode(t); err != nil {
			_ = enc.Close()
			return fmt.Errorf("encode archived task %s: %w", t.ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync archive file: %w", err)
	}
	return f.Close()
}

// ReadExport decodes an archive file written in export mode.
func ReadExport(path string) ([]persistence.ArchivedTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var out []persistence.ArchivedTask
	jsonDec := json.NewDecoder(dec)
	for {
		var t persistence.ArchivedTask
		err := jsonDec.Decode(&t)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, t)
	}
}
