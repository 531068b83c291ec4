// backup_restore_drill writes a populated database, takes a verified backup
// through the maintenance service, restores it to a new path and reports the
// backup and restore durations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/hivestate/internal/maintenance"
	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/session"
)

const taskCount = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "hivestate-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "hivestate.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	mgr := session.NewManager(store)

	sess, err := mgr.CreateSession(ctx, "backup-drill", "verify backup and restore", "")
	if err != nil {
		fmt.Printf("create_session_error=%v\n", err)
		os.Exit(1)
	}
	for i := 0; i < taskCount; i++ {
		err := mgr.UpsertTask(ctx, persistence.Task{
			ID:          fmt.Sprintf("task-%02d", i),
			SessionID:   sess.ID,
			Description: fmt.Sprintf("backup-%d", i),
			Status:      persistence.TaskStatusCompleted,
			Result:      json.RawMessage(`{"reply":"ok"}`),
		})
		if err != nil {
			fmt.Printf("upsert_task_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := mgr.LogSessionEvent(ctx, sess.ID, persistence.EventLevelInfo, fmt.Sprintf("task-%02d done", i), "drill", nil); err != nil {
			fmt.Printf("log_event_error=%v\n", err)
			os.Exit(1)
		}
	}
	if _, err := mgr.SaveCheckpoint(ctx, sess.ID, "before-backup", json.RawMessage(`{"tasks":40}`)); err != nil {
		fmt.Printf("checkpoint_error=%v\n", err)
		os.Exit(1)
	}

	backupStart := time.Now().UTC()
	if err := maintenance.New(store).Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.OpenExisting(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restoreStore.CountTasks(ctx, sess.ID)
	if err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	eventCount, err := restoreStore.CountRows(ctx, "session_events")
	if err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}
	latest, err := restoreStore.LatestCheckpoint(ctx, sess.ID)
	if err != nil {
		fmt.Printf("latest_checkpoint_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", counts.Total)
	fmt.Printf("restored_session_events=%d\n", eventCount)
	fmt.Printf("restored_checkpoint=%t\n", latest != nil)

	if counts.Total < taskCount || eventCount == 0 || latest == nil {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
