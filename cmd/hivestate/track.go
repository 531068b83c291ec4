package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/hivestate/internal/autosave"
)

const shutdownTimeout = 10 * time.Second

// trackedChange is one NDJSON line read by the track command.
type trackedChange struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTrackCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "track <session-id>",
		Short: "Auto-save NDJSON changes read from stdin until EOF or interrupt",
		Long: `track reads one change per line from stdin, for example

  {"type":"task_progress","data":{"task_id":"t1","status":"running"}}

and buffers them for auto-save. Critical types are committed immediately,
everything else on each interval and at exit.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := a.manager.GetSession(ctx, args[0]); err != nil {
				return err
			}
			if interval <= 0 {
				interval = time.Duration(a.cfg.Autosave.IntervalSeconds) * time.Second
			}
			var critical []string
			if len(a.cfg.Autosave.CriticalTypes) > 0 {
				critical = a.cfg.Autosave.CriticalTypes
			}
			sched := autosave.New(autosave.Config{
				Manager:       a.manager,
				SessionID:     args[0],
				Interval:      interval,
				CriticalTypes: critical,
				Tracer:        a.otel.Tracer,
			})
			sched.Start(ctx)

			readErr := make(chan error, 1)
			go func() { readErr <- feedChanges(ctx, a.stdin, sched) }()

			var runErr error
			select {
			case runErr = <-readErr:
			case <-ctx.Done():
			}

			// The final flush must run even when ctx was canceled by a signal.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			runErr = errors.Join(runErr, sched.Shutdown(shutdownCtx))

			stats := sched.Stats()
			if a.jsonOut {
				if err := a.printJSON(stats); err != nil {
					return errors.Join(runErr, err)
				}
			} else {
				fmt.Fprintf(a.stdout, "flushes=%d failures=%d pending=%d last_checkpoint=%s\n",
					stats.Flushes, stats.Failures, stats.Pending, stats.LastCheckpointID)
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "flush interval (default from autosave.interval_seconds)")
	return cmd
}

// feedChanges tracks every line of r. Malformed lines are rejected with their
// line number; a failed critical flush stops the feed.
func feedChanges(ctx context.Context, r io.Reader, sched *autosave.Scheduler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ch trackedChange
		if err := json.Unmarshal(sc.Bytes(), &ch); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if len(ch.Data) == 0 {
			ch.Data = json.RawMessage(`{}`)
		}
		if err := sched.TrackChange(ctx, ch.Type, ch.Data); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return sc.Err()
}
