package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/hivestate/internal/maintenance"
	"github.com/basket/hivestate/internal/persistence"
)

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "report",
		Short:       "Show table sizes, page usage and maintenance suggestions",
		Args:        exactArgs(0),
		Annotations: map[string]string{storeAnnotation: storeExisting},
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.maint.GenerateReport(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(report)
			}
			fmt.Fprintf(a.stdout, "Schema: v%d (latest v%d)\n", report.SchemaVersion, report.LatestVersion)
			fmt.Fprintf(a.stdout, "File:   %d bytes, %d pages, %d free\n\n",
				report.FileBytes, report.Pages.PageCount, report.Pages.FreelistCount)

			tw := tabwriter.NewWriter(a.stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tROWS\tBYTES")
			for _, t := range report.Tables {
				if t.Missing {
					fmt.Fprintf(tw, "%s\t-\tmissing\n", t.Name)
					continue
				}
				size := fmt.Sprint(t.SizeBytes)
				if t.SizeBytes < 0 {
					size = "n/a"
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", t.Name, t.Rows, size)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(report.LastRuns) > 0 {
				fmt.Fprintln(a.stdout, "\nLast runs:")
				for _, run := range report.LastRuns {
					fmt.Fprintf(a.stdout, "  %-18s %s rows=%d\n", run.Operation, run.FinishedAt.Format("2006-01-02 15:04:05"), run.RowsAffected)
				}
			}
			if len(report.Suggestions) > 0 {
				fmt.Fprintln(a.stdout, "\nSuggestions:")
				for _, s := range report.Suggestions {
					fmt.Fprintf(a.stdout, "  - %s\n", s)
				}
			}
			return nil
		},
	}
}

func newIntegrityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "integrity",
		Short:       "Check storage, foreign keys, orphans and progress drift",
		Args:        exactArgs(0),
		Annotations: map[string]string{storeAnnotation: storeExisting},
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.maint.CheckIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(report)
			}
			if report.OK {
				fmt.Fprintln(a.stdout, "integrity: ok")
				return nil
			}
			fmt.Fprintf(a.stdout, "integrity: %d violation(s)\n", len(report.Violations))
			for _, v := range report.Violations {
				fmt.Fprintf(a.stdout, "  %-15s %-18s count=%d %s\n", v.Kind, v.Table, v.Count, v.Detail)
			}
			return nil
		},
	}
}

func newUpgradeCmd(a *app) *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:         "upgrade",
		Short:       "Apply pending schema migrations",
		Args:        exactArgs(0),
		Annotations: map[string]string{storeAnnotation: storeExisting},
		RunE: func(cmd *cobra.Command, _ []string) error {
			applied, err := a.maint.Upgrade(cmd.Context(), target)
			if err != nil {
				return err
			}
			version, err := a.store.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]int{"applied": applied, "version": version})
			}
			fmt.Fprintf(a.stdout, "applied %d migration(s); schema is at v%d\n", applied, version)
			return nil
		},
	}
	cmd.Flags().IntVar(&target, "target", persistence.LatestSchemaVersion, "schema version to upgrade to")
	return cmd
}

func newMaintainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run maintenance operations",
	}
	cmd.AddCommand(
		windowCmd(a, "clean-memory", "Delete memory entries not updated within the window",
			func(p maintenance.RetentionPolicy) int { return p.MemoryDays },
			func(ctx context.Context, days int) error {
				n, err := a.maint.CleanOldMemory(ctx, days)
				return a.printCount(maintenance.OpCleanMemory, n, err)
			}),
		windowCmd(a, "archive-tasks", "Archive completed tasks older than the window",
			func(p maintenance.RetentionPolicy) int { return p.TaskDays },
			func(ctx context.Context, days int) error {
				res, err := a.maint.ArchiveCompletedTasks(ctx, days)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(res)
				}
				if res.ExportPath != "" {
					fmt.Fprintf(a.stdout, "exported to %s\n", res.ExportPath)
				}
				return a.printCount(maintenance.OpArchiveTasks, res.Archived, nil)
			}),
		windowCmd(a, "prune-checkpoints", "Delete old checkpoints, keeping each session's latest",
			func(p maintenance.RetentionPolicy) int { return p.CheckpointDays },
			func(ctx context.Context, days int) error {
				n, err := a.maint.PruneCheckpoints(ctx, days)
				return a.printCount(maintenance.OpPruneCheckpoints, n, err)
			}),
		windowCmd(a, "prune-events", "Delete session events older than the window",
			func(p maintenance.RetentionPolicy) int { return p.EventDays },
			func(ctx context.Context, days int) error {
				n, err := a.maint.PruneEvents(ctx, days)
				return a.printCount(maintenance.OpPruneEvents, n, err)
			}),
		windowCmd(a, "archive-sessions", "Archive sessions idle for longer than the window",
			func(p maintenance.RetentionPolicy) int { return p.SessionIdleDays },
			func(ctx context.Context, days int) error {
				n, err := a.maint.ArchiveInactiveSessions(ctx, days)
				return a.printCount(maintenance.OpArchiveSessions, n, err)
			}),
		&cobra.Command{
			Use:   "expire-memory",
			Short: "Delete memory entries whose TTL has lapsed",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, _ []string) error {
				n, err := a.maint.ExpireMemory(cmd.Context())
				return a.printCount(maintenance.OpExpireMemory, n, err)
			},
		},
		&cobra.Command{
			Use:   "vacuum",
			Short: "Compact the database file",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := a.maint.Vacuum(cmd.Context()); err != nil {
					return err
				}
				return a.printCount(maintenance.OpVacuum, 0, nil)
			},
		},
		&cobra.Command{
			Use:   "backup <dest>",
			Short: "Write a verified, compacted copy of the database to dest",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.maint.Backup(cmd.Context(), args[0]); err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(map[string]string{"operation": maintenance.OpBackup, "path": args[0]})
				}
				fmt.Fprintf(a.stdout, "backup written to %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "retention",
			Short: "Run every retention step configured in config.yaml",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, _ []string) error {
				res, err := a.maint.RunRetention(cmd.Context(), retentionPolicy(a.cfg))
				if a.jsonOut {
					if perr := a.printJSON(res); perr != nil {
						return perr
					}
				} else {
					fmt.Fprintf(a.stdout, "expired_memory=%d cleaned_memory=%d archived_tasks=%d pruned_checkpoints=%d pruned_events=%d archived_sessions=%d\n",
						res.ExpiredMemory, res.CleanedMemory, res.ArchivedTasks.Archived,
						res.PrunedCheckpoints, res.PrunedEvents, res.ArchivedSessions)
				}
				return err
			},
		},
	)
	return cmd
}

// windowCmd builds a maintenance command taking --days. Without the flag the
// window comes from the loaded retention config.
func windowCmd(a *app, use, short string, configured func(maintenance.RetentionPolicy) int, run func(ctx context.Context, days int) error) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = configured(retentionPolicy(a.cfg))
			}
			return run(cmd.Context(), days)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default from config.yaml)")
	return cmd
}

func (a *app) printCount(op string, n int64, err error) error {
	if err != nil {
		return err
	}
	if a.jsonOut {
		return a.printJSON(map[string]any{"operation": op, "rows_affected": n})
	}
	fmt.Fprintf(a.stdout, "%s: %d row(s)\n", op, n)
	return nil
}
