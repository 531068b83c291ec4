package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/hivestate/internal/config"
	"github.com/basket/hivestate/internal/cron"
)

func newDaemonCmd(a *app) *cobra.Command {
	var runNow bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled maintenance until interrupted",
		Long: `daemon runs the retention policy (and vacuum when maintenance.vacuum is set)
on maintenance.schedule. Edits to config.yaml are picked up without a restart;
archive settings apply from the next start.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sched, err := cron.NewScheduler(cron.Config{
				Service:  a.maint,
				Schedule: a.cfg.Maintenance.Schedule,
				Policy:   retentionPolicy(a.cfg),
				Vacuum:   a.cfg.Maintenance.Vacuum,
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}
			if runNow {
				if _, err := sched.RunOnce(ctx); err != nil {
					a.logger.Error("initial maintenance run failed", "error", err)
				}
			}

			watcher := config.NewWatcher(a.cfg.HomeDir, a.logger, a.bus)
			if err := watcher.Start(ctx); err != nil {
				return fmt.Errorf("watch config: %w", err)
			}
			sched.Start(ctx)
			defer sched.Stop()

			fmt.Fprintf(a.stdout, "maintenance scheduled %q; next run at %s\n",
				a.cfg.Maintenance.Schedule, sched.NextRun().Format("2006-01-02 15:04:05 MST"))

			for {
				select {
				case <-ctx.Done():
					a.logger.Info("daemon stopping", "runs", sched.Runs())
					return nil
				case ev, ok := <-watcher.Events():
					if !ok {
						<-ctx.Done()
						return nil
					}
					if ev.Err != nil {
						continue
					}
					next := ev.Config
					if err := sched.Update(next.Maintenance.Schedule, retentionPolicy(next), next.Maintenance.Vacuum); err != nil {
						a.logger.Error("config reload rejected", "error", err)
						continue
					}
					if next.Archive != a.cfg.Archive {
						a.logger.Warn("archive settings changed; restart the daemon to apply them")
					}
					a.cfg.Maintenance, a.cfg.Retention = next.Maintenance, next.Retention
				}
			}
		},
	}
	cmd.Flags().BoolVar(&runNow, "run-now", false, "run retention once before waiting for the schedule")
	return cmd
}
