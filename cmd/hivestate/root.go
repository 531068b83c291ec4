package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/hivestate/internal/audit"
	"github.com/basket/hivestate/internal/bus"
	"github.com/basket/hivestate/internal/config"
	"github.com/basket/hivestate/internal/maintenance"
	"github.com/basket/hivestate/internal/otel"
	"github.com/basket/hivestate/internal/persistence"
	"github.com/basket/hivestate/internal/session"
	"github.com/basket/hivestate/internal/shared"
	"github.com/basket/hivestate/internal/telemetry"
)

// storeAnnotation selects how a command opens the database.
const (
	storeAnnotation = "hivestate/store"
	storeNone       = "none"     // command does not touch the database
	storeExisting   = "existing" // open without applying migrations
)

// app carries flags and the components built for one command invocation.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	home     string
	dbPath   string
	logLevel string
	jsonOut  bool

	cfg      config.Config
	logger   *slog.Logger
	logClose io.Closer
	audit    *audit.Recorder
	otel     *otel.Provider
	metrics  *otel.Metrics
	bus      *bus.Bus
	store    *persistence.Store
	manager  *session.Manager
	maint    *maintenance.Service
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "hivestate",
		Short: "Session and checkpoint persistence for multi-agent runs",
		Long: `hivestate stores agent sessions, checkpoints, tasks and collective memory
in a local SQLite database, auto-saves live changes and keeps the database
healthy with scheduled maintenance.`,
		Version:           Version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{err} })

	flags := root.PersistentFlags()
	flags.StringVar(&a.home, "home", "", "hivestate home directory (default $HIVESTATE_HOME or ~/.hivestate)")
	flags.StringVar(&a.dbPath, "db", "", "database path (default <home>/hivestate.db)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newSessionsCmd(a),
		newCreateCmd(a),
		newCheckpointCmd(a),
		newResumeCmd(a),
		newReactivateCmd(a),
		newPauseCmd(a),
		newCompleteCmd(a),
		newTrackCmd(a),
		newReportCmd(a),
		newIntegrityCmd(a),
		newUpgradeCmd(a),
		newMaintainCmd(a),
		newDaemonCmd(a),
		newDoctorCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	ctx := shared.WithActor(shared.EnsureTraceID(cmd.Context()), "cli")
	cmd.SetContext(ctx)

	var err error
	if a.home != "" {
		a.cfg, err = config.LoadHome(a.home)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.dbPath != "" {
		a.cfg.DBPath = a.dbPath
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}

	mode := cmd.Annotations[storeAnnotation]
	if mode == storeNone {
		return nil
	}

	// File-only logs when a human is watching stdout.
	quiet := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	a.logger, a.logClose, err = telemetry.NewLogger(a.cfg.HomeDir, a.cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(a.logger)

	if a.audit, err = audit.Open(a.cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	if a.otel, err = otel.Init(ctx, a.cfg.Telemetry); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if a.metrics, err = otel.NewMetrics(a.otel.Meter); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	a.bus = bus.New()
	if mode == storeExisting {
		a.store, err = persistence.OpenExisting(a.cfg.DBPath, a.bus)
	} else {
		a.store, err = persistence.Open(a.cfg.DBPath, a.bus)
	}
	if err != nil {
		return err
	}

	a.manager = session.NewManager(a.store,
		session.WithLogger(a.logger),
		session.WithMetrics(a.metrics),
	)
	a.maint = maintenance.New(a.store,
		maintenance.WithLogger(a.logger),
		maintenance.WithTracer(a.otel.Tracer),
		maintenance.WithMetrics(a.metrics),
		maintenance.WithAudit(a.audit),
		maintenance.WithPolicy(archivePolicy(a.cfg)),
	)
	a.logger.Debug("command started", append(shared.LogAttrs(ctx), "command", cmd.CommandPath(), "db", a.cfg.DBPath)...)
	return nil
}

// teardown releases everything setup built, including after a partial setup.
// The store may already be closed by an auto-save shutdown.
func (a *app) teardown(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.otel != nil {
		errs = append(errs, a.otel.Shutdown(context.WithoutCancel(ctx)))
	}
	errs = append(errs, a.audit.Close())
	if a.logClose != nil {
		errs = append(errs, a.logClose.Close())
	}
	return errors.Join(errs...)
}

func archivePolicy(cfg config.Config) maintenance.ArchivePolicy {
	return maintenance.ArchivePolicy{Mode: maintenance.ArchiveMode(cfg.Archive.Mode), Dir: cfg.Archive.Dir}
}

func retentionPolicy(cfg config.Config) maintenance.RetentionPolicy {
	return maintenance.RetentionPolicy{
		MemoryDays:      cfg.Retention.MemoryDays,
		TaskDays:        cfg.Retention.TaskDays,
		CheckpointDays:  cfg.Retention.CheckpointDays,
		EventDays:       cfg.Retention.EventDays,
		SessionIdleDays: cfg.Retention.SessionIdleDays,
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}
