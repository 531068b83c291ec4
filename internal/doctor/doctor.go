// Package doctor runs environment and database health checks for the
// hivestate CLI.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/hivestate/internal/config"
	"github.com/basket/hivestate/internal/cron"
	"github.com/basket/hivestate/internal/maintenance"
	"github.com/basket/hivestate/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// env is shared by the checks of one run. store is nil when the database
// could not be opened.
type env struct {
	cfg   *config.Config
	store *persistence.Store
	dbErr error
}

// Run executes all diagnostic checks. The database is opened without
// migrations, so running doctor never changes the schema.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	e := &env{cfg: cfg}
	if cfg != nil {
		if _, err := os.Stat(cfg.DBPath); err == nil {
			e.store, e.dbErr = persistence.OpenExisting(cfg.DBPath, nil)
		} else {
			e.dbErr = err
		}
	}
	if e.store != nil {
		defer e.store.Close()
	}

	checks := []func(context.Context, *env) CheckResult{
		checkConfig,
		checkDatabase,
		checkSchema,
		checkIntegrity,
		checkFreeSpace,
		checkSchedule,
		checkPermissions,
		checkTelemetry,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, e))
	}
	return d
}

func checkConfig(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := config.Validate(*e.cfg); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	if _, err := os.Stat(config.ConfigPath(e.cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "No config.yaml; using defaults"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(e.cfg.HomeDir))}
}

func checkDatabase(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if os.IsNotExist(e.dbErr) {
		return CheckResult{Name: "Database", Status: StatusWarn, Message: "Database not created yet", Detail: e.cfg.DBPath}
	}
	if e.dbErr != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", e.dbErr), Detail: e.cfg.DBPath}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Opened " + e.cfg.DBPath}
}

func checkSchema(ctx context.Context, e *env) CheckResult {
	if e.store == nil {
		return CheckResult{Name: "Schema", Status: StatusSkip, Message: "Database unavailable"}
	}
	version, err := e.store.CurrentVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Schema", Status: StatusFail, Message: fmt.Sprintf("Version query failed: %v", err)}
	}
	if version < persistence.LatestSchemaVersion {
		return CheckResult{
			Name:    "Schema",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Schema v%d, latest is v%d", version, persistence.LatestSchemaVersion),
			Detail:  "Run `hivestate upgrade`",
		}
	}
	return CheckResult{Name: "Schema", Status: StatusPass, Message: fmt.Sprintf("Schema v%d is current", version)}
}

func checkIntegrity(ctx context.Context, e *env) CheckResult {
	if e.store == nil {
		return CheckResult{Name: "Integrity", Status: StatusSkip, Message: "Database unavailable"}
	}
	report, err := maintenance.New(e.store).CheckIntegrity(ctx)
	if err != nil {
		return CheckResult{Name: "Integrity", Status: StatusFail, Message: fmt.Sprintf("Integrity scan failed: %v", err)}
	}
	if !report.OK {
		first := report.Violations[0]
		return CheckResult{
			Name:    "Integrity",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d violations", len(report.Violations)),
			Detail:  fmt.Sprintf("%s: %s", first.Kind, first.Detail),
		}
	}
	return CheckResult{Name: "Integrity", Status: StatusPass, Message: "No violations"}
}

func checkFreeSpace(ctx context.Context, e *env) CheckResult {
	if e.store == nil {
		return CheckResult{Name: "Free Pages", Status: StatusSkip, Message: "Database unavailable"}
	}
	pages, err := e.store.PageStats(ctx)
	if err != nil {
		return CheckResult{Name: "Free Pages", Status: StatusFail, Message: fmt.Sprintf("Page stats failed: %v", err)}
	}
	msg := fmt.Sprintf("%d of %d pages free (%d bytes)", pages.FreelistCount, pages.PageCount, pages.FileBytes())
	if pages.FreeRatio() >= 0.2 {
		return CheckResult{Name: "Free Pages", Status: StatusWarn, Message: msg, Detail: "Run `hivestate maintain vacuum`"}
	}
	return CheckResult{Name: "Free Pages", Status: StatusPass, Message: msg}
}

func checkSchedule(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Schedule", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := cron.NextRunTime(e.cfg.Maintenance.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Schedule", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q", e.cfg.Maintenance.Schedule), Detail: err.Error()}
	}
	return CheckResult{Name: "Schedule", Status: StatusPass, Message: "Next maintenance run at " + next.Format("2006-01-02 15:04 MST")}
}

func checkPermissions(_ context.Context, e *env) CheckResult {
	if e.cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{e.cfg.HomeDir, filepath.Join(e.cfg.HomeDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and log directories writable"}
}

func checkTelemetry(ctx context.Context, e *env) CheckResult {
	if e.cfg == nil || !e.cfg.Telemetry.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Telemetry disabled"}
	}
	if e.cfg.Telemetry.Exporter != "otlp-http" || e.cfg.Telemetry.Endpoint == "" {
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("Exporter %q needs no network", e.cfg.Telemetry.Exporter)}
	}

	host := e.cfg.Telemetry.Endpoint
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
