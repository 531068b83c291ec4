package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/hivestate/internal/otel"
)

//go:embed schema.json
var schemaJSON []byte

const (
	defaultAutosaveSeconds = 30
	defaultSchedule        = "@daily"
)

type AutosaveConfig struct {
	IntervalSeconds int      `yaml:"interval_seconds" json:"interval_seconds"`
	CriticalTypes   []string `yaml:"critical_types" json:"critical_types,omitempty"`
}

// RetentionConfig holds windows in days. 0 keeps rows forever.
type RetentionConfig struct {
	MemoryDays      int `yaml:"memory_days" json:"memory_days"`
	TaskDays        int `yaml:"task_days" json:"task_days"`
	CheckpointDays  int `yaml:"checkpoint_days" json:"checkpoint_days"`
	EventDays       int `yaml:"event_days" json:"event_days"`
	SessionIdleDays int `yaml:"session_idle_days" json:"session_idle_days"`
}

type ArchiveConfig struct {
	// Mode is "move" (task_archive table) or "export" (zstd JSONL under Dir).
	Mode string `yaml:"mode" json:"mode"`
	Dir  string `yaml:"dir" json:"dir,omitempty"`
}

type MaintenanceConfig struct {
	// Schedule is a cron expression or descriptor such as "@daily".
	Schedule string `yaml:"schedule" json:"schedule"`
	// Vacuum compacts the database after each scheduled retention run.
	Vacuum bool `yaml:"vacuum" json:"vacuum"`
}

type Config struct {
	HomeDir string `yaml:"-" json:"-"`

	DBPath   string `yaml:"db_path" json:"db_path"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Autosave    AutosaveConfig    `yaml:"autosave" json:"autosave"`
	Retention   RetentionConfig   `yaml:"retention" json:"retention"`
	Archive     ArchiveConfig     `yaml:"archive" json:"archive"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Telemetry   otel.Config       `yaml:"telemetry" json:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|autosave=%d|critical=%v|retention=%+v|archive=%+v|maint=%+v|otel=%t",
		c.DBPath, c.LogLevel, c.Autosave.IntervalSeconds, c.Autosave.CriticalTypes,
		c.Retention, c.Archive, c.Maintenance, c.Telemetry.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Autosave: AutosaveConfig{IntervalSeconds: defaultAutosaveSeconds},
		Retention: RetentionConfig{
			MemoryDays:     30,
			TaskDays:       30,
			CheckpointDays: 90,
			EventDays:      90,
		},
		Archive:     ArchiveConfig{Mode: "move"},
		Maintenance: MaintenanceConfig{Schedule: defaultSchedule},
		Telemetry:   otel.Config{ServiceName: "hivestate", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("HIVESTATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hivestate")
}

// Load reads config from HomeDir().
func Load() (Config, error) {
	return LoadHome(HomeDir())
}

// LoadHome layers defaults, <homeDir>/config.yaml and HIVESTATE_* env
// overrides, then normalizes and validates the result.
func LoadHome(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hivestate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "hivestate.db")
	} else if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfg.HomeDir, cfg.DBPath)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Autosave.IntervalSeconds <= 0 {
		cfg.Autosave.IntervalSeconds = defaultAutosaveSeconds
	}
	cfg.Archive.Mode = strings.ToLower(strings.TrimSpace(cfg.Archive.Mode))
	if cfg.Archive.Mode == "" {
		cfg.Archive.Mode = "move"
	}
	if cfg.Archive.Mode == "export" && cfg.Archive.Dir == "" {
		cfg.Archive.Dir = filepath.Join(cfg.HomeDir, "archive")
	}
	if cfg.Archive.Dir != "" && !filepath.IsAbs(cfg.Archive.Dir) {
		cfg.Archive.Dir = filepath.Join(cfg.HomeDir, cfg.Archive.Dir)
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = defaultSchedule
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "hivestate"
	}
}

// Validate checks cfg against the embedded JSON schema.
func Validate(cfg Config) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal config JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid config.yaml: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add config schema: %w", err)
	}
	return c.Compile("config.schema.json")
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HIVESTATE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("HIVESTATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HIVESTATE_AUTOSAVE_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Autosave.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("HIVESTATE_RETENTION_MEMORY_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.MemoryDays = v
		}
	}
	if raw := os.Getenv("HIVESTATE_RETENTION_TASK_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.TaskDays = v
		}
	}
	if raw := os.Getenv("HIVESTATE_MAINTENANCE_SCHEDULE"); raw != "" {
		cfg.Maintenance.Schedule = raw
	}
}
