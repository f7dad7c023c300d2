package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/crmsync/internal/schema"
	"github.com/hyperengineering/crmsync/internal/types"
	"github.com/hyperengineering/crmsync/internal/validation"
)

// Drivers lists the supported target store drivers.
var Drivers = []string{"sqlite", "postgres", "mysql", "oracle"}

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Source   SourceConfig             `yaml:"source"`
	Sync     SyncConfig               `yaml:"sync"`
	Target   TargetConfig             `yaml:"target"`
	Entities map[string]*EntityConfig `yaml:"entities"`
	State    StateConfig              `yaml:"state"`
	Snapshot SnapshotConfig           `yaml:"snapshot"`
	Schedule ScheduleConfig           `yaml:"schedule"`
	Server   ServerConfig             `yaml:"server"`
	Auth     AuthConfig               `yaml:"auth"`
	Log      LogConfig                `yaml:"log"`
}

// SourceConfig contains remote API settings.
type SourceConfig struct {
	BaseURL         string   `yaml:"base_url"`
	Token           string   `yaml:"-"` // env-only, never in YAML
	AuthScheme      string   `yaml:"auth_scheme"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	DetailTimeout   Duration `yaml:"detail_timeout"`
	MaxRetries      int      `yaml:"max_retries"`
	Backoff         Duration `yaml:"backoff"`
	PageDelay       Duration `yaml:"page_delay"`
	DefaultPageSize int      `yaml:"default_page_size"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
}

// SyncConfig contains change window and detail pool settings.
type SyncConfig struct {
	DaysBack     int      `yaml:"days_back"`
	Concurrency  int      `yaml:"concurrency"`
	TaskTimeout  Duration `yaml:"task_timeout"`
	PoolDeadline Duration `yaml:"pool_deadline"`
}

// TargetConfig contains the relational target store settings.
type TargetConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"-"` // env-only, never in YAML
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// EntityConfig contains per-entity settings. Schema replaces the built-in
// column layout when set. A nil Enabled means enabled.
type EntityConfig struct {
	Enabled        *bool       `yaml:"enabled"`
	Table          string      `yaml:"table"`
	SnapshotObject string      `yaml:"snapshot_object"`
	Schema         *schema.Map `yaml:"schema,omitempty"`
}

// StateConfig contains the local run ledger settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// SnapshotConfig contains columnar snapshot export settings.
type SnapshotConfig struct {
	TempDir string                `yaml:"temp_dir"`
	Storage SnapshotStorageConfig `yaml:"storage"`
}

// SnapshotStorageConfig contains S3-compatible object storage settings.
// An empty Bucket disables uploads.
type SnapshotStorageConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    *bool  `yaml:"use_ssl"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
}

// ScheduleConfig contains cron specs for daemon mode. Empty disables a job.
type ScheduleConfig struct {
	Sync     string `yaml:"sync"`
	Snapshot string `yaml:"snapshot"`
}

// ServerConfig contains status API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig contains status API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// IsEnabled reports whether the entity takes part in scheduled runs.
func (ec *EntityConfig) IsEnabled() bool {
	return ec.Enabled == nil || *ec.Enabled
}

// Entity returns the settings of e.
func (c *Config) Entity(e types.Entity) (*EntityConfig, error) {
	ec, ok := c.Entities[e.Key()]
	if !ok || ec == nil {
		return nil, fmt.Errorf("%w: %s is not configured", types.ErrUnknownEntity, e.Key())
	}
	return ec, nil
}

// EnabledEntities returns the enabled entities in run order.
func (c *Config) EnabledEntities() []types.Entity {
	var out []types.Entity
	for _, e := range types.AllEntities {
		if ec, ok := c.Entities[e.Key()]; ok && ec != nil && ec.IsEnabled() {
			out = append(out, e)
		}
	}
	return out
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	return LoadPath(getEnv("CRMSYNC_CONFIG_PATH", "config/crmsync.yaml"))
}

// LoadPath is Load with an explicit config path. A missing file is not an
// error; defaults and env vars apply.
func LoadPath(path string) (*Config, error) {
	cfg := newDefaults()

	if err := loadYAMLFile(cfg, path); err != nil {
		return nil, err
	}

	return finish(cfg)
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	fillEntityDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	cfg := &Config{
		Source: SourceConfig{
			BaseURL:         "https://api.clientify.net/v1/",
			AuthScheme:      "Token",
			RequestTimeout:  Duration(30 * time.Second),
			DetailTimeout:   Duration(15 * time.Second),
			MaxRetries:      5,
			Backoff:         Duration(5 * time.Second),
			PageDelay:       Duration(200 * time.Millisecond),
			DefaultPageSize: 50,
			MaxIdleConns:    20,
		},
		Sync: SyncConfig{
			DaysBack:     1,
			Concurrency:  10,
			TaskTimeout:  Duration(60 * time.Second),
			PoolDeadline: Duration(30 * time.Minute),
		},
		Target: TargetConfig{
			Driver:       "sqlite",
			MaxOpenConns: 4,
		},
		Entities: map[string]*EntityConfig{},
		State: StateConfig{
			Path: "data/crmsync.db",
		},
		Schedule: ScheduleConfig{
			Sync:     "0 * * * *",
			Snapshot: "30 5 * * *",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
	return cfg
}

// fillEntityDefaults completes entity settings the YAML file left empty.
func fillEntityDefaults(cfg *Config) {
	if cfg.Entities == nil {
		cfg.Entities = map[string]*EntityConfig{}
	}
	for _, e := range types.AllEntities {
		ec := cfg.Entities[e.Key()]
		if ec == nil {
			ec = &EntityConfig{}
			cfg.Entities[e.Key()] = ec
		}
		if ec.Table == "" {
			ec.Table = e.DefaultTable()
		}
		if ec.SnapshotObject == "" {
			ec.SnapshotObject = e.DefaultSnapshotObject()
		}
		if ec.Schema == nil {
			ec.Schema, _ = schema.ForEntity(e)
		}
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Source
	if v := os.Getenv("CLIENTIFY_API_TOKEN"); v != "" {
		cfg.Source.Token = v
	}
	if v := os.Getenv("CRMSYNC_BASE_URL"); v != "" {
		cfg.Source.BaseURL = v
	}
	if v := os.Getenv("CRMSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Source.MaxRetries = n
		}
	}
	if v := os.Getenv("CRMSYNC_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Source.Backoff = Duration(d)
		}
	}
	if v := os.Getenv("CRMSYNC_PAGE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Source.PageDelay = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("CRMSYNC_DAYS_BACK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.DaysBack = n
		}
	}
	if v := os.Getenv("CRMSYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Concurrency = n
		}
	}
	if v := os.Getenv("CRMSYNC_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.TaskTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CRMSYNC_POOL_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PoolDeadline = Duration(d)
		}
	}

	// Target
	if v := os.Getenv("CRMSYNC_TARGET_DRIVER"); v != "" {
		cfg.Target.Driver = v
	}
	if v := os.Getenv("CRMSYNC_TARGET_DSN"); v != "" {
		cfg.Target.DSN = v
	}

	// State
	if v := os.Getenv("CRMSYNC_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}

	// Snapshot
	if v := os.Getenv("CRMSYNC_SNAPSHOT_TEMP_DIR"); v != "" {
		cfg.Snapshot.TempDir = v
	}
	if v := os.Getenv("CRMSYNC_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Storage.Bucket = v
	}
	if v := os.Getenv("CRMSYNC_S3_ENDPOINT"); v != "" {
		cfg.Snapshot.Storage.Endpoint = v
	}
	if v := os.Getenv("CRMSYNC_S3_REGION"); v != "" {
		cfg.Snapshot.Storage.Region = v
	}
	if v := os.Getenv("CRMSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Snapshot.Storage.AccessKey = v
	}
	if v := os.Getenv("CRMSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Snapshot.Storage.SecretKey = v
	}
	if v := os.Getenv("CRMSYNC_S3_USE_SSL"); v != "" {
		b := v == "true" || v == "1"
		cfg.Snapshot.Storage.UseSSL = &b
	}

	// Schedule
	if v, ok := os.LookupEnv("CRMSYNC_SYNC_SCHEDULE"); ok {
		cfg.Schedule.Sync = v
	}
	if v, ok := os.LookupEnv("CRMSYNC_SNAPSHOT_SCHEDULE"); ok {
		cfg.Schedule.Snapshot = v
	}

	// Server
	if v := os.Getenv("CRMSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Auth
	if v := os.Getenv("CRMSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("CRMSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CRMSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set. It runs
// before any network or storage activity.
func (c *Config) validate() error {
	var v validation.Collector

	v.Add(validation.ValidateRequired("CLIENTIFY_API_TOKEN", c.Source.Token))
	v.Add(validation.ValidateRequired("CRMSYNC_TARGET_DSN", c.Target.DSN))
	v.Add(validation.ValidateRequired("source.base_url", c.Source.BaseURL))
	v.Add(validation.ValidateEnum("target.driver", c.Target.Driver, Drivers))
	v.Add(validation.ValidateRequired("state.path", c.State.Path))

	v.Add(validation.ValidatePositive("source.request_timeout", int64(c.Source.RequestTimeout)))
	v.Add(validation.ValidatePositive("source.detail_timeout", int64(c.Source.DetailTimeout)))
	v.Add(validation.ValidateNonNegative("source.max_retries", int64(c.Source.MaxRetries)))
	v.Add(validation.ValidateNonNegative("source.backoff", int64(c.Source.Backoff)))
	v.Add(validation.ValidateNonNegative("source.page_delay", int64(c.Source.PageDelay)))
	v.Add(validation.ValidatePositive("source.default_page_size", int64(c.Source.DefaultPageSize)))

	v.Add(validation.ValidateNonNegative("sync.days_back", int64(c.Sync.DaysBack)))
	v.Add(validation.ValidatePositive("sync.concurrency", int64(c.Sync.Concurrency)))
	v.Add(validation.ValidatePositive("sync.task_timeout", int64(c.Sync.TaskTimeout)))
	v.Add(validation.ValidatePositive("sync.pool_deadline", int64(c.Sync.PoolDeadline)))

	v.Add(validation.ValidateEnum("log.format", c.Log.Format, []string{"json", "text"}))

	for field, spec := range map[string]string{"schedule.sync": c.Schedule.Sync, "schedule.snapshot": c.Schedule.Snapshot} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			v.Add(&validation.ValidationError{Field: field, Message: err.Error()})
		}
	}

	for _, e := range types.AllEntities {
		ec := c.Entities[e.Key()]
		field := "entities." + e.Key()
		v.Add(validation.ValidateIdentifier(field+".table", ec.Table))
		if err := ec.Schema.Validate(); err != nil {
			v.Add(&validation.ValidationError{Field: field + ".schema", Message: err.Error()})
		}
	}

	if err := v.Err(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ValidateServer checks the settings only daemon mode needs.
func (c *Config) ValidateServer() error {
	if c.Auth.APIKey == "" {
		return errors.New("CRMSYNC_API_KEY is required")
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port must be greater than zero")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
