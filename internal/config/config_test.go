package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/crmsync/internal/types"
)

// Helper to clear all config-related env vars. Values are restored when the
// test ends.
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"CLIENTIFY_API_TOKEN",
		"CRMSYNC_CONFIG_PATH",
		"CRMSYNC_BASE_URL",
		"CRMSYNC_MAX_RETRIES",
		"CRMSYNC_BACKOFF",
		"CRMSYNC_DAYS_BACK",
		"CRMSYNC_CONCURRENCY",
		"CRMSYNC_TASK_TIMEOUT",
		"CRMSYNC_POOL_DEADLINE",
		"CRMSYNC_TARGET_DRIVER",
		"CRMSYNC_TARGET_DSN",
		"CRMSYNC_STATE_PATH",
		"CRMSYNC_SNAPSHOT_BUCKET",
		"CRMSYNC_S3_ENDPOINT",
		"CRMSYNC_S3_REGION",
		"CRMSYNC_S3_ACCESS_KEY",
		"CRMSYNC_S3_SECRET_KEY",
		"CRMSYNC_S3_USE_SSL",
		"CRMSYNC_SYNC_SCHEDULE",
		"CRMSYNC_SNAPSHOT_SCHEDULE",
		"CRMSYNC_PORT",
		"CRMSYNC_API_KEY",
		"CRMSYNC_LOG_LEVEL",
		"CRMSYNC_LOG_FORMAT",
	}
	for _, v := range envVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
	// Point at a path that never exists so a developer's local file is ignored.
	t.Setenv("CRMSYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
}

// Helper to set the secrets validation requires
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENTIFY_API_TOKEN", "tok-test")
	t.Setenv("CRMSYNC_TARGET_DSN", filepath.Join(t.TempDir(), "target.db"))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crmsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Source defaults
	if cfg.Source.BaseURL != "https://api.clientify.net/v1/" {
		t.Errorf("Source.BaseURL = %q", cfg.Source.BaseURL)
	}
	if cfg.Source.AuthScheme != "Token" {
		t.Errorf("Source.AuthScheme = %q, want Token", cfg.Source.AuthScheme)
	}
	if dur(cfg.Source.RequestTimeout) != 30*time.Second {
		t.Errorf("Source.RequestTimeout = %v, want 30s", cfg.Source.RequestTimeout)
	}
	if cfg.Source.MaxRetries != 5 {
		t.Errorf("Source.MaxRetries = %d, want 5", cfg.Source.MaxRetries)
	}
	if dur(cfg.Source.Backoff) != 5*time.Second {
		t.Errorf("Source.Backoff = %v, want 5s", cfg.Source.Backoff)
	}
	if dur(cfg.Source.PageDelay) != 200*time.Millisecond {
		t.Errorf("Source.PageDelay = %v, want 200ms", cfg.Source.PageDelay)
	}
	if cfg.Source.DefaultPageSize != 50 {
		t.Errorf("Source.DefaultPageSize = %d, want 50", cfg.Source.DefaultPageSize)
	}

	// Sync defaults
	if cfg.Sync.DaysBack != 1 {
		t.Errorf("Sync.DaysBack = %d, want 1", cfg.Sync.DaysBack)
	}
	if cfg.Sync.Concurrency != 10 {
		t.Errorf("Sync.Concurrency = %d, want 10", cfg.Sync.Concurrency)
	}

	// Target and state defaults
	if cfg.Target.Driver != "sqlite" {
		t.Errorf("Target.Driver = %q, want sqlite", cfg.Target.Driver)
	}
	if cfg.State.Path != "data/crmsync.db" {
		t.Errorf("State.Path = %q, want data/crmsync.db", cfg.State.Path)
	}

	// Server and log defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

func TestLoad_EntityDefaults(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	for _, e := range types.AllEntities {
		ec, err := cfg.Entity(e)
		if err != nil {
			t.Fatalf("Entity(%s) error = %v", e, err)
		}
		if !ec.IsEnabled() {
			t.Errorf("%s disabled by default", e)
		}
		if ec.Table != e.DefaultTable() {
			t.Errorf("%s table = %q, want %q", e, ec.Table, e.DefaultTable())
		}
		if ec.SnapshotObject != e.DefaultSnapshotObject() {
			t.Errorf("%s snapshot object = %q", e, ec.SnapshotObject)
		}
		if ec.Schema == nil || len(ec.Schema.Columns) == 0 {
			t.Errorf("%s has no schema", e)
		}
	}

	if got := len(cfg.EnabledEntities()); got != 2 {
		t.Errorf("EnabledEntities() = %d entities, want 2", got)
	}
}

func TestLoad_ValidationFailsWithoutSecrets(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() error = nil, want validation error")
	}
	for _, want := range []string{"CLIENTIFY_API_TOKEN", "CRMSYNC_TARGET_DSN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err.Error(), want)
		}
	}
}

func TestLoad_ValidationRejectsUnknownDriver(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("CRMSYNC_TARGET_DRIVER", "sqlserver")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "target.driver") {
		t.Errorf("Load() error = %v, want target.driver error", err)
	}
}

func TestLoad_ValidationRejectsZeroConcurrency(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("CRMSYNC_CONCURRENCY", "0")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "sync.concurrency") {
		t.Errorf("Load() error = %v, want sync.concurrency error", err)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("CRMSYNC_BASE_URL", "http://localhost:9999/v1/")
	t.Setenv("CRMSYNC_MAX_RETRIES", "2")
	t.Setenv("CRMSYNC_BACKOFF", "10ms")
	t.Setenv("CRMSYNC_DAYS_BACK", "7")
	t.Setenv("CRMSYNC_CONCURRENCY", "3")
	t.Setenv("CRMSYNC_TASK_TIMEOUT", "2s")
	t.Setenv("CRMSYNC_POOL_DEADLINE", "1m")
	t.Setenv("CRMSYNC_TARGET_DRIVER", "postgres")
	t.Setenv("CRMSYNC_STATE_PATH", "/tmp/state.db")
	t.Setenv("CRMSYNC_PORT", "9090")
	t.Setenv("CRMSYNC_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source.BaseURL != "http://localhost:9999/v1/" {
		t.Errorf("Source.BaseURL = %q", cfg.Source.BaseURL)
	}
	if cfg.Source.MaxRetries != 2 {
		t.Errorf("Source.MaxRetries = %d, want 2", cfg.Source.MaxRetries)
	}
	if dur(cfg.Source.Backoff) != 10*time.Millisecond {
		t.Errorf("Source.Backoff = %v, want 10ms", cfg.Source.Backoff)
	}
	if cfg.Sync.DaysBack != 7 {
		t.Errorf("Sync.DaysBack = %d, want 7", cfg.Sync.DaysBack)
	}
	if cfg.Sync.Concurrency != 3 {
		t.Errorf("Sync.Concurrency = %d, want 3", cfg.Sync.Concurrency)
	}
	if dur(cfg.Sync.TaskTimeout) != 2*time.Second {
		t.Errorf("Sync.TaskTimeout = %v, want 2s", cfg.Sync.TaskTimeout)
	}
	if dur(cfg.Sync.PoolDeadline) != time.Minute {
		t.Errorf("Sync.PoolDeadline = %v, want 1m", cfg.Sync.PoolDeadline)
	}
	if cfg.Target.Driver != "postgres" {
		t.Errorf("Target.Driver = %q, want postgres", cfg.Target.Driver)
	}
	if cfg.State.Path != "/tmp/state.db" {
		t.Errorf("State.Path = %q", cfg.State.Path)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_EmptyScheduleEnvDisablesJob(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("CRMSYNC_SNAPSHOT_SCHEDULE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Schedule.Snapshot != "" {
		t.Errorf("Schedule.Snapshot = %q, want empty", cfg.Schedule.Snapshot)
	}
	if cfg.Schedule.Sync == "" {
		t.Error("Schedule.Sync should keep its default")
	}
}

func TestLoad_ValidationRejectsBadSchedule(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("CRMSYNC_SYNC_SCHEDULE", "hourly-ish")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "schedule.sync") {
		t.Errorf("Load() error = %v, want schedule.sync error", err)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	path := writeConfig(t, `
source:
  request_timeout: 45s
  page_delay: 0s
sync:
  days_back: 3
target:
  driver: mysql
entities:
  opportunity:
    enabled: false
    table: DEALS_MIRROR
log:
  level: warn
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if dur(cfg.Source.RequestTimeout) != 45*time.Second {
		t.Errorf("Source.RequestTimeout = %v, want 45s", cfg.Source.RequestTimeout)
	}
	// Explicit zero overrides the default
	if cfg.Source.PageDelay != 0 {
		t.Errorf("Source.PageDelay = %v, want 0", cfg.Source.PageDelay)
	}
	if cfg.Sync.DaysBack != 3 {
		t.Errorf("Sync.DaysBack = %d, want 3", cfg.Sync.DaysBack)
	}
	if cfg.Target.Driver != "mysql" {
		t.Errorf("Target.Driver = %q, want mysql", cfg.Target.Driver)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}

	opp, _ := cfg.Entity(types.EntityOpportunity)
	if opp.IsEnabled() {
		t.Error("opportunity should be disabled")
	}
	if opp.Table != "DEALS_MIRROR" {
		t.Errorf("opportunity table = %q, want DEALS_MIRROR", opp.Table)
	}
	if opp.SnapshotObject != types.EntityOpportunity.DefaultSnapshotObject() {
		t.Errorf("opportunity snapshot object = %q", opp.SnapshotObject)
	}

	enabled := cfg.EnabledEntities()
	if len(enabled) != 1 || enabled[0] != types.EntityActivity {
		t.Errorf("EnabledEntities() = %v, want [ACTIVITY]", enabled)
	}
}

func TestLoadFromFile_SchemaOverride(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	path := writeConfig(t, `
entities:
  activity:
    schema:
      key: id
      columns:
        - name: id
          kind: INTEGER
        - name: name
          kind: TEXT
          max_length: 20
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	act, _ := cfg.Entity(types.EntityActivity)
	if len(act.Schema.Columns) != 2 {
		t.Errorf("activity schema has %d columns, want 2", len(act.Schema.Columns))
	}
}

func TestLoadFromFile_InvalidSchemaOverride(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	path := writeConfig(t, `
entities:
  activity:
    schema:
      key: id
      columns:
        - name: name
          kind: TEXT
          max_length: 20
`)

	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "entities.activity.schema") {
		t.Errorf("LoadFromFile() error = %v, want schema error", err)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	path := writeConfig(t, `
sync:
  concurrency: 4
log:
  level: warn
`)
	t.Setenv("CRMSYNC_CONFIG_PATH", path)
	t.Setenv("CRMSYNC_CONCURRENCY", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Env should win over YAML
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("Sync.Concurrency = %d, want 8 (env override)", cfg.Sync.Concurrency)
	}
	// YAML value should still apply where no env override
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn (from YAML)", cfg.Log.Level)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	path := writeConfig(t, `
server:
  port: not_a_number
  this is invalid yaml [
`)

	if _, err := LoadFromFile(path); err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	path := writeConfig(t, `
sync:
  task_timeout: soon
`)

	_, err := LoadFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("LoadFromFile() error = %v, want invalid duration", err)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := &Config{
		Source: SourceConfig{Token: "source-secret"},
		Target: TargetConfig{DSN: "dsn-secret"},
		Snapshot: SnapshotConfig{Storage: SnapshotStorageConfig{
			AccessKey: "access-secret",
			SecretKey: "secret-secret",
		}},
		Auth: AuthConfig{APIKey: "api-secret"},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}

	yamlStr := string(data)
	for _, secret := range []string{"source-secret", "dsn-secret", "access-secret", "secret-secret", "api-secret"} {
		if strings.Contains(yamlStr, secret) {
			t.Errorf("YAML contains %s: %s", secret, yamlStr)
		}
	}
}

func TestConfig_SnapshotStorage_EnvOverrides(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)
	t.Setenv("CRMSYNC_SNAPSHOT_BUCKET", "crm-snapshots")
	t.Setenv("CRMSYNC_S3_ENDPOINT", "localhost:9000")
	t.Setenv("CRMSYNC_S3_REGION", "eu-west-1")
	t.Setenv("CRMSYNC_S3_ACCESS_KEY", "ak")
	t.Setenv("CRMSYNC_S3_SECRET_KEY", "sk")
	t.Setenv("CRMSYNC_S3_USE_SSL", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	s := cfg.Snapshot.Storage
	if s.Bucket != "crm-snapshots" || s.Endpoint != "localhost:9000" || s.Region != "eu-west-1" {
		t.Errorf("Snapshot.Storage = %+v", s)
	}
	if s.AccessKey != "ak" || s.SecretKey != "sk" {
		t.Error("credentials not loaded from env")
	}
	if s.UseSSL == nil || *s.UseSSL {
		t.Errorf("UseSSL = %v, want false", s.UseSSL)
	}
}

func TestConfig_ValidateServer(t *testing.T) {
	clearEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.ValidateServer(); err == nil {
		t.Error("ValidateServer() = nil without CRMSYNC_API_KEY")
	}

	cfg.Auth.APIKey = "key"
	if err := cfg.ValidateServer(); err != nil {
		t.Errorf("ValidateServer() error = %v", err)
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := yaml.Marshal(d)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "1m30s" {
		t.Errorf("Marshal = %q, want 1m30s", out)
	}
}
