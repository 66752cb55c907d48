package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/conveyorci/conveyor/pkg/telemetry"
	"github.com/conveyorci/conveyor/pkg/workflow"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "30s" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the engine configuration loaded from a conveyor.yaml file.
type Config struct {
	// DataDir is the root directory for databases and workspaces.
	DataDir string `yaml:"data-dir" validate:"required"`

	// Workspace is the working directory runs execute in. Defaults to a
	// workspace directory under DataDir.
	Workspace string `yaml:"workspace"`

	// Engine holds scheduler limits.
	Engine EngineConfig `yaml:"engine"`

	// Cache configures the build cache.
	Cache CacheConfig `yaml:"cache"`

	// Artifacts configures the artifact store.
	Artifacts ArtifactConfig `yaml:"artifacts"`

	// Approvals configures environment gating.
	Approvals ApprovalConfig `yaml:"approvals"`

	// History configures run history persistence.
	History HistoryConfig `yaml:"history"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Secrets are repository-level secret values.
	Secrets map[string]string `yaml:"secrets"`

	// Environments are the protected deployment environments.
	Environments []*workflow.Environment `yaml:"environments" validate:"dive"`
}

// EngineConfig holds scheduler limits.
type EngineConfig struct {
	// MaxParallel caps concurrently running job instances across a run.
	MaxParallel int `yaml:"max-parallel" validate:"min=0"`

	// MaxMatrixInstances caps per-job matrix expansion.
	MaxMatrixInstances int `yaml:"max-matrix-instances" validate:"min=0"`

	// JobTimeout bounds a single job instance's execution.
	JobTimeout Duration `yaml:"job-timeout"`
}

// CacheConfig configures the build cache.
type CacheConfig struct {
	// Path is the cache database file. Defaults to cache.db under DataDir.
	Path string `yaml:"path"`

	// QuotaBytes is the per-scope size quota.
	QuotaBytes int64 `yaml:"quota-bytes" validate:"min=0"`

	// Retention is the unaccessed-entry retention window.
	Retention Duration `yaml:"retention"`
}

// ArtifactConfig configures the artifact store.
type ArtifactConfig struct {
	// Path is the artifact database file. Defaults to artifacts.db under
	// DataDir.
	Path string `yaml:"path"`

	// MaxSizeBytes is the per-artifact size limit.
	MaxSizeBytes int64 `yaml:"max-size-bytes" validate:"min=0"`

	// AllowOverwrite permits re-uploading an existing name within a run.
	AllowOverwrite bool `yaml:"allow-overwrite"`
}

// ApprovalConfig configures environment gating.
type ApprovalConfig struct {
	// Timeout bounds how long an approval request may stay pending.
	Timeout Duration `yaml:"timeout"`
}

// HistoryConfig configures run history persistence.
type HistoryConfig struct {
	// Enabled controls whether completed runs are recorded.
	Enabled bool `yaml:"enabled"`

	// Path is the run history database file. Defaults to runs.db under
	// DataDir.
	Path string `yaml:"path"`

	// Retention is how long run records are kept before pruning.
	Retention Duration `yaml:"retention"`
}

// TelemetryConfig selects the observability settings exposed through the
// config file. The full telemetry defaults come from the telemetry package.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log-level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log-format" validate:"omitempty,oneof=console json"`

	// TracingExporter selects the trace exporter (stdout, none).
	TracingExporter string `yaml:"tracing-exporter" validate:"omitempty,oneof=stdout none"`

	// MetricsEnabled controls the Prometheus endpoint.
	MetricsEnabled bool `yaml:"metrics-enabled"`

	// MetricsListen is the metrics HTTP listen address.
	MetricsListen string `yaml:"metrics-listen"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		History: HistoryConfig{
			Enabled:   true,
			Retention: Duration(30 * 24 * time.Hour),
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// defaultDataDir places engine state under the user's home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

// Load reads a configuration file, fills defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, fills defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills derived paths and zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.Workspace == "" {
		c.Workspace = filepath.Join(c.DataDir, "workspace")
	}
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(c.DataDir, "cache.db")
	}
	if c.Artifacts.Path == "" {
		c.Artifacts.Path = filepath.Join(c.DataDir, "artifacts.db")
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.DataDir, "runs.db")
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = "console"
	}
	if c.Telemetry.MetricsListen == "" {
		c.Telemetry.MetricsListen = ":9090"
	}
}

// Validate checks structural and semantic constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config failed validation: %w", err)
	}

	seen := make(map[string]bool, len(c.Environments))
	for _, env := range c.Environments {
		if env == nil {
			return fmt.Errorf("environment entry has no body")
		}
		if seen[env.Name] {
			return fmt.Errorf("environment %q defined twice", env.Name)
		}
		seen[env.Name] = true
	}

	return nil
}

// EnvironmentMap returns the environments keyed by name, the shape the
// scheduler consumes.
func (c *Config) EnvironmentMap() map[string]*workflow.Environment {
	m := make(map[string]*workflow.Environment, len(c.Environments))
	for _, env := range c.Environments {
		m[env.Name] = env
	}
	return m
}

// TelemetrySettings builds the full telemetry configuration from the file's
// observability settings.
func (c *Config) TelemetrySettings(version string) *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.Logging.Level = c.Telemetry.LogLevel
	tcfg.Logging.Format = c.Telemetry.LogFormat
	tcfg.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tcfg.Metrics.ListenAddress = c.Telemetry.MetricsListen

	if c.Telemetry.TracingExporter == "" || c.Telemetry.TracingExporter == "none" {
		tcfg.Tracing.Enabled = false
		tcfg.Tracing.Exporter = "none"
	} else {
		tcfg.Tracing.Exporter = c.Telemetry.TracingExporter
	}

	return tcfg
}

// EnsureDataDir creates the data directory tree.
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.Workspace} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
