// Package config provides configuration loading for the release generator.
package config

import "time"

// StorageConfig locates input and output bytes.
type StorageConfig struct {
	// Root is the directory backing the byte store.
	// Env: RELEASEGEN_STORAGE_ROOT, Default: ./data
	Root string `mapstructure:"root"`

	// InputPrefix holds the authored delta files for a build.
	InputPrefix string `mapstructure:"inputPrefix"`

	// OutputPrefix receives the generated release files.
	OutputPrefix string `mapstructure:"outputPrefix"`

	// PublishedPrefix holds previously published packages, one directory per package.
	PublishedPrefix string `mapstructure:"publishedPrefix"`
}

// IDServiceConfig describes the identifier service connection.
type IDServiceConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// MaxTries bounds attempts for single and bulk requests.
	MaxTries int `mapstructure:"maxTries"`

	// RetryDelaySeconds is the pause between attempts.
	RetryDelaySeconds int `mapstructure:"retryDelaySeconds"`

	// BatchSize caps how many system ids go into one bulk job.
	BatchSize int `mapstructure:"batchSize"`

	// PollInterval is the sleep between bulk job status checks.
	PollInterval time.Duration `mapstructure:"pollInterval"`

	// Timeout bounds how long a bulk job may take.
	Timeout time.Duration `mapstructure:"timeout"`
}

// RunnerConfig controls the orchestration runner.
type RunnerConfig struct {
	// Workers bounds Phase 2 parallelism.
	Workers int `mapstructure:"workers"`

	// ExportMaxRetries bounds immediate retries of a failed export.
	ExportMaxRetries int `mapstructure:"exportMaxRetries"`
}

// MetadataConfig selects where build metadata comes from.
type MetadataConfig struct {
	// Source is one of: file, sqlite, mysql, postgres, mongodb.
	Source string `mapstructure:"source"`

	// Path is the YAML file for the "file" source.
	Path string `mapstructure:"path"`

	// DSN is the connection string for SQL and Mongo sources.
	DSN string `mapstructure:"dsn"`

	// Database is the Mongo database name.
	Database string `mapstructure:"database"`
}

// ScheduleConfig drives the build service.
type ScheduleConfig struct {
	// Cron is a standard 5-field cron expression. Empty disables scheduling.
	Cron string `mapstructure:"cron"`

	// WatchDir triggers a build when files change in it. Empty disables watching.
	WatchDir string `mapstructure:"watchDir"`

	// BuildID is the build run by the schedule and the watcher.
	BuildID string `mapstructure:"buildId"`
}

// SecretsConfig selects where "secret:" references in the config resolve.
// Environment variables are always consulted first.
type SecretsConfig struct {
	// Dir holds one file per secret. Empty disables the directory lookup.
	Dir string `mapstructure:"dir"`

	// Keychain enables the macOS Keychain lookup.
	Keychain bool `mapstructure:"keychain"`
}

// LogConfig contains logging-related settings.
type LogConfig struct {
	Verbose bool `mapstructure:"verbose"`

	// Timestamps controls whether timestamps are shown in log output.
	// Default: true.
	Timestamps *bool `mapstructure:"timestamps"`
}

// Config represents the release generator configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	IDService IDServiceConfig `mapstructure:"idService"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Log       LogConfig       `mapstructure:"log"`
}

// WithDefaults returns a copy of c with empty fields populated.
func (c *Config) WithDefaults() *Config {
	out := *c
	if out.Storage.Root == "" {
		out.Storage.Root = "./data"
	}
	if out.Storage.InputPrefix == "" {
		out.Storage.InputPrefix = "input"
	}
	if out.Storage.OutputPrefix == "" {
		out.Storage.OutputPrefix = "output"
	}
	if out.Storage.PublishedPrefix == "" {
		out.Storage.PublishedPrefix = "published"
	}
	if out.IDService.MaxTries <= 0 {
		out.IDService.MaxTries = 3
	}
	if out.IDService.RetryDelaySeconds < 0 {
		out.IDService.RetryDelaySeconds = 0
	}
	if out.IDService.BatchSize <= 0 {
		out.IDService.BatchSize = 1000
	}
	if out.IDService.PollInterval <= 0 {
		out.IDService.PollInterval = 2 * time.Second
	}
	if out.IDService.Timeout <= 0 {
		out.IDService.Timeout = 10 * time.Minute
	}
	if out.Runner.Workers <= 0 {
		out.Runner.Workers = 4
	}
	if out.Runner.ExportMaxRetries <= 0 {
		out.Runner.ExportMaxRetries = 3
	}
	if out.Metadata.Source == "" {
		out.Metadata.Source = "file"
	}
	if out.Metadata.Path == "" && out.Metadata.Source == "file" {
		out.Metadata.Path = "builds.yaml"
	}
	return &out
}

// DefaultConfig returns a Config with all default values populated.
func DefaultConfig() *Config {
	return (&Config{}).WithDefaults()
}
