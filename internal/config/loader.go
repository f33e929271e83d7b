package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Environment variable prefix for configuration.
const envPrefix = "RELEASEGEN"

// Loader handles loading and merging configuration from a file and the environment.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about, so the
	// keys that are commonly overridden are bound explicitly.
	_ = v.BindEnv("storage.root", "RELEASEGEN_STORAGE_ROOT")
	_ = v.BindEnv("idService.url", "RELEASEGEN_IDSERVICE_URL")
	_ = v.BindEnv("idService.username", "RELEASEGEN_IDSERVICE_USERNAME")
	_ = v.BindEnv("idService.password", "RELEASEGEN_IDSERVICE_PASSWORD")
	_ = v.BindEnv("metadata.source", "RELEASEGEN_METADATA_SOURCE")
	_ = v.BindEnv("metadata.dsn", "RELEASEGEN_METADATA_DSN")
	_ = v.BindEnv("runner.workers", "RELEASEGEN_RUNNER_WORKERS")
	_ = v.BindEnv("secrets.dir", "RELEASEGEN_SECRETS_DIR")

	return &Loader{v: v}
}

// Load loads configuration from the given file path. A missing file is not
// an error: defaults and environment variables still apply.
func (l *Loader) Load(configFile string) (*Config, error) {
	if configFile != "" {
		l.v.SetConfigFile(configFile)
		l.v.SetConfigType("yaml")

		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// LoadWithDefaults loads configuration and applies defaults.
func (l *Loader) LoadWithDefaults(configFile string) (*Config, error) {
	cfg, err := l.Load(configFile)
	if err != nil {
		return nil, err
	}
	return cfg.WithDefaults(), nil
}
