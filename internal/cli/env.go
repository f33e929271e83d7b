package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"releasegen/internal/blob"
	"releasegen/internal/buildmeta"
	"releasegen/internal/config"
	"releasegen/internal/domain"
	"releasegen/internal/idgen"
	"releasegen/internal/output"
	"releasegen/internal/runner"
	"releasegen/internal/secret"
)

// env wires the engine from configuration.
type env struct {
	cfg    *config.Config
	store  *blob.Store
	runner *runner.Runner
	builds domain.BuildConfigStore
}

func newEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	cfg, err := resolveSecrets(cfg)
	if err != nil {
		return nil, err
	}
	builds, err := buildmeta.Open(ctx, cfg.Metadata)
	if err != nil {
		return nil, err
	}

	store := blob.NewOS(cfg.Storage.Root)
	client := idgen.NewClient(cfg.IDService.URL)
	idOpts := idgen.Options{
		Username:     cfg.IDService.Username,
		Password:     cfg.IDService.Password,
		MaxTries:     cfg.IDService.MaxTries,
		RetryDelay:   time.Duration(cfg.IDService.RetryDelaySeconds) * time.Second,
		BatchSize:    cfg.IDService.BatchSize,
		PollInterval: cfg.IDService.PollInterval,
		Timeout:      cfg.IDService.Timeout,
		Comment:      "releasegen",
	}
	// Each build gets its own cache in its own namespace.
	idsFor := func(b *domain.BuildConfig) runner.IDResolver {
		opts := idOpts
		opts.Namespace = b.Namespace
		opts.Comment = "releasegen build " + b.ID
		return idgen.NewCache(client, opts, output.BuildLogger(b.ID))
	}

	r := runner.NewWithResolvers(store, idsFor, runner.Options{
		InputPrefix:      cfg.Storage.InputPrefix,
		OutputPrefix:     cfg.Storage.OutputPrefix,
		PublishedPrefix:  cfg.Storage.PublishedPrefix,
		Workers:          cfg.Runner.Workers,
		ExportMaxRetries: cfg.Runner.ExportMaxRetries,
	}, output.Logger())

	return &env{cfg: cfg, store: store, runner: r, builds: builds}, nil
}

// resolveSecrets returns a copy of cfg with "secret:" references in the ID
// service password and metadata DSN replaced by their values.
func resolveSecrets(cfg *config.Config) (*config.Config, error) {
	stores := secret.Chain{secret.EnvStore{}}
	if cfg.Secrets.Dir != "" {
		stores = append(stores, secret.NewDirStore(cfg.Secrets.Dir))
	}
	if cfg.Secrets.Keychain {
		stores = append(stores, secret.NewKeychainStore())
	}

	out := *cfg
	var err error
	if out.IDService.Password, err = secret.Resolve(stores, cfg.IDService.Password); err != nil {
		return nil, fmt.Errorf("idService.password: %w", err)
	}
	if out.Metadata.DSN, err = secret.Resolve(stores, cfg.Metadata.DSN); err != nil {
		return nil, fmt.Errorf("metadata.dsn: %w", err)
	}
	return &out, nil
}

// inputDir is the local directory holding a build's authored files.
func (e *env) inputDir(buildID string) string {
	return filepath.Join(e.cfg.Storage.Root, filepath.FromSlash(e.runner.InputDir(buildID)))
}

func (e *env) Close() error {
	return e.builds.Close()
}
