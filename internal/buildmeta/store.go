// Package buildmeta loads the read-only build metadata a release run needs.
package buildmeta

import (
	"context"
	"fmt"

	"releasegen/internal/config"
	"releasegen/internal/domain"
	"releasegen/internal/storage"
)

// Metadata sources.
const (
	SourceFile     = "file"
	SourceSQLite   = "sqlite"
	SourceMySQL    = "mysql"
	SourcePostgres = "postgres"
	SourceMongo    = "mongodb"
)

// Open returns the store selected by cfg.Source.
func Open(ctx context.Context, cfg config.MetadataConfig) (domain.BuildConfigStore, error) {
	switch cfg.Source {
	case SourceFile, "":
		return NewFileStore(cfg.Path), nil
	case SourceSQLite, SourceMySQL, SourcePostgres:
		s, err := OpenSQL(ctx, cfg.Source, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case SourceMongo:
		s, err := OpenMongo(ctx, cfg.DSN, cfg.Database)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported metadata source: %s", cfg.Source)
	}
}

// Validate checks the fields the engine depends on.
func Validate(b *domain.BuildConfig) error {
	if b.ID == "" {
		return fmt.Errorf("build has no id")
	}
	if _, err := storage.ParseDate(b.EffectiveDate); err != nil {
		return fmt.Errorf("build %s: effective date: %w", b.ID, err)
	}
	if !b.FirstTimeRelease && b.PreviousPublishedPackage == "" {
		return fmt.Errorf("build %s: previous published package is required unless this is a first time release", b.ID)
	}
	for refset, keys := range b.CustomRefsetCompositeKeys {
		if len(keys) == 0 {
			return fmt.Errorf("build %s: empty composite key for refset %s", b.ID, refset)
		}
	}
	return nil
}
