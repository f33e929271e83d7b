package buildmeta

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
)

// FileStore reads builds from a YAML document:
//
//	builds:
//	  - id: int-20140731
//	    effectiveDate: "20140731"
//	    previousPublishedPackage: "20140131"
type FileStore struct {
	Path string
}

// NewFileStore returns a store reading path on every lookup, so edits take
// effect without a restart.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

type buildsFile struct {
	Builds []domain.BuildConfig `yaml:"builds"`
}

// GetBuild returns the build with the given id.
func (s *FileStore) GetBuild(ctx context.Context, id string) (*domain.BuildConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read builds file: %w", err)
	}
	var doc buildsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse builds file %s: %w", s.Path, err)
	}
	for i := range doc.Builds {
		if doc.Builds[i].ID == id {
			b := doc.Builds[i]
			return &b, nil
		}
	}
	return nil, errors.NotFound("build " + id)
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
