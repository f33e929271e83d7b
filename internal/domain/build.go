package domain

import (
	"context"
	"io"
)

// BuildConfig is the read-only build metadata the engine consumes.
// It is owned by the surrounding build-entity layer.
type BuildConfig struct {
	ID string `json:"id" yaml:"id" bson:"_id"`
	// EffectiveDate is the release date in yyyyMMdd form.
	EffectiveDate    string `json:"effectiveDate" yaml:"effectiveDate" bson:"effectiveDate"`
	FirstTimeRelease bool   `json:"firstTimeRelease" yaml:"firstTimeRelease" bson:"firstTimeRelease"`
	BetaRelease      bool   `json:"betaRelease" yaml:"betaRelease" bson:"betaRelease"`
	// PreviousPublishedPackage names the published package directory used as
	// the reference release.
	PreviousPublishedPackage string `json:"previousPublishedPackage" yaml:"previousPublishedPackage" bson:"previousPublishedPackage"`
	// CustomRefsetCompositeKeys maps a refset id to the field indexes that
	// identify a member of that refset.
	CustomRefsetCompositeKeys  map[string][]int `json:"customRefsetCompositeKeys" yaml:"customRefsetCompositeKeys" bson:"customRefsetCompositeKeys"`
	WorkbenchDataFixesRequired bool             `json:"workbenchDataFixesRequired" yaml:"workbenchDataFixesRequired" bson:"workbenchDataFixesRequired"`
	CreateLegacyIDs            bool             `json:"createLegacyIds" yaml:"createLegacyIds" bson:"createLegacyIds"`
	// Namespace is the extension namespace id; 0 for the international edition.
	Namespace int `json:"namespace" yaml:"namespace" bson:"namespace"`
	// ModuleID fills blank module ids.
	ModuleID string `json:"moduleId" yaml:"moduleId" bson:"moduleId"`
}

// BuildConfigStore loads build metadata.
type BuildConfigStore interface {
	GetBuild(ctx context.Context, id string) (*BuildConfig, error)
	Close() error
}

// OutputStream is a writable sink whose Close reports whether the bytes
// were durably stored.
type OutputStream interface {
	io.Writer
	// Close signals completion and blocks until the sink has consumed
	// everything written.
	Close() error
	// Abort discards the output.
	Abort(err error)
}

// ByteStore moves file bytes. The engine never assumes a local filesystem.
type ByteStore interface {
	// GetInputStream opens path for reading. Returns errors.ErrNotFound when absent.
	GetInputStream(ctx context.Context, path string) (io.ReadCloser, error)
	// PutOutputStream opens path for writing.
	PutOutputStream(ctx context.Context, path string) (OutputStream, error)
	// List returns all paths under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Rename moves a stored object.
	Rename(ctx context.Context, from, to string) error
	// Delete removes a stored object.
	Delete(ctx context.Context, path string) error
}
