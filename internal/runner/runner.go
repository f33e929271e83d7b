// Package runner orchestrates a release build: it transforms every input
// Delta, loads it into a scratch table next to the previous release, and
// exports the new Delta, Full and Snapshot files.
package runner

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/fixes"
	"releasegen/internal/schema"
	"releasegen/internal/storage"
	"releasegen/internal/transform"
)

// IDResolver mints and caches durable identifiers.
type IDResolver interface {
	transform.IDLookup
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	ResolveBatch(ctx context.Context, uuids []string, ct domain.ComponentType) (map[string]string, error)
	ResolveSchemeBatch(ctx context.Context, scheme string, uuids []string) (map[string]string, error)
}

// Options locate build bytes and bound the runner's concurrency.
type Options struct {
	InputPrefix     string
	OutputPrefix    string
	PublishedPrefix string
	// Workers bounds how many files Phase 2 processes at once.
	Workers int
	// ExportMaxRetries bounds immediate retries of a transient export failure.
	ExportMaxRetries int
}

func (o Options) withDefaults() Options {
	if o.InputPrefix == "" {
		o.InputPrefix = "input"
	}
	if o.OutputPrefix == "" {
		o.OutputPrefix = "output"
	}
	if o.PublishedPrefix == "" {
		o.PublishedPrefix = "published"
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.ExportMaxRetries <= 0 {
		o.ExportMaxRetries = 3
	}
	return o
}

// Runner executes builds. It is safe to run different builds concurrently.
type Runner struct {
	Store domain.ByteStore
	// IDsFor returns the resolver minting identifiers for a build, e.g. one
	// per extension namespace.
	IDsFor func(cfg *domain.BuildConfig) IDResolver
	Opts   Options
	Logger *log.Logger
}

// New returns a Runner over store minting identifiers through ids for
// every build.
func New(store domain.ByteStore, ids IDResolver, opts Options, logger *log.Logger) *Runner {
	return NewWithResolvers(store, func(*domain.BuildConfig) IDResolver { return ids }, opts, logger)
}

// NewWithResolvers returns a Runner choosing the identifier resolver per build.
func NewWithResolvers(store domain.ByteStore, idsFor func(*domain.BuildConfig) IDResolver, opts Options, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{Store: store, IDsFor: idsFor, Opts: opts.withDefaults(), Logger: logger}
}

// InputDir is the storage prefix holding a build's authored files.
func (r *Runner) InputDir(buildID string) string {
	return path.Join(r.Opts.InputPrefix, buildID)
}

// OutputDir is the storage prefix receiving a build's release files.
func (r *Runner) OutputDir(buildID string) string {
	return path.Join(r.Opts.OutputPrefix, buildID)
}

// build holds the state of one run shared by its file jobs.
type build struct {
	cfg      *domain.BuildConfig
	date     int64
	inDir    string
	outDir   string
	previous *fixes.Previous
	ids      IDResolver
	modules  *conceptModules

	mu sync.Mutex
	// conceptUUIDs are the temporary ids minted for new concepts.
	conceptUUIDs []string
	report       *Report
	logger       *log.Logger
}

type fileJob struct {
	path   string
	name   string
	schema *domain.TableSchema
}

// Run executes a build and returns its report. Per-file failures are
// recorded in the report; the returned error is reserved for failures that
// stop the whole build.
func (r *Runner) Run(ctx context.Context, cfg *domain.BuildConfig) (*Report, error) {
	date, err := storage.ParseDate(cfg.EffectiveDate)
	if err != nil {
		return nil, fmt.Errorf("build %s: effective date: %w", cfg.ID, err)
	}

	b := &build{
		cfg:     cfg,
		date:    date,
		inDir:   r.InputDir(cfg.ID),
		outDir:  r.OutputDir(cfg.ID),
		ids:     r.IDsFor(cfg),
		modules: newConceptModules(),
		report:  newReport(cfg.ID),
		logger:  r.Logger.WithPrefix("build " + cfg.ID),
	}
	if !cfg.FirstTimeRelease {
		b.previous = &fixes.Previous{
			Store: r.Store,
			Dir:   path.Join(r.Opts.PublishedPrefix, cfg.PreviousPublishedPackage),
		}
	}
	defer b.report.finish()

	inputs, err := r.Store.List(ctx, b.inDir)
	if err != nil {
		return b.report, fmt.Errorf("list inputs of build %s: %w", cfg.ID, err)
	}
	phase1, phase2, passthrough := r.plan(b, inputs)
	b.logger.Info("starting build",
		"effectiveDate", cfg.EffectiveDate,
		"firstTimeRelease", cfg.FirstTimeRelease,
		"files", len(phase1)+len(phase2),
		"passthrough", len(passthrough))

	if len(phase1)+len(phase2) > 0 {
		if err := b.ids.Login(ctx); err != nil {
			return b.report, fmt.Errorf("identifier service login: %w", err)
		}
		defer func() {
			if err := b.ids.Logout(context.WithoutCancel(ctx)); err != nil {
				b.logger.Warn("identifier service logout failed", "err", err)
			}
		}()
	}

	// Phase 1 mints the concept and description identifiers every other
	// file refers to. Phase 2 starts only after it completes.
	for _, job := range phase1 {
		if err := ctx.Err(); err != nil {
			return b.report, err
		}
		r.runJob(ctx, b, job)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Opts.Workers)
	for _, job := range phase2 {
		g.Go(func() error {
			r.runJob(gctx, b, job)
			return nil
		})
	}
	for _, p := range passthrough {
		g.Go(func() error {
			r.copyThrough(gctx, b, p)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return b.report, err
	}

	if cfg.CreateLegacyIDs {
		if err := r.generateLegacyIDs(ctx, b); err != nil {
			b.logger.Error("legacy identifier generation failed", "err", err)
			b.report.warn("legacy identifiers: " + err.Error())
		}
	}

	if b.report.Transformed() == 0 {
		return b.report, fmt.Errorf("build %s: %w", cfg.ID, errors.ErrNoDeltaFiles)
	}
	b.logger.Info("build finished", "summary", b.report.Summary())
	return b.report, nil
}

// plan splits the inputs into Phase 1 jobs, Phase 2 jobs and files copied
// through unchanged. Recognized files that are not Deltas are skipped.
func (r *Runner) plan(b *build, inputs []string) (phase1, phase2 []fileJob, passthrough []string) {
	for _, p := range inputs {
		name := path.Base(p)
		s, ok := schema.Recognize(name)
		if !ok {
			passthrough = append(passthrough, p)
			continue
		}
		if v, _ := schema.VariantOf(name); v != domain.VariantDelta {
			b.report.add(FileResult{File: name, Status: StatusSkipped, Error: "only Delta inputs are transformed"})
			continue
		}
		job := fileJob{path: p, name: name, schema: s}
		switch s.ComponentType {
		case domain.ComponentConcept, domain.ComponentDescription:
			phase1 = append(phase1, job)
		default:
			phase2 = append(phase2, job)
		}
	}
	// Concepts before descriptions.
	sort.SliceStable(phase1, func(i, j int) bool {
		return phase1[i].schema.ComponentType == domain.ComponentConcept &&
			phase1[j].schema.ComponentType != domain.ComponentConcept
	})
	return phase1, phase2, passthrough
}

func (r *Runner) runJob(ctx context.Context, b *build, job fileJob) {
	start := time.Now()
	res := r.processFile(ctx, b, job)
	res.File = job.name
	res.Duration = time.Since(start)
	if res.Status == StatusFailed {
		b.logger.Error("file failed", "file", job.name, "err", res.Error)
	}
	b.report.add(res)
}
