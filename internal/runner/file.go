package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"

	"github.com/charmbracelet/log"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/export"
	"releasegen/internal/fixes"
	"releasegen/internal/schema"
	"releasegen/internal/storage"
	"releasegen/internal/transform"
)

// processFile runs one Delta through transform, load, fixes, history append
// and export.
func (r *Runner) processFile(ctx context.Context, b *build, job fileJob) FileResult {
	logger := b.logger.With("file", job.name)
	res := FileResult{Status: StatusTransformed}
	fail := func(err error) FileResult {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}

	db, err := storage.OpenScratch()
	if err != nil {
		return fail(err)
	}
	defer db.Close()

	t, stats, err := r.transformAndLoad(ctx, b, job, db, logger)
	if err != nil {
		return fail(err)
	}
	res.Rows = stats.Inserted
	if stats.Skipped > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d malformed rows skipped", stats.Skipped))
	}

	matchKey, err := r.applyCompositeKey(ctx, b, t)
	if err != nil {
		return fail(err)
	}

	if job.schema.ComponentType == domain.ComponentConcept {
		if err := b.modules.record(ctx, t); err != nil {
			return fail(err)
		}
	}

	if b.cfg.WorkbenchDataFixesRequired && !b.cfg.FirstTimeRelease {
		fixer := fixes.New(b.previous, logger)
		if err := fixer.Apply(ctx, t, matchKey); err != nil {
			return fail(err)
		}
	}

	deltaLastSeq, err := t.LastSeq(ctx)
	if err != nil {
		return fail(err)
	}
	if deltaLastSeq == 0 {
		// Every delta row was discarded.
		deltaLastSeq = -1
	}

	if !b.cfg.FirstTimeRelease {
		appended, err := r.appendPrevious(ctx, b, t, db, logger)
		if err != nil {
			return fail(err)
		}
		if !appended {
			res.Warnings = append(res.Warnings, "first appearance: no previous Full")
		}
	}

	outputs, err := r.exportWithRetry(ctx, b, t, export.Options{
		TargetDate:       b.date,
		FirstTimeRelease: b.cfg.FirstTimeRelease,
		DeltaLastSeq:     deltaLastSeq,
	}, logger)
	if err != nil {
		return fail(err)
	}
	res.Outputs = outputs
	return res
}

// transformAndLoad streams the input through the file's rules into a new
// scratch table. Files that mint identifiers are read twice: once to gather
// the UUIDs to mint and once to substitute them.
func (r *Runner) transformAndLoad(ctx context.Context, b *build, job fileJob, db *storage.ScratchDB, logger *log.Logger) (*storage.Table, storage.PopulationStats, error) {
	var noStats storage.PopulationStats
	rules := transform.RulesFor(job.schema, transform.Deps{
		Cache:         b.ids,
		Modules:       b.modules,
		EffectiveDate: b.cfg.EffectiveDate,
		ModuleID:      b.cfg.ModuleID,
	})
	pipeline := transform.New(logger, rules...)
	pipeline.Width = len(job.schema.Fields)

	if col := transform.MintedColumn(job.schema); col >= 0 {
		uuids, err := r.collect(ctx, pipeline, job.path, col)
		if err != nil {
			return nil, noStats, err
		}
		if len(uuids) > 0 {
			logger.Info("minting identifiers", "count", len(uuids))
			if _, err := b.ids.ResolveBatch(ctx, uuids, job.schema.ComponentType); err != nil {
				return nil, noStats, fmt.Errorf("mint identifiers for %s: %w", job.name, err)
			}
		}
		if job.schema.ComponentType == domain.ComponentConcept {
			b.addConceptUUIDs(uuids)
		}
	}

	in, err := r.Store.GetInputStream(ctx, job.path)
	if err != nil {
		return nil, noStats, err
	}
	defer in.Close()

	pr, pw := io.Pipe()
	transformErr := make(chan error, 1)
	go func() {
		_, err := pipeline.Run(ctx, in, pw)
		pw.CloseWithError(err)
		transformErr <- err
	}()

	t, stats, loadErr := storage.NewPopulator(db, logger).CreateTable(ctx, job.schema, pr)
	// Unblock the transform if the load stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	if err := <-transformErr; err != nil && !stderrors.Is(err, io.ErrClosedPipe) {
		return nil, noStats, err
	}
	if loadErr != nil {
		return nil, noStats, loadErr
	}
	logger.Debug("loaded delta", "rows", stats.Inserted, "skipped", stats.Skipped)
	return t, stats, nil
}

func (r *Runner) collect(ctx context.Context, p *transform.Pipeline, file string, col int) ([]string, error) {
	in, err := r.Store.GetInputStream(ctx, file)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return p.Collect(ctx, in, col)
}

// applyCompositeKey replaces a refset table's entity key with the build's
// custom key for the refset the file carries, and returns that key.
func (r *Runner) applyCompositeKey(ctx context.Context, b *build, t *storage.Table) ([]int, error) {
	if len(b.cfg.CustomRefsetCompositeKeys) == 0 || !t.Schema.ComponentType.IsRefset() {
		return nil, nil
	}
	first, ok, err := t.First(ctx)
	if err != nil || !ok {
		return nil, err
	}
	if len(first.Values) <= schema.RefsetIDIndex {
		return nil, nil
	}
	fields, ok := b.cfg.CustomRefsetCompositeKeys[first.Values[schema.RefsetIDIndex]]
	if !ok {
		return nil, nil
	}
	keyed, err := schema.WithCompositeKey(t.Schema, fields)
	if err != nil {
		return nil, errors.Fatal("composite key", t.Schema.Filename, err)
	}
	t.Schema = keyed
	return fields, nil
}

// appendPrevious loads the previously published Full into t. It reports
// false when the file has no previous Full, i.e. it appears for the first
// time.
func (r *Runner) appendPrevious(ctx context.Context, b *build, t *storage.Table, db *storage.ScratchDB, logger *log.Logger) (bool, error) {
	rc, found, err := b.previous.Open(ctx, t.Schema.Filename, domain.VariantFull)
	if stderrors.Is(err, errors.ErrNotFound) {
		logger.Info("no previous full release, treating as first appearance")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer rc.Close()

	stats, err := storage.NewPopulator(db, logger).AppendData(ctx, t, rc)
	if err != nil {
		return false, err
	}
	logger.Debug("appended previous full", "previous", found, "rows", stats.Inserted)
	return true, nil
}

// outputNames returns the Delta, Full and Snapshot names for an input.
func outputNames(input string, beta bool) (delta, full, snapshot string) {
	base := schema.StripBeta(input)
	delta, _ = schema.VariantName(base, domain.VariantDelta)
	full, _ = schema.VariantName(base, domain.VariantFull)
	snapshot, _ = schema.VariantName(base, domain.VariantSnapshot)
	if beta {
		delta, full, snapshot = schema.BetaName(delta), schema.BetaName(full), schema.BetaName(snapshot)
	}
	return delta, full, snapshot
}

// exportWithRetry writes the three release files. I/O failures are retried
// at once; anything else fails the file.
func (r *Runner) exportWithRetry(ctx context.Context, b *build, t *storage.Table, opts export.Options, logger *log.Logger) ([]string, error) {
	deltaName, fullName, snapshotName := outputNames(t.Schema.Filename, b.cfg.BetaRelease)
	paths := []string{
		path.Join(b.outDir, deltaName),
		path.Join(b.outDir, fullName),
		path.Join(b.outDir, snapshotName),
	}

	var lastErr error
	for attempt := 1; attempt <= r.Opts.ExportMaxRetries; attempt++ {
		err := r.exportOnce(ctx, t, opts, paths, logger)
		if err == nil {
			return paths, nil
		}
		lastErr = err
		if errors.KindOf(err) != errors.KindRetryable {
			return nil, &errors.ReleaseFileGenerationError{File: t.Schema.Filename, Attempts: attempt, Err: err}
		}
		logger.Warn("export failed, retrying", "attempt", attempt, "err", err)
	}
	return nil, &errors.ReleaseFileGenerationError{
		File:     t.Schema.Filename,
		Attempts: r.Opts.ExportMaxRetries,
		Err:      fmt.Errorf("%w: %w", errors.ErrMaxRetries, lastErr),
	}
}

func (r *Runner) exportOnce(ctx context.Context, t *storage.Table, opts export.Options, paths []string, logger *log.Logger) error {
	streams := make([]domain.OutputStream, 0, len(paths))
	abort := func(err error) error {
		for _, s := range streams {
			s.Abort(err)
		}
		return err
	}
	for _, p := range paths {
		s, err := r.Store.PutOutputStream(ctx, p)
		if err != nil {
			return abort(errors.Retryable("open output", p, err))
		}
		streams = append(streams, s)
	}

	stats, err := export.New(logger).Export(ctx, t, opts, export.Outputs{
		Delta:    streams[0],
		Full:     streams[1],
		Snapshot: streams[2],
	})
	if err != nil {
		return abort(err)
	}
	for i, s := range streams {
		if err := s.Close(); err != nil {
			for _, rest := range streams[i+1:] {
				rest.Abort(err)
			}
			return errors.Retryable("close output", paths[i], err)
		}
	}
	logger.Info("exported", "delta", stats.Delta, "full", stats.Full, "snapshot", stats.Snapshot)
	return nil
}
