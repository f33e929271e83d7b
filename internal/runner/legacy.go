package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/idgen"
	"releasegen/internal/schema"
	"releasegen/internal/transform"
)

// legacyTarget prefixes the simple map Delta that receives legacy ids.
const legacyTarget = "der2_sRefset_SimpleMapDelta"

// legacyRefsets maps an identifier scheme to the simple map refset
// publishing it.
var legacyRefsets = []struct {
	scheme string
	refset string
}{
	{idgen.SchemeCTV3, domain.CTV3SimpleMapRefsetID},
	{idgen.SchemeSnomed, domain.SnomedRTSimpleMapRefsetID},
}

// generateLegacyIDs mints CTV3 and SNOMED RT ids for the concepts minted in
// Phase 1 and appends their simple map members to the build's simple map
// release files.
func (r *Runner) generateLegacyIDs(ctx context.Context, b *build) error {
	b.mu.Lock()
	uuids := append([]string(nil), b.conceptUUIDs...)
	b.mu.Unlock()
	if len(uuids) == 0 {
		return nil
	}

	target, err := r.findOutput(ctx, b, legacyTarget)
	if err != nil {
		return err
	}
	if target == "" {
		b.logger.Info("no simple map delta in build, skipping legacy ids")
		return nil
	}

	module := b.cfg.ModuleID
	if module == "" {
		module = domain.CoreModuleID
	}
	var lines []string
	for _, lr := range legacyRefsets {
		ids, err := b.ids.ResolveSchemeBatch(ctx, lr.scheme, uuids)
		if err != nil {
			return fmt.Errorf("resolve %s ids: %w", lr.scheme, err)
		}
		for _, u := range uuids {
			concept, ok := b.ids.Peek(u)
			legacy, hasLegacy := ids[u]
			if !ok || !hasLegacy {
				continue
			}
			lines = append(lines, strings.Join([]string{
				transform.ContentUUID(lr.refset, concept),
				b.cfg.EffectiveDate,
				"1",
				module,
				lr.refset,
				concept,
				legacy,
			}, "\t"))
		}
	}
	if len(lines) == 0 {
		return nil
	}

	name := path.Base(target)
	for _, v := range []domain.FileVariant{domain.VariantDelta, domain.VariantFull, domain.VariantSnapshot} {
		variantName, _ := schema.VariantName(name, v)
		if err := r.appendLines(ctx, path.Join(b.outDir, variantName), lines); err != nil {
			return err
		}
	}
	b.logger.Info("appended legacy simple map members", "file", name, "rows", len(lines))
	return nil
}

// findOutput returns the output whose name, without beta prefix, starts
// with prefix, or "" when there is none.
func (r *Runner) findOutput(ctx context.Context, b *build, prefix string) (string, error) {
	outputs, err := r.Store.List(ctx, b.outDir)
	if err != nil {
		return "", err
	}
	for _, p := range outputs {
		if strings.HasPrefix(schema.StripBeta(path.Base(p)), prefix+"_") {
			return p, nil
		}
	}
	return "", nil
}

// appendLines rewrites p with lines added at the end. The original is moved
// aside first and restored if the rewrite fails.
func (r *Runner) appendLines(ctx context.Context, p string, lines []string) error {
	aside := p + ".orig"
	if err := r.Store.Rename(ctx, p, aside); err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil
		}
		return err
	}

	restore := func(cause error) error {
		if err := r.Store.Rename(ctx, aside, p); err != nil {
			return fmt.Errorf("%w (restore %s: %v)", cause, p, err)
		}
		return cause
	}

	in, err := r.Store.GetInputStream(ctx, aside)
	if err != nil {
		return restore(err)
	}
	defer in.Close()

	out, err := r.Store.PutOutputStream(ctx, p)
	if err != nil {
		return restore(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Abort(err)
		return restore(err)
	}
	for _, line := range lines {
		if _, err := io.WriteString(out, line+domain.LineEnding); err != nil {
			out.Abort(err)
			return restore(err)
		}
	}
	if err := out.Close(); err != nil {
		return restore(err)
	}
	return r.Store.Delete(ctx, aside)
}
