// Package fixes holds compensating passes for known defects in authoring tool
// exports. Each pass mutates a scratch table using the previously published
// Snapshot as reference.
package fixes

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/schema"
	"releasegen/internal/storage"
)

// ValueIDIndex is the valueId column of an attribute value refset.
const ValueIDIndex = schema.RefsetFirstAdditionalField

// Fixer applies the workbench data fixes to one file's table.
type Fixer struct {
	Previous *Previous
	Logger   *log.Logger
}

// New returns a Fixer reading reference data from prev.
func New(prev *Previous, logger *log.Logger) *Fixer {
	if logger == nil {
		logger = log.Default()
	}
	return &Fixer{Previous: prev, Logger: logger}
}

// Apply runs every pass that applies to the table's component type. matchKey
// overrides the refset member match fields when non-empty. A missing previous
// Snapshot is fatal for the file.
func (f *Fixer) Apply(ctx context.Context, t *storage.Table, matchKey []int) error {
	file := t.Schema.Filename
	if err := f.DiscardAlreadyPublishedDeltaStates(ctx, t); err != nil {
		return errors.Fatal("discard published delta states", file, err)
	}
	if t.Schema.ComponentType.IsRefset() {
		if err := f.ReconcileRefsetMemberIds(ctx, t, matchKey); err != nil {
			return errors.Fatal("reconcile refset member ids", file, err)
		}
	}
	if t.Schema.ComponentType == domain.ComponentAttributeValue {
		if err := f.ResolveEmptyValueId(ctx, t); err != nil {
			return errors.Fatal("resolve empty value id", file, err)
		}
	}
	return nil
}

func (f *Fixer) withPrevious(ctx context.Context, t *storage.Table, fn func(io.Reader) error) error {
	rc, found, err := f.Previous.Open(ctx, t.Schema.Filename, domain.VariantSnapshot)
	if err != nil {
		return err
	}
	defer rc.Close()
	f.Logger.Debug("using previous snapshot", "file", t.Schema.Filename, "previous", found)
	return fn(rc)
}

// ── Discard already published delta states ─────────────────

// DiscardAlreadyPublishedDeltaStates removes rows whose state, ignoring
// effectiveTime, equals the previously published row with the same key.
func (f *Fixer) DiscardAlreadyPublishedDeltaStates(ctx context.Context, t *storage.Table) error {
	rows, err := t.Rows(ctx)
	if err != nil {
		return err
	}
	byKey := make(map[string][]storage.Row, len(rows))
	for _, r := range rows {
		k := r.Key(t.Schema.KeyFields)
		byKey[k] = append(byKey[k], r)
	}

	timeIx := t.Schema.TimeFieldIndex()
	var discard []int64
	err = f.withPrevious(ctx, t, func(prev io.Reader) error {
		return eachLine(prev, func(cols []string) error {
			if len(cols) != len(t.Schema.Fields) {
				return nil
			}
			k := storage.Row{Values: cols}.Key(t.Schema.KeyFields)
			for _, r := range byKey[k] {
				if sameState(r.Values, cols, timeIx) {
					discard = append(discard, r.Seq)
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(discard) > 0 {
		f.Logger.Info("discarding already published delta states", "file", t.Schema.Filename, "table", t.Name(), "rows", len(discard))
	}
	return t.DeleteRows(ctx, discard)
}

func sameState(a, b []string, skip int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if i != skip && a[i] != b[i] {
			return false
		}
	}
	return true
}

// ── Reconcile refset member ids ────────────────────────────

// ReconcileRefsetMemberIds replaces member ids that differ from the published
// member with the same refsetId and referencedComponentId (or matchKey).
func (f *Fixer) ReconcileRefsetMemberIds(ctx context.Context, t *storage.Table, matchKey []int) error {
	if !t.Schema.ComponentType.IsRefset() {
		return nil
	}
	if len(matchKey) == 0 {
		matchKey = []int{schema.RefsetIDIndex, schema.RefsetReferencedComponent}
	}
	for _, k := range matchKey {
		if k < 0 || k >= len(t.Schema.Fields) {
			return fmt.Errorf("match field %d out of range for %s", k, t.Schema.Filename)
		}
	}

	rows, err := t.Rows(ctx)
	if err != nil {
		return err
	}
	byMatch := make(map[string][]storage.Row, len(rows))
	for _, r := range rows {
		k := r.Key(matchKey)
		byMatch[k] = append(byMatch[k], r)
	}

	// A published active member wins over an inactive one.
	type published struct {
		id     string
		active bool
	}
	found := make(map[string]published)
	err = f.withPrevious(ctx, t, func(prev io.Reader) error {
		return eachLine(prev, func(cols []string) error {
			if len(cols) != len(t.Schema.Fields) {
				return nil
			}
			k := storage.Row{Values: cols}.Key(matchKey)
			if _, ok := byMatch[k]; !ok {
				return nil
			}
			active := cols[2] == "1"
			if cur, ok := found[k]; !ok || (!cur.active && active) {
				found[k] = published{id: cols[0], active: active}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	updates := make(map[int64]string)
	for k, p := range found {
		for _, r := range byMatch[k] {
			if r.Values[0] != p.id {
				updates[r.Seq] = p.id
			}
		}
	}
	if len(updates) > 0 {
		f.Logger.Info("reconciled refset member ids", "file", t.Schema.Filename, "table", t.Name(), "rows", len(updates))
	}
	return t.UpdateField(ctx, 0, updates)
}

// ── Resolve empty value id ─────────────────────────────────

// ResolveEmptyValueId fills blank valueId columns from the published member
// with the same id. Members absent from the previous release are left blank
// and reported.
func (f *Fixer) ResolveEmptyValueId(ctx context.Context, t *storage.Table) error {
	if t.Schema.ComponentType != domain.ComponentAttributeValue || len(t.Schema.Fields) <= ValueIDIndex {
		return nil
	}
	rows, err := t.Rows(ctx)
	if err != nil {
		return err
	}
	blank := make(map[string][]int64)
	for _, r := range rows {
		if r.Values[ValueIDIndex] == "" {
			blank[r.Values[0]] = append(blank[r.Values[0]], r.Seq)
		}
	}
	if len(blank) == 0 {
		return nil
	}

	updates := make(map[int64]string)
	err = f.withPrevious(ctx, t, func(prev io.Reader) error {
		return eachLine(prev, func(cols []string) error {
			if len(cols) <= ValueIDIndex || cols[ValueIDIndex] == "" {
				return nil
			}
			seqs, ok := blank[cols[0]]
			if !ok {
				return nil
			}
			for _, seq := range seqs {
				updates[seq] = cols[ValueIDIndex]
			}
			delete(blank, cols[0])
			return nil
		})
	})
	if err != nil {
		return err
	}

	for id := range blank {
		f.Logger.Warn("attribute value member has no valueId and was never published", "file", t.Schema.Filename, "table", t.Name(), "id", id)
	}
	return t.UpdateField(ctx, ValueIDIndex, updates)
}
