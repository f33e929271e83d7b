package fixes

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"releasegen/internal/blob"
	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/output"
	"releasegen/internal/schema"
	"releasegen/internal/storage"
)

const (
	refsetHeader = "id\teffectiveTime\tactive\tmoduleId\trefsetId\treferencedComponentId"
	avHeader     = refsetHeader + "\tvalueId"
)

func load(t *testing.T, filename, header string, lines ...string) *storage.Table {
	t.Helper()
	db, err := storage.OpenScratch()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, ok := schema.Recognize(filename)
	require.True(t, ok)
	input := header + "\r\n" + strings.Join(lines, "\r\n") + "\r\n"
	table, _, err := storage.NewPopulator(db, output.Discard()).CreateTable(context.Background(), s, strings.NewReader(input))
	require.NoError(t, err)
	return table
}

func publish(t *testing.T, store *blob.Store, name, header string, lines ...string) {
	t.Helper()
	body := header + "\r\n" + strings.Join(lines, "\r\n") + "\r\n"
	require.NoError(t, store.WriteFile(context.Background(), "published/20140131/"+name, []byte(body)))
}

func lines(t *testing.T, table *storage.Table) []string {
	t.Helper()
	rows, err := table.Rows(context.Background())
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Line()
	}
	return out
}

func newFixer(store *blob.Store) *Fixer {
	return New(&Previous{Store: store, Dir: "published/20140131"}, output.Discard())
}

func TestPrevious_FindIgnoresDateAndBeta(t *testing.T) {
	store := blob.NewMemory()
	publish(t, store, "sct2_Concept_Snapshot_INT_20140131.txt", "id")
	publish(t, store, "sct2_Concept_Full_INT_20140131.txt", "id")

	prev := &Previous{Store: store, Dir: "published/20140131"}
	found, err := prev.Find(context.Background(), "xsct2_Concept_Delta_INT_20140731.txt", domain.VariantSnapshot)
	require.NoError(t, err)
	assert.Equal(t, "published/20140131/sct2_Concept_Snapshot_INT_20140131.txt", found)

	_, err = prev.Find(context.Background(), "sct2_Relationship_Delta_INT_20140731.txt", domain.VariantSnapshot)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDiscardAlreadyPublishedDeltaStates(t *testing.T) {
	store := blob.NewMemory()
	publish(t, store, "sct2_Concept_Snapshot_INT_20140131.txt", "id\teffectiveTime\tactive\tmoduleId\tdefinitionStatusId",
		"100\t20140131\t1\tm\td",
		"200\t20140131\t1\tm\td",
	)
	table := load(t, "sct2_Concept_Delta_INT_20140731.txt", "id\teffectiveTime\tactive\tmoduleId\tdefinitionStatusId",
		"100\t20140731\t1\tm\td",
		"200\t20140731\t0\tm\td",
		"300\t20140731\t1\tm\td",
	)

	require.NoError(t, newFixer(store).DiscardAlreadyPublishedDeltaStates(context.Background(), table))
	assert.Equal(t, []string{"200\t20140731\t0\tm\td", "300\t20140731\t1\tm\td"}, lines(t, table))
}

func TestReconcileRefsetMemberIds(t *testing.T) {
	store := blob.NewMemory()
	publish(t, store, "der2_Refset_SimpleSnapshot_INT_20140131.txt", refsetHeader,
		"old-inactive\t20130131\t0\tm\t447562003\t100",
		"old-1\t20140131\t1\tm\t447562003\t100",
		"old-2\t20140131\t1\tm\t447562003\t200",
	)
	table := load(t, "der2_Refset_SimpleDelta_INT_20140731.txt", refsetHeader,
		"new-1\t20140731\t0\tm\t447562003\t100",
		"old-2\t20140731\t0\tm\t447562003\t200",
		"new-3\t20140731\t1\tm\t447562003\t300",
	)

	require.NoError(t, newFixer(store).ReconcileRefsetMemberIds(context.Background(), table, nil))
	assert.Equal(t, []string{
		"old-1\t20140731\t0\tm\t447562003\t100",
		"old-2\t20140731\t0\tm\t447562003\t200",
		"new-3\t20140731\t1\tm\t447562003\t300",
	}, lines(t, table))
}

func TestReconcileRefsetMemberIds_SkipsNonRefsets(t *testing.T) {
	table := load(t, "sct2_Concept_Delta_INT_20140731.txt", "id\teffectiveTime\tactive\tmoduleId\tdefinitionStatusId",
		"100\t20140731\t1\tm\td")
	// No previous file exists, and none is needed.
	require.NoError(t, newFixer(blob.NewMemory()).ReconcileRefsetMemberIds(context.Background(), table, nil))
}

func TestResolveEmptyValueId(t *testing.T) {
	store := blob.NewMemory()
	publish(t, store, "der2_cRefset_AttributeValueSnapshot_INT_20140131.txt", avHeader,
		"m-1\t20140131\t1\tmod\t900000000000489007\t100\t900000000000482003",
	)
	table := load(t, "der2_cRefset_AttributeValueDelta_INT_20140731.txt", avHeader,
		"m-1\t20140731\t0\tmod\t900000000000489007\t100\t",
		"m-2\t20140731\t1\tmod\t900000000000489007\t200\t",
	)

	require.NoError(t, newFixer(store).ResolveEmptyValueId(context.Background(), table))
	assert.Equal(t, []string{
		"m-1\t20140731\t0\tmod\t900000000000489007\t100\t900000000000482003",
		"m-2\t20140731\t1\tmod\t900000000000489007\t200\t",
	}, lines(t, table))
}

func TestApply_MissingPreviousIsFatalForFile(t *testing.T) {
	table := load(t, "sct2_Concept_Delta_INT_20140731.txt", "id\teffectiveTime\tactive\tmoduleId\tdefinitionStatusId",
		"100\t20140731\t1\tm\td")

	err := newFixer(blob.NewMemory()).Apply(context.Background(), table, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}
