package runner

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"releasegen/internal/blob"
	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/output"
)

const (
	conceptHeader      = "id\teffectiveTime\tactive\tmoduleId\tdefinitionStatusId"
	relationshipHeader = "id\teffectiveTime\tactive\tmoduleId\tsourceId\tdestinationId\trelationshipGroup\ttypeId\tcharacteristicTypeId\tmodifierId"
	refsetHeader       = "id\teffectiveTime\tactive\tmoduleId\trefsetId\treferencedComponentId"
	simpleMapHeader    = refsetHeader + "\tmapTarget"

	conceptA = "aaaaaaaa-0000-0000-0000-000000000001"
	conceptB = "aaaaaaaa-0000-0000-0000-000000000002"
)

// fakeIDs mints sequential identifiers starting at 1001.
type fakeIDs struct {
	mu      sync.Mutex
	next    int
	ids     map[string]string
	schemes map[string]map[string]string
	logins  int
	logouts int

	schemeErr error
}

func newFakeIDs() *fakeIDs {
	return &fakeIDs{next: 1001, ids: make(map[string]string), schemes: make(map[string]map[string]string)}
}

func (f *fakeIDs) Peek(uuid string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[uuid]
	return id, ok
}

func (f *fakeIDs) Login(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return nil
}

func (f *fakeIDs) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeIDs) ResolveBatch(_ context.Context, uuids []string, _ domain.ComponentType) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(uuids))
	for _, u := range uuids {
		if _, ok := f.ids[u]; !ok {
			f.ids[u] = fmt.Sprint(f.next)
			f.next++
		}
		out[u] = f.ids[u]
	}
	return out, nil
}

func (f *fakeIDs) ResolveSchemeBatch(_ context.Context, scheme string, uuids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schemeErr != nil {
		return nil, f.schemeErr
	}
	if f.schemes[scheme] == nil {
		f.schemes[scheme] = make(map[string]string)
	}
	out := make(map[string]string, len(uuids))
	for i, u := range uuids {
		out[u] = fmt.Sprintf("%s-%d", scheme, i+1)
		f.schemes[scheme][u] = out[u]
	}
	return out, nil
}

func put(t *testing.T, store *blob.Store, p, header string, lines ...string) {
	t.Helper()
	body := header + "\r\n"
	if len(lines) > 0 {
		body += strings.Join(lines, "\r\n") + "\r\n"
	}
	require.NoError(t, store.WriteFile(context.Background(), p, []byte(body)))
}

func read(t *testing.T, store *blob.Store, p string) []string {
	t.Helper()
	data, err := store.ReadFile(context.Background(), p)
	require.NoError(t, err)
	out := strings.Split(string(data), "\r\n")
	return out[:len(out)-1]
}

func newRunner(store *blob.Store, ids *fakeIDs) *Runner {
	return New(store, ids, Options{Workers: 4}, output.Discard())
}

func TestRun_FirstTimeRelease(t *testing.T) {
	store := blob.NewMemory()
	ids := newFakeIDs()
	put(t, store, "input/b1/sct2_Concept_Delta_INT_20140731.txt", conceptHeader,
		conceptA+"\t\t1\t123000\t900000000000074008",
		conceptB+"\t\t1\t123000\t900000000000074008",
	)
	put(t, store, "input/b1/sct2_Relationship_Delta_INT_20140731.txt", relationshipHeader,
		"null\t\t1\tnull\t"+conceptA+"\t"+conceptB+"\t0\t116680003\t\t",
	)
	require.NoError(t, store.WriteFile(context.Background(), "input/b1/readme.txt", []byte("notes")))

	report, err := newRunner(store, ids).Run(context.Background(), &domain.BuildConfig{
		ID: "b1", EffectiveDate: "20140731", FirstTimeRelease: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transformed())
	assert.Empty(t, report.Failed())
	assert.Equal(t, "2 transformed, 1 copied, 0 skipped, 0 failed", report.Summary())

	assert.Equal(t, []string{conceptHeader}, read(t, store, "output/b1/sct2_Concept_Delta_INT_20140731.txt"))
	assert.Equal(t, []string{
		conceptHeader,
		"1001\t20140731\t1\t123000\t900000000000074008",
		"1002\t20140731\t1\t123000\t900000000000074008",
	}, read(t, store, "output/b1/sct2_Concept_Snapshot_INT_20140731.txt"))

	// Relationship ids reference identifiers minted in Phase 1 and inherit
	// the source concept's module.
	assert.Equal(t, []string{
		relationshipHeader,
		"1003\t20140731\t1\t123000\t1001\t1002\t0\t116680003\t900000000000011006\t900000000000451002",
	}, read(t, store, "output/b1/sct2_Relationship_Full_INT_20140731.txt"))

	data, err := store.ReadFile(context.Background(), "output/b1/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "notes", string(data))

	assert.Equal(t, 1, ids.logins)
	assert.Equal(t, 1, ids.logouts)
}

func TestRun_MergesPreviousFull(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "published/20140131/sct2_Concept_Full_INT_20140131.txt", conceptHeader,
		"100\t20020131\t1\tm\td",
		"100\t20140131\t0\tm\td",
		"300\t20020131\t1\tm\td",
	)
	put(t, store, "input/b2/sct2_Concept_Delta_INT_20140731.txt", conceptHeader,
		"200\t20140731\t1\tm\td",
		"100\t20140731\t1\tm\td",
	)

	report, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b2", EffectiveDate: "20140731", PreviousPublishedPackage: "20140131",
	})
	require.NoError(t, err)
	res, ok := report.File("sct2_Concept_Delta_INT_20140731.txt")
	require.True(t, ok)
	assert.Equal(t, StatusTransformed, res.Status)
	assert.Len(t, res.Outputs, 3)

	assert.Equal(t, []string{conceptHeader,
		"200\t20140731\t1\tm\td",
		"100\t20140731\t1\tm\td",
	}, read(t, store, "output/b2/sct2_Concept_Delta_INT_20140731.txt"))
	assert.Equal(t, []string{conceptHeader,
		"100\t20020131\t1\tm\td",
		"100\t20140131\t0\tm\td",
		"100\t20140731\t1\tm\td",
		"200\t20140731\t1\tm\td",
		"300\t20020131\t1\tm\td",
	}, read(t, store, "output/b2/sct2_Concept_Full_INT_20140731.txt"))
	assert.Equal(t, []string{conceptHeader,
		"100\t20140731\t1\tm\td",
		"200\t20140731\t1\tm\td",
		"300\t20020131\t1\tm\td",
	}, read(t, store, "output/b2/sct2_Concept_Snapshot_INT_20140731.txt"))
}

func TestRun_FirstAppearanceWithoutPreviousFull(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "input/b3/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, "200\t20140731\t1\tm\td")

	report, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b3", EffectiveDate: "20140731", PreviousPublishedPackage: "20140131",
	})
	require.NoError(t, err)
	res, _ := report.File("sct2_Concept_Delta_INT_20140731.txt")
	assert.Equal(t, StatusTransformed, res.Status)
	assert.NotEmpty(t, res.Warnings)
	assert.Equal(t, []string{conceptHeader, "200\t20140731\t1\tm\td"},
		read(t, store, "output/b3/sct2_Concept_Delta_INT_20140731.txt"))
}

func TestRun_WorkbenchFixesDiscardPublishedStates(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "published/20140131/sct2_Concept_Snapshot_INT_20140131.txt", conceptHeader, "100\t20140131\t1\tm\td")
	put(t, store, "published/20140131/sct2_Concept_Full_INT_20140131.txt", conceptHeader, "100\t20140131\t1\tm\td")
	put(t, store, "input/b4/sct2_Concept_Delta_INT_20140731.txt", conceptHeader,
		"100\t20140731\t1\tm\td",
		"200\t20140731\t1\tm\td",
	)

	_, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b4", EffectiveDate: "20140731", PreviousPublishedPackage: "20140131", WorkbenchDataFixesRequired: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{conceptHeader, "200\t20140731\t1\tm\td"},
		read(t, store, "output/b4/sct2_Concept_Delta_INT_20140731.txt"))
	assert.Equal(t, []string{conceptHeader,
		"100\t20140131\t1\tm\td",
		"200\t20140731\t1\tm\td",
	}, read(t, store, "output/b4/sct2_Concept_Snapshot_INT_20140731.txt"))
}

func TestRun_FailedFileDoesNotStopSiblings(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "input/b5/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, "100\t20140731\t1\tm\td")
	// The referenced component was never minted.
	put(t, store, "input/b5/der2_Refset_SimpleDelta_INT_20140731.txt", refsetHeader,
		"bbbbbbbb-0000-0000-0000-000000000001\t20140731\t1\tm\t447562003\tcccccccc-0000-0000-0000-000000000001",
	)

	report, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b5", EffectiveDate: "20140731", FirstTimeRelease: true,
	})
	require.NoError(t, err)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "der2_Refset_SimpleDelta_INT_20140731.txt", failed[0].File)
	assert.Contains(t, failed[0].Error, "no identifier")
	assert.Equal(t, 1, report.Transformed())

	_, err = store.ReadFile(context.Background(), "output/b5/der2_Refset_SimpleFull_INT_20140731.txt")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRun_NoDeltaFiles(t *testing.T) {
	store := blob.NewMemory()
	require.NoError(t, store.WriteFile(context.Background(), "input/b6/readme.txt", []byte("x")))
	put(t, store, "input/b6/sct2_Concept_Full_INT_20140731.txt", conceptHeader)

	report, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b6", EffectiveDate: "20140731", FirstTimeRelease: true,
	})
	assert.ErrorIs(t, err, errors.ErrNoDeltaFiles)
	require.NotNil(t, report)
	res, ok := report.File("sct2_Concept_Full_INT_20140731.txt")
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, res.Status)
}

func TestRun_BetaNames(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "input/b7/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, "100\t20140731\t1\tm\td")

	_, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b7", EffectiveDate: "20140731", FirstTimeRelease: true, BetaRelease: true,
	})
	require.NoError(t, err)
	paths, err := store.List(context.Background(), "output/b7")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"output/b7/xsct2_Concept_Delta_INT_20140731.txt",
		"output/b7/xsct2_Concept_Full_INT_20140731.txt",
		"output/b7/xsct2_Concept_Snapshot_INT_20140731.txt",
	}, paths)
}

func TestRun_CustomCompositeKey(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "input/b8/der2_cRefset_AssociationDelta_INT_20140731.txt", refsetHeader+"\ttargetComponentId",
		"m1\t20140131\t1\tm\t900000000000527005\t100\t200",
		"m2\t20140731\t0\tm\t900000000000527005\t100\t200",
	)

	_, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b8", EffectiveDate: "20140731", FirstTimeRelease: true,
		CustomRefsetCompositeKeys: map[string][]int{"900000000000527005": {4, 5, 6}},
	})
	require.NoError(t, err)
	// Both members share refsetId, referencedComponentId and target, so
	// the snapshot keeps only the latest.
	assert.Equal(t, []string{refsetHeader + "\ttargetComponentId",
		"m2\t20140731\t0\tm\t900000000000527005\t100\t200",
	}, read(t, store, "output/b8/der2_cRefset_AssociationSnapshot_INT_20140731.txt"))
}

func TestRun_LegacyIdentifiers(t *testing.T) {
	store := blob.NewMemory()
	ids := newFakeIDs()
	put(t, store, "input/b9/sct2_Concept_Delta_INT_20140731.txt", conceptHeader,
		conceptA+"\t20140731\t1\tm\td",
	)
	put(t, store, "input/b9/der2_sRefset_SimpleMapDelta_INT_20140731.txt", simpleMapHeader,
		"dddddddd-0000-0000-0000-000000000001\t20140731\t1\tm\t447562003\t100\tX1",
	)

	_, err := newRunner(store, ids).Run(context.Background(), &domain.BuildConfig{
		ID: "b9", EffectiveDate: "20140731", FirstTimeRelease: true, CreateLegacyIDs: true, ModuleID: "m",
	})
	require.NoError(t, err)

	delta := read(t, store, "output/b9/der2_sRefset_SimpleMapDelta_INT_20140731.txt")
	require.Len(t, delta, 3)
	assert.Equal(t, simpleMapHeader, delta[0])
	assert.True(t, strings.HasSuffix(delta[1], "\t20140731\t1\tm\t"+domain.CTV3SimpleMapRefsetID+"\t1001\tCTV3ID-1"))
	assert.True(t, strings.HasSuffix(delta[2], "\t20140731\t1\tm\t"+domain.SnomedRTSimpleMapRefsetID+"\t1001\tSNOMEDID-1"))

	full := read(t, store, "output/b9/der2_sRefset_SimpleMapFull_INT_20140731.txt")
	assert.Len(t, full, 4)

	paths, err := store.List(context.Background(), "output/b9")
	require.NoError(t, err)
	for _, p := range paths {
		assert.False(t, strings.HasSuffix(p, ".orig"), p)
	}
}

// flakyStore fails the first n output opens with an I/O error.
type flakyStore struct {
	*blob.Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) PutOutputStream(ctx context.Context, p string) (domain.OutputStream, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return nil, &fs.PathError{Op: "create", Path: p, Err: fs.ErrPermission}
	}
	s.mu.Unlock()
	return s.Store.PutOutputStream(ctx, p)
}

func TestRun_ExportRetriesTransientFailures(t *testing.T) {
	mem := blob.NewMemory()
	put(t, mem, "input/b10/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, "100\t20140731\t1\tm\td")
	store := &flakyStore{Store: mem, fails: 2}

	r := New(store, newFakeIDs(), Options{ExportMaxRetries: 3}, output.Discard())
	report, err := r.Run(context.Background(), &domain.BuildConfig{ID: "b10", EffectiveDate: "20140731", FirstTimeRelease: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transformed())
}

func TestRun_ExportGivesUpAfterMaxRetries(t *testing.T) {
	mem := blob.NewMemory()
	put(t, mem, "input/b11/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, "100\t20140731\t1\tm\td")
	store := &flakyStore{Store: mem, fails: 100}

	r := New(store, newFakeIDs(), Options{ExportMaxRetries: 2}, output.Discard())
	report, err := r.Run(context.Background(), &domain.BuildConfig{ID: "b11", EffectiveDate: "20140731", FirstTimeRelease: true})
	assert.ErrorIs(t, err, errors.ErrNoDeltaFiles)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "maximum retries exceeded")
}

func TestRun_InvalidEffectiveDate(t *testing.T) {
	_, err := newRunner(blob.NewMemory(), newFakeIDs()).Run(context.Background(), &domain.BuildConfig{ID: "x", EffectiveDate: "2014"})
	assert.Error(t, err)
}

func TestOutputNames(t *testing.T) {
	d, f, s := outputNames("xsct2_Description_Delta-en_INT_20140731.txt", false)
	assert.Equal(t, "sct2_Description_Delta-en_INT_20140731.txt", d)
	assert.Equal(t, "sct2_Description_Full-en_INT_20140731.txt", f)
	assert.Equal(t, "sct2_Description_Snapshot-en_INT_20140731.txt", s)

	d, _, _ = outputNames("sct2_Concept_Delta_INT_20140731.txt", true)
	assert.Equal(t, "xsct2_Concept_Delta_INT_20140731.txt", d)
}

func TestRun_AllDeltaRowsDiscarded(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "published/20140131/sct2_Concept_Snapshot_INT_20140131.txt", conceptHeader, "100\t20140131\t1\tm\td")
	put(t, store, "published/20140131/sct2_Concept_Full_INT_20140131.txt", conceptHeader, "100\t20140131\t1\tm\td")
	put(t, store, "input/b12/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, "100\t20140731\t1\tm\td")

	_, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b12", EffectiveDate: "20140731", PreviousPublishedPackage: "20140131", WorkbenchDataFixesRequired: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{conceptHeader}, read(t, store, "output/b12/sct2_Concept_Delta_INT_20140731.txt"))
	assert.Equal(t, []string{conceptHeader, "100\t20140131\t1\tm\td"},
		read(t, store, "output/b12/sct2_Concept_Full_INT_20140731.txt"))
}

func TestRun_FullOrdersIdentifiersNumerically(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "input/b13/sct2_Concept_Delta_INT_20140731.txt", conceptHeader,
		"1000\t20140731\t1\tm\td",
		"999\t20140731\t1\tm\td",
	)

	_, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b13", EffectiveDate: "20140731", FirstTimeRelease: true,
	})
	require.NoError(t, err)
	want := []string{conceptHeader, "999\t20140731\t1\tm\td", "1000\t20140731\t1\tm\td"}
	assert.Equal(t, want, read(t, store, "output/b13/sct2_Concept_Full_INT_20140731.txt"))
	assert.Equal(t, want, read(t, store, "output/b13/sct2_Concept_Snapshot_INT_20140731.txt"))
}

func TestRun_ShortRelationshipRowIsSkipped(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "input/b14/sct2_Relationship_Delta_INT_20140731.txt", relationshipHeader,
		"null\t20140731\t1\tm\t100\t200\t0\t116680003\t\t",
		"null\t20140731\t1\tm\t100",
	)

	report, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b14", EffectiveDate: "20140731", FirstTimeRelease: true,
	})
	require.NoError(t, err)
	res, ok := report.File("sct2_Relationship_Delta_INT_20140731.txt")
	require.True(t, ok)
	assert.Equal(t, StatusTransformed, res.Status)
	assert.Equal(t, 1, res.Rows)
	assert.Contains(t, res.Warnings, "1 malformed rows skipped")

	full := read(t, store, "output/b14/sct2_Relationship_Full_INT_20140731.txt")
	require.Len(t, full, 2)
	assert.True(t, strings.HasPrefix(full[1], "1001\t20140731\t1\tm\t100\t200\t"))
}

func TestRun_FixesWithoutPreviousSnapshotFailFile(t *testing.T) {
	store := blob.NewMemory()
	put(t, store, "published/20140131/sct2_Concept_Full_INT_20140131.txt", conceptHeader, "100\t20140131\t1\tm\td")
	put(t, store, "input/b15/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, "100\t20140731\t0\tm\td")

	report, err := newRunner(store, newFakeIDs()).Run(context.Background(), &domain.BuildConfig{
		ID: "b15", EffectiveDate: "20140731", PreviousPublishedPackage: "20140131", WorkbenchDataFixesRequired: true,
	})
	assert.ErrorIs(t, err, errors.ErrNoDeltaFiles)
	res, ok := report.File("sct2_Concept_Delta_INT_20140731.txt")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "not found")
	assert.Empty(t, res.Outputs)

	paths, err := store.List(context.Background(), "output/b15")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestRun_LegacyFailureIsBuildWarning(t *testing.T) {
	store := blob.NewMemory()
	ids := newFakeIDs()
	ids.schemeErr = fmt.Errorf("scheme service unavailable")
	put(t, store, "input/b16/sct2_Concept_Delta_INT_20140731.txt", conceptHeader, conceptA+"\t20140731\t1\tm\td")
	put(t, store, "input/b16/der2_sRefset_SimpleMapDelta_INT_20140731.txt", simpleMapHeader,
		"dddddddd-0000-0000-0000-000000000001\t20140731\t1\tm\t447562003\t100\tX1",
	)

	report, err := newRunner(store, ids).Run(context.Background(), &domain.BuildConfig{
		ID: "b16", EffectiveDate: "20140731", FirstTimeRelease: true, CreateLegacyIDs: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "2 transformed, 0 copied, 0 skipped, 0 failed", report.Summary())
	assert.Len(t, report.Files(), 2)
	require.Len(t, report.Warnings(), 1)
	assert.Contains(t, report.Warnings()[0], "scheme service unavailable")

	res, ok := report.File("der2_sRefset_SimpleMapDelta_INT_20140731.txt")
	require.True(t, ok)
	assert.Empty(t, res.Warnings)
}
