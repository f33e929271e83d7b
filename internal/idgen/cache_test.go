package idgen

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/output"
)

// fakeService is an in-process identifier service.
type fakeService struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64][]JobRecord
	polls     map[int64]int
	tokens    map[string]bool
	logins    atomic.Int32
	logouts   atomic.Int32
	generates atomic.Int32

	// failGenerate makes the next n generate calls return 503.
	failGenerate atomic.Int32
	// pollsUntilDone is how many status checks report RUNNING first.
	pollsUntilDone int
	// jobStatus overrides the terminal status.
	jobStatus JobStatus
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	f := &fakeService{
		nextID: 900000000,
		jobs:   make(map[int64][]JobRecord),
		polls:  make(map[int64]int),
		tokens: make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", f.login)
	mux.HandleFunc("POST /logout", f.logout)
	mux.HandleFunc("POST /authenticate", f.authenticate)
	mux.HandleFunc("POST /sct/generate", f.authed(f.generate))
	mux.HandleFunc("POST /sct/bulk/generate", f.authed(f.bulkGenerate(false)))
	mux.HandleFunc("POST /scheme/{scheme}/bulk/generate", f.authed(f.bulkGenerate(true)))
	mux.HandleFunc("GET /bulk/jobs/{id}", f.authed(f.status))
	mux.HandleFunc("GET /bulk/jobs/{id}/records", f.authed(f.records))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeService) login(w http.ResponseWriter, r *http.Request) {
	n := f.logins.Add(1)
	token := fmt.Sprintf("token-%d", n)
	f.mu.Lock()
	f.tokens[token] = true
	f.mu.Unlock()
	writeJSON(w, map[string]string{"token": token})
}

func (f *fakeService) logout(w http.ResponseWriter, r *http.Request) {
	f.logouts.Add(1)
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	delete(f.tokens, body["token"])
	f.mu.Unlock()
}

func (f *fakeService) authenticate(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	ok := f.tokens[body["token"]]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func (f *fakeService) expireTokens() {
	f.mu.Lock()
	f.tokens = make(map[string]bool)
	f.mu.Unlock()
}

func (f *fakeService) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ok := f.tokens[r.URL.Query().Get("token")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (f *fakeService) mint() string {
	f.nextID++
	return strconv.FormatInt(f.nextID, 10)
}

func (f *fakeService) generate(w http.ResponseWriter, r *http.Request) {
	f.generates.Add(1)
	if f.failGenerate.Load() > 0 {
		f.failGenerate.Add(-1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	var req GenerateRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.PartitionID == "" || req.SystemID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	id := f.mint()
	f.mu.Unlock()
	writeJSON(w, map[string]string{"sctid": id})
}

func (f *fakeService) bulkGenerate(scheme bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BulkGenerateRequest
		json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()
		jobID := int64(len(f.jobs) + 1)
		records := make([]JobRecord, len(req.SystemIDs))
		for i, sys := range req.SystemIDs {
			records[i] = JobRecord{SystemID: sys}
			if scheme {
				records[i].SchemeID = r.PathValue("scheme") + "-" + f.mint()
			} else {
				records[i].SCTID = f.mint()
			}
		}
		f.jobs[jobID] = records
		writeJSON(w, Job{ID: jobID, Status: JobPending})
	}
}

func (f *fakeService) status(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	f.polls[id]++
	polls := f.polls[id]
	f.mu.Unlock()

	status := JobRunning
	if polls > f.pollsUntilDone {
		status = JobCompleted
		if f.jobStatus != "" {
			status = f.jobStatus
		}
	}
	writeJSON(w, Job{ID: id, Status: status})
}

func (f *fakeService) records(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	records := f.jobs[id]
	f.mu.Unlock()
	writeJSON(w, records)
}

func newTestCache(srv *httptest.Server, opts Options) *Cache {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	return NewCache(NewClient(srv.URL), opts, output.Discard())
}

func TestPartitionID(t *testing.T) {
	tests := []struct {
		ns   int
		ct   domain.ComponentType
		want string
	}{
		{0, domain.ComponentConcept, "00"},
		{0, domain.ComponentDescription, "01"},
		{0, domain.ComponentRelationship, "02"},
		{1000005, domain.ComponentConcept, "10"},
		{1000005, domain.ComponentDescription, "11"},
		{1000005, domain.ComponentStatedRelationship, "12"},
	}
	for _, tt := range tests {
		got, err := PartitionID(tt.ns, tt.ct)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := PartitionID(0, domain.ComponentRefset)
	assert.Error(t, err)
}

func TestCache_ResolveCachesResult(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestCache(srv, Options{MaxTries: 1})
	ctx := context.Background()

	id, err := c.Resolve(ctx, "u-1", domain.ComponentConcept)
	require.NoError(t, err)
	again, err := c.Resolve(ctx, "u-1", domain.ComponentConcept)
	require.NoError(t, err)

	assert.Equal(t, id, again)
	assert.Equal(t, int32(1), f.generates.Load())

	peeked, ok := c.Peek("u-1")
	assert.True(t, ok)
	assert.Equal(t, id, peeked)
	_, ok = c.Peek("u-2")
	assert.False(t, ok)
}

func TestCache_ResolveRetriesTransientFailures(t *testing.T) {
	f, srv := newFakeService(t)
	f.failGenerate.Store(2)
	c := newTestCache(srv, Options{MaxTries: 3})

	_, err := c.Resolve(context.Background(), "u-1", domain.ComponentConcept)
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.generates.Load())
}

func TestCache_ResolveGivesUpAfterMaxTries(t *testing.T) {
	f, srv := newFakeService(t)
	f.failGenerate.Store(10)
	c := newTestCache(srv, Options{MaxTries: 2})

	_, err := c.Resolve(context.Background(), "u-1", domain.ComponentConcept)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMaxRetries)
	assert.Equal(t, int32(2), f.generates.Load())
}

func TestCache_ResolveDoesNotRetryPermanentFailures(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestCache(srv, Options{MaxTries: 3})

	// An empty system id is rejected with 400.
	_, err := c.Resolve(context.Background(), "", domain.ComponentConcept)
	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, stderrors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, int32(1), f.generates.Load())
}

func TestCache_ResolveBatchPollsJob(t *testing.T) {
	f, srv := newFakeService(t)
	f.pollsUntilDone = 2
	c := newTestCache(srv, Options{MaxTries: 1, BatchSize: 2})
	ctx := context.Background()

	c.Put("known", "123")
	ids, err := c.ResolveBatch(ctx, []string{"a", "b", "c", "a", "known"}, domain.ComponentDescription)
	require.NoError(t, err)
	assert.Len(t, ids, 4)
	assert.Equal(t, "123", ids["known"])
	assert.NotEqual(t, ids["a"], ids["b"])

	f.mu.Lock()
	defer f.mu.Unlock()
	// Three missing ids in chunks of two.
	assert.Len(t, f.jobs, 2)
	for _, polls := range f.polls {
		assert.Equal(t, 3, polls)
	}
}

func TestCache_ResolveBatchTimeout(t *testing.T) {
	f, srv := newFakeService(t)
	f.pollsUntilDone = 1 << 30
	c := newTestCache(srv, Options{MaxTries: 3, Timeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})

	_, err := c.ResolveBatch(context.Background(), []string{"a"}, domain.ComponentConcept)
	require.Error(t, err)
	var timeout *errors.ClientTimeoutError
	assert.True(t, stderrors.As(err, &timeout))
	assert.ErrorIs(t, err, errors.ErrTimeout)

	// A timeout aborts the job without resubmitting it.
	f.mu.Lock()
	assert.Len(t, f.jobs, 1)
	f.mu.Unlock()
}

func TestCache_ResolveBatchFailedJob(t *testing.T) {
	f, srv := newFakeService(t)
	f.jobStatus = JobFailed
	c := newTestCache(srv, Options{MaxTries: 3})

	_, err := c.ResolveBatch(context.Background(), []string{"a"}, domain.ComponentConcept)
	require.Error(t, err)
	assert.Equal(t, errors.KindFatal, errors.KindOf(err))
}

func TestCache_ResolveSchemeBatch(t *testing.T) {
	_, srv := newFakeService(t)
	c := newTestCache(srv, Options{MaxTries: 1})

	ids, err := c.ResolveSchemeBatch(context.Background(), SchemeCTV3, []string{"c-1", "c-2"})
	require.NoError(t, err)
	assert.Contains(t, ids["c-1"], SchemeCTV3)
	got, ok := c.PeekScheme(SchemeCTV3, "c-2")
	assert.True(t, ok)
	assert.Equal(t, ids["c-2"], got)

	_, ok = c.Peek("c-1")
	assert.False(t, ok)
}

func TestCache_SessionIsReferenceCounted(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestCache(srv, Options{MaxTries: 1})
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	require.NoError(t, c.Login(ctx))
	assert.Equal(t, int32(1), f.logins.Load())

	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, int32(0), f.logouts.Load())
	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, int32(1), f.logouts.Load())

	// Extra logouts are ignored.
	require.NoError(t, c.Logout(ctx))
	assert.Equal(t, int32(1), f.logouts.Load())
}

func TestCache_ReauthenticatesExpiredToken(t *testing.T) {
	f, srv := newFakeService(t)
	c := newTestCache(srv, Options{MaxTries: 1})
	ctx := context.Background()

	require.NoError(t, c.Login(ctx))
	f.expireTokens()

	_, err := c.Resolve(ctx, "u-1", domain.ComponentConcept)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.logins.Load())
}

func TestCache_ConcurrentResolve(t *testing.T) {
	_, srv := newFakeService(t)
	c := newTestCache(srv, Options{MaxTries: 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Resolve(ctx, fmt.Sprintf("u-%d", i%4), domain.ComponentConcept)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, c.Len())
}
