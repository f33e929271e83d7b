package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"releasegen/internal/blob"
	"releasegen/internal/config"
	"releasegen/internal/domain"
	"releasegen/internal/errors"
	"releasegen/internal/output"
	"releasegen/internal/runner"
	"releasegen/internal/service"
)

type memBuilds map[string]domain.BuildConfig

func (m memBuilds) GetBuild(_ context.Context, id string) (*domain.BuildConfig, error) {
	b, ok := m[id]
	if !ok {
		return nil, errors.NotFound("build " + id)
	}
	return &b, nil
}

func (m memBuilds) Close() error { return nil }

// blockingBuilder records runs and optionally blocks until released.
type blockingBuilder struct {
	mu      sync.Mutex
	runs    []string
	release chan struct{}
	err     error
}

func (b *blockingBuilder) Run(ctx context.Context, cfg *domain.BuildConfig) (*runner.Report, error) {
	b.mu.Lock()
	b.runs = append(b.runs, cfg.ID)
	b.mu.Unlock()
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.err != nil {
		return nil, b.err
	}
	return &runner.Report{BuildID: cfg.ID}, nil
}

func (b *blockingBuilder) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs)
}

var builds = memBuilds{
	"b1":  {ID: "b1", EffectiveDate: "20140731", FirstTimeRelease: true},
	"bad": {ID: "bad", EffectiveDate: "20140731"},
}

func TestBuildService_RunBuildEmitsEvents(t *testing.T) {
	emitter := &service.MockEmitter{}
	builder := &blockingBuilder{}
	svc := service.NewBuildService(builder, builds, emitter, output.Discard())

	_, err := svc.RunBuild(context.Background(), "b1")
	require.NoError(t, err)

	events := emitter.Events()
	require.Len(t, events, 2)
	assert.Equal(t, service.EventBuildStarted, events[0].Event)
	assert.Equal(t, service.EventBuildCompleted, events[1].Event)
}

func TestBuildService_RunBuildFailureEmitsFailed(t *testing.T) {
	emitter := &service.MockEmitter{}
	builder := &blockingBuilder{err: errors.ErrNoDeltaFiles}
	svc := service.NewBuildService(builder, builds, emitter, output.Discard())

	_, err := svc.RunBuild(context.Background(), "b1")
	assert.ErrorIs(t, err, errors.ErrNoDeltaFiles)
	events := emitter.Events()
	require.Len(t, events, 2)
	assert.Equal(t, service.EventBuildFailed, events[1].Event)
}

func TestBuildService_RejectsUnknownAndInvalidBuilds(t *testing.T) {
	builder := &blockingBuilder{}
	svc := service.NewBuildService(builder, builds, &service.MockEmitter{}, output.Discard())

	_, err := svc.RunBuild(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// No previous package and not a first time release.
	_, err = svc.RunBuild(context.Background(), "bad")
	assert.Error(t, err)
	assert.Equal(t, 0, builder.count())
}

func TestBuildService_PreventsConcurrentRunsOfSameBuild(t *testing.T) {
	builder := &blockingBuilder{release: make(chan struct{})}
	svc := service.NewBuildService(builder, builds, &service.MockEmitter{}, output.Discard())

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunBuild(context.Background(), "b1")
		done <- err
	}()
	require.Eventually(t, func() bool { return svc.IsRunning("b1") && builder.count() == 1 }, time.Second, 5*time.Millisecond)

	_, err := svc.RunBuild(context.Background(), "b1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already running"))

	close(builder.release)
	require.NoError(t, <-done)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.WaitRunning(ctx)
	assert.False(t, svc.IsRunning("b1"))
}

func TestBuildService_ScheduleRejectsInvalidCron(t *testing.T) {
	svc := service.NewBuildService(&blockingBuilder{}, builds, nil, output.Discard())
	err := svc.Schedule(context.Background(), config.ScheduleConfig{Cron: "not a cron", BuildID: "b1"})
	assert.Error(t, err)

	err = svc.Schedule(context.Background(), config.ScheduleConfig{Cron: "0 * * * *"})
	assert.Error(t, err, "a trigger without a build id is rejected")

	require.NoError(t, svc.Schedule(context.Background(), config.ScheduleConfig{Cron: "0 3 * * *", BuildID: "b1"}))
	svc.Stop()
}

func TestBuildService_WatcherTriggersBuild(t *testing.T) {
	dir := t.TempDir()
	builder := &blockingBuilder{}
	svc := service.NewBuildService(builder, builds, &service.MockEmitter{}, output.Discard())
	svc.Debounce = 20 * time.Millisecond

	require.NoError(t, svc.Schedule(context.Background(), config.ScheduleConfig{WatchDir: dir, BuildID: "b1"}))
	defer svc.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sct2_Concept_Delta_INT_20140731.txt"), []byte("id\r\n"), 0o644))
	require.Eventually(t, func() bool { return builder.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBuildService_StopIdempotent(t *testing.T) {
	svc := service.NewBuildService(&blockingBuilder{}, builds, nil, output.Discard())
	svc.Stop()
	svc.Stop()
}

func TestBuildService_RunsRealBuild(t *testing.T) {
	store := blob.NewMemory()
	require.NoError(t, store.WriteFile(context.Background(), "input/b1/sct2_Concept_Delta_INT_20140731.txt",
		[]byte("id\teffectiveTime\tactive\tmoduleId\tdefinitionStatusId\r\n100\t20140731\t1\tm\td\r\n")))
	r := runner.New(store, noIDs{}, runner.Options{}, output.Discard())
	svc := service.NewBuildService(r, builds, &service.MockEmitter{}, output.Discard())

	report, err := svc.RunBuild(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transformed())
}

// noIDs serves builds whose inputs carry no temporary identifiers.
type noIDs struct{}

func (noIDs) Peek(string) (string, bool) { return "", false }
func (noIDs) Login(context.Context) error { return nil }
func (noIDs) Logout(context.Context) error { return nil }
func (noIDs) ResolveBatch(context.Context, []string, domain.ComponentType) (map[string]string, error) {
	return map[string]string{}, nil
}
func (noIDs) ResolveSchemeBatch(context.Context, string, []string) (map[string]string, error) {
	return map[string]string{}, nil
}
