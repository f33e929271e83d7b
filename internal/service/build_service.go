// Package service runs release builds on demand, on a cron schedule, and
// when authored input files change.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"releasegen/internal/buildmeta"
	"releasegen/internal/config"
	"releasegen/internal/domain"
	"releasegen/internal/runner"
)

// Builder executes one build.
type Builder interface {
	Run(ctx context.Context, cfg *domain.BuildConfig) (*runner.Report, error)
}

// DefaultDebounce is how long the watcher waits after the last file change
// before starting a build.
const DefaultDebounce = 2 * time.Second

// BuildService runs builds and owns the scheduler and file watcher.
type BuildService struct {
	builder Builder
	builds  domain.BuildConfigStore
	emitter EventEmitter
	running runningBuildsGuard
	logger  *log.Logger

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewBuildService creates a BuildService ready for use.
func NewBuildService(builder Builder, builds domain.BuildConfigStore, emitter EventEmitter, logger *log.Logger) *BuildService {
	if logger == nil {
		logger = log.Default()
	}
	if emitter == nil {
		emitter = LogEmitter{Logger: logger}
	}
	return &BuildService{
		builder:  builder,
		builds:   builds,
		emitter:  emitter,
		logger:   logger,
		Debounce: DefaultDebounce,
	}
}

// ── Run ────────────────────────────────────────────────────

// RunBuild loads, validates and executes a build. A build already running
// is rejected rather than queued.
func (s *BuildService) RunBuild(ctx context.Context, id string) (*runner.Report, error) {
	if !s.running.TryLock(id) {
		return nil, fmt.Errorf("build %s is already running", id)
	}
	defer s.running.Unlock(id)

	cfg, err := s.builds.GetBuild(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load build %s: %w", id, err)
	}
	if err := buildmeta.Validate(cfg); err != nil {
		return nil, err
	}

	s.emitter.Emit(ctx, EventBuildStarted, id)
	start := time.Now()
	report, err := s.builder.Run(ctx, cfg)
	if err != nil {
		s.emitter.Emit(ctx, EventBuildFailed, map[string]any{
			"buildId":  id,
			"error":    err.Error(),
			"duration": time.Since(start).String(),
		})
		return report, err
	}
	s.emitter.Emit(ctx, EventBuildCompleted, map[string]any{
		"buildId":  id,
		"summary":  report.Summary(),
		"duration": time.Since(start).String(),
	})
	return report, nil
}

// IsRunning reports whether the build is in progress.
func (s *BuildService) IsRunning(id string) bool {
	return s.running.Running(id)
}

// ── Triggers (cron + file watch) ──────────────────────────

// Schedule tears down the current triggers and installs the ones cfg
// describes. An empty cron expression or watch dir disables that trigger.
func (s *BuildService) Schedule(ctx context.Context, cfg config.ScheduleConfig) error {
	s.Stop()
	if cfg.BuildID == "" {
		if cfg.Cron != "" || cfg.WatchDir != "" {
			return fmt.Errorf("schedule: build id is required")
		}
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Cron != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.Cron, func() {
			s.logger.Info("scheduled build", "build", cfg.BuildID)
			if _, err := s.RunBuild(ctx, cfg.BuildID); err != nil {
				s.logger.Error("scheduled build failed", "build", cfg.BuildID, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
		}
		c.Start()
		s.cronSched = c
		s.logger.Info("build scheduled", "build", cfg.BuildID, "cron", cfg.Cron)
	}

	if cfg.WatchDir != "" {
		if err := s.watch(ctx, cfg.WatchDir, cfg.BuildID); err != nil {
			s.stopLocked()
			return err
		}
	}
	return nil
}

// watch starts a build after files under dir stop changing for Debounce.
func (s *BuildService) watch(ctx context.Context, dir, buildID string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(absDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir %q: %w", absDir, err)
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	debounce := s.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	go func() {
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				name := event.Name
				timer = time.AfterFunc(debounce, func() {
					if watchCtx.Err() != nil {
						return
					}
					s.logger.Info("input changed, starting build", "file", name, "build", buildID)
					if _, err := s.RunBuild(watchCtx, buildID); err != nil {
						s.logger.Error("triggered build failed", "build", buildID, "err", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watcher error", "err", err)
			}
		}
	}()

	s.logger.Info("watching inputs", "dir", absDir, "build", buildID)
	return nil
}

// WaitRunning blocks until all running builds finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *BuildService) WaitRunning(ctx context.Context) {
	s.running.WaitAll(ctx)
}

// Stop tears down the scheduler and watcher. Running builds continue.
func (s *BuildService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *BuildService) stopLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
