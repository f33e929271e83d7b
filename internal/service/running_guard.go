package service

import (
	"context"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningBuildsGuard

// runningBuildsGuard ensures only one run of a given build id at a time.
type runningBuildsGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock marks buildID as running. Returns false if it already is.
func (g *runningBuildsGuard) TryLock(buildID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[buildID]; ok {
		return false
	}
	g.running[buildID] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock marks the build as finished. Must follow a successful TryLock.
func (g *runningBuildsGuard) Unlock(buildID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, buildID)
	g.wg.Done()
}

// Running reports whether buildID is running.
func (g *runningBuildsGuard) Running(buildID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[buildID]
	return ok
}

// WaitAll blocks until all running builds complete or ctx is cancelled.
func (g *runningBuildsGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
