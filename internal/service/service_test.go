package service_test

import (
	"context"
	"testing"
	"time"

	"releasegen/internal/service"
)

// ─────────────────────────────────────────────────────────────
// Running guard tests
// ─────────────────────────────────────────────────────────────

func TestRunningGuard_TryLock(t *testing.T) {
	var g service.ExportedRunningGuard

	if !g.TryLock("build-1") {
		t.Fatal("expected first TryLock to succeed")
	}
	if g.TryLock("build-1") {
		t.Fatal("expected second TryLock for same build to fail")
	}
	if !g.TryLock("build-2") {
		t.Fatal("expected TryLock for different build to succeed")
	}
	if !g.Running("build-2") {
		t.Fatal("expected build-2 to be running")
	}
	g.Unlock("build-1")
	g.Unlock("build-2")

	if g.Running("build-1") {
		t.Fatal("expected build-1 to be released")
	}
	if !g.TryLock("build-1") {
		t.Fatal("expected TryLock to succeed after unlock")
	}
	g.Unlock("build-1")
}

func TestRunningGuard_WaitAll(t *testing.T) {
	var g service.ExportedRunningGuard

	if !g.TryLock("build-a") {
		t.Fatal("expected lock to succeed")
	}

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		g.WaitAll(ctx)
		close(done)
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Unlock("build-a")
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("WaitAll timed out")
	}
}

// ─────────────────────────────────────────────────────────────
// Emitter tests
// ─────────────────────────────────────────────────────────────

func TestMockEmitter_RecordsEvents(t *testing.T) {
	m := &service.MockEmitter{}
	ctx := context.Background()

	m.Emit(ctx, "test:event", map[string]string{"foo": "bar"})
	m.Emit(ctx, "test:event2", nil)

	events := m.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Event != "test:event" {
		t.Errorf("expected 'test:event', got %q", events[0].Event)
	}
}

func TestLogEmitter_NilLogger(t *testing.T) {
	// Falls back to the default logger.
	service.LogEmitter{}.Emit(context.Background(), service.EventBuildStarted, "b1")
}
