package service

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// ─────────────────────────────────────────────────────────────
// EventEmitter decouples the build service from its observers
// ─────────────────────────────────────────────────────────────

// Build lifecycle events.
const (
	EventBuildStarted   = "build:started"
	EventBuildCompleted = "build:completed"
	EventBuildFailed    = "build:failed"
)

// EventEmitter receives build lifecycle events.
type EventEmitter interface {
	Emit(ctx context.Context, event string, data any)
}

// LogEmitter writes every event to a logger.
type LogEmitter struct {
	Logger *log.Logger
}

func (e LogEmitter) Emit(_ context.Context, event string, data any) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Info(event, "data", data)
}

// MockEmitter is a test-friendly EventEmitter that records all calls.
type MockEmitter struct {
	mu     sync.Mutex
	events []EmittedEvent
}

// EmittedEvent holds a single recorded emission for test assertions.
type EmittedEvent struct {
	Event string
	Data  any
}

func (m *MockEmitter) Emit(_ context.Context, event string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, EmittedEvent{Event: event, Data: data})
}

// Events returns a copy of the recorded events.
func (m *MockEmitter) Events() []EmittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EmittedEvent(nil), m.events...)
}
