package runner

import (
	"context"
	"sync"

	"releasegen/internal/storage"
)

// conceptModules maps concept ids to the module they are published in.
// Phase 1 writes it; Phase 2 workers read it concurrently.
type conceptModules struct {
	mu      sync.RWMutex
	modules map[string]string
}

func newConceptModules() *conceptModules {
	return &conceptModules{modules: make(map[string]string)}
}

func (m *conceptModules) ModuleOf(conceptID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	module, ok := m.modules[conceptID]
	return module, ok
}

func (m *conceptModules) set(conceptID, module string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[conceptID] = module
}

// record reads id and moduleId from a loaded concept table.
func (m *conceptModules) record(ctx context.Context, t *storage.Table) error {
	moduleIx := t.Schema.FieldIndex("moduleId")
	if moduleIx < 0 {
		return nil
	}
	return t.ScanInserted(ctx, func(r storage.Row) error {
		if len(r.Values) > moduleIx {
			m.set(r.Values[0], r.Values[moduleIx])
		}
		return nil
	})
}

func (b *build) addConceptUUIDs(uuids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conceptUUIDs = append(b.conceptUUIDs, uuids...)
}
