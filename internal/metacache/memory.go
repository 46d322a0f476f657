package metacache

import (
	"context"
	"sync"
)

// MemoryLayer is a map-backed layer for tests and single-process
// deployments that want a second tier without an external service.
type MemoryLayer struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryLayer creates an empty MemoryLayer.
func NewMemoryLayer() *MemoryLayer {
	return &MemoryLayer{entries: make(map[string]Entry)}
}

// Name implements Layer.
func (m *MemoryLayer) Name() string { return "memory" }

// Get implements Layer.
func (m *MemoryLayer) Get(ctx context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Set implements Layer.
func (m *MemoryLayer) Set(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

// Delete implements Layer.
func (m *MemoryLayer) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryLayer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close implements Layer.
func (m *MemoryLayer) Close() error { return nil }

var _ Layer = (*MemoryLayer)(nil)
