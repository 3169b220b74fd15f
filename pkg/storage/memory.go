package storage

import (
	"context"
	"fmt"

	"github.com/maypok86/otter"
)

const driverMemory = "memory"

// Memory keeps slots in a bounded in-process otter cache (S3-FIFO eviction).
// It survives identity changes but not process restarts.
type Memory struct {
	store otter.Cache[string, string]
}

// NewMemory creates a store holding at most capacity slots.
func NewMemory(capacity int) (*Memory, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("memory storage capacity must be positive, got %d", capacity)
	}
	cache, err := otter.MustBuilder[string, string](capacity).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build memory storage: %w", err)
	}
	return &Memory{store: cache}, nil
}

// Get implements platform.Storage.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.store.Get(key)
	observe(driverMemory, opGet, nil)
	return v, ok, nil
}

// Set implements platform.Storage.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.store.Set(key, value)
	observe(driverMemory, opSet, nil)
	return nil
}

// Clear implements platform.Storage.
func (m *Memory) Clear(_ context.Context, key string) error {
	m.store.Delete(key)
	observe(driverMemory, opClear, nil)
	return nil
}

// Close releases the cache's background goroutines.
func (m *Memory) Close() {
	m.store.Close()
}

// Name returns the checker name.
func (m *Memory) Name() string {
	return driverMemory
}

// Check always succeeds.
func (m *Memory) Check(context.Context) error {
	return nil
}
